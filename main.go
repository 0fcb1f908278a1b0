package main

import (
	"context"
	"flag"
	"image"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/argus-data/watchtower/internal/alert"
	"github.com/argus-data/watchtower/internal/api"
	"github.com/argus-data/watchtower/internal/capture"
	"github.com/argus-data/watchtower/internal/config"
	"github.com/argus-data/watchtower/internal/detect"
	"github.com/argus-data/watchtower/internal/eye"
	"github.com/argus-data/watchtower/internal/eyedb"
	"github.com/argus-data/watchtower/internal/filter"
	"github.com/argus-data/watchtower/internal/memory"
	"github.com/argus-data/watchtower/internal/metrics"
	"github.com/argus-data/watchtower/internal/monitoring"
	"github.com/argus-data/watchtower/internal/recorder"
	"github.com/argus-data/watchtower/internal/scene"
)

var (
	devMode    = flag.Bool("dev", false, "Run with a synthetic camera and a stub detector")
	debugMode  = flag.Bool("debug", false, "Enable debug logging")
	configPath = flag.String("config", "", "Path to JSON config (defaults to config/eye.defaults.json)")
	listenFlag = flag.String("listen", "", "Listen address override")
)

// stubDetector stands in for the real detector in dev mode. It accepts any
// vocabulary and never detects anything.
type stubDetector struct{}

func (stubDetector) SetClasses(classes []string) error { return nil }
func (stubDetector) Detect(ctx context.Context, img image.Image) ([]detect.RawDetection, error) {
	return nil, nil
}
func (stubDetector) Close() error { return nil }

func main() {
	flag.Parse()

	// .env is optional; real deployments set environment directly.
	_ = godotenv.Load()

	if *debugMode {
		monitoring.SetDebug(true)
	}

	var cfg *config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	} else {
		cfg = config.MustLoadDefault()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	listen := cfg.GetListen()
	if *listenFlag != "" {
		listen = *listenFlag
	}

	db, err := eyedb.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.MigrateUp(cfg.GetMigrationsDir()); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	writer := eyedb.NewWriter(db, cfg.GetBatchSize(), cfg.GetFlushInterval(), cfg.GetQueueCapacity())
	writer.Start()
	defer writer.Stop()

	mem := memory.New(writer, memory.Config{
		LossTolerance:       cfg.GetLossTolerance(),
		MaxEventDuration:    cfg.GetMaxEventDuration(),
		SimilarityThreshold: cfg.GetSimilarityThreshold(),
		MinUpdateInterval:   cfg.GetMinUpdateInterval(),
		MaxKeptFeatures:     cfg.GetMaxKeptFeatures(),
		EmbeddingDimension:  cfg.GetEmbeddingDimension(),
	})

	var detectorClient detect.Client
	if *devMode {
		detectorClient = stubDetector{}
	} else {
		detectorClient = detect.NewRemoteClient(cfg.GetDetectorURL(), cfg.GetDetectorClassURL(), cfg.GetDetectorTimeout())
	}
	defer detectorClient.Close()

	cascade, err := detect.NewCascade(detectorClient, detect.CascadeConfig{
		Stage1Targets:       cfg.GetStage1Targets(),
		Stage2Targets:       cfg.GetStage2Targets(),
		ConfidenceThreshold: cfg.GetConfidenceThreshold(),
		NMSThreshold:        cfg.GetNMSThreshold(),
	})
	if err != nil {
		log.Fatalf("failed to initialise detector cascade: %v", err)
	}

	stateFilter := filter.New(filter.Config{
		IOUThreshold:      cfg.GetIOUThreshold(),
		RecheckInterval:   cfg.GetRecheckInterval(),
		MovementThreshold: cfg.GetMovementThreshold(),
		BaseAlertClasses:  cfg.GetBaseAlertClasses(),
	})

	sceneClient := scene.NewClient(scene.ClientConfig{
		URL:        cfg.GetSceneURL(),
		Model:      cfg.GetSceneModel(),
		APIKey:     os.Getenv("SCENE_API_KEY"),
		Timeout:    cfg.GetSceneTimeout(),
		FrameCount: cfg.GetSceneFrameCount(),
		MaxRetries: cfg.GetSceneMaxRetries(),
	})
	analyzer := scene.NewAnalyzer(sceneClient, cfg.GetSceneConcurrency(), cfg.GetSceneWaitTimeout())
	defer analyzer.Close()

	publisher, err := alert.NewPublisher(cfg.GetMQTTBroker(), "watchtower-eye", cfg.GetMQTTTopic())
	if err != nil {
		log.Fatalf("failed to connect alert publisher: %v", err)
	}
	defer publisher.Close()

	rec, err := recorder.New(cfg.GetSnapshotDir())
	if err != nil {
		log.Fatalf("failed to prepare snapshot dir: %v", err)
	}

	fps := cfg.GetCaptureFPS()
	buffer := capture.NewFrameBuffer(fps, cfg.GetContextDuration())

	var grabber capture.Grabber
	if *devMode {
		grabber = capture.NewMockGrabber()
	} else {
		grabber = capture.NewFFmpegGrabber(cfg.GetVideoSource(), fps)
	}

	m := metrics.New()
	source := capture.NewSource(grabber, buffer, fps, cfg.GetReconnectBackoff())
	source.OnFrame = m.FramesCaptured.Inc
	source.OnReconnect = m.CaptureReconnects.Inc

	core := eye.New(eye.Deps{
		Config:   cfg,
		Source:   source,
		Buffer:   buffer,
		Cascade:  cascade,
		Filter:   stateFilter,
		Analyzer: analyzer,
		Memory:   mem,
		Writer:   writer,
		DB:       db,
		Alerts:   publisher,
		Recorder: rec,
		Metrics:  m,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// perception loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := core.Run(ctx); err != nil {
			log.Printf("perception loop exited: %v", err)
			stop()
		}
	}()

	// HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(core, db, m)

		streamStop := make(chan struct{})
		go apiServer.StreamFrames(streamStop, fps)
		defer close(streamStop)

		server := &http.Server{
			Addr:    listen,
			Handler: api.LoggingMiddleware(apiServer.ServeMux()),
		}

		go func() {
			log.Printf("listening on %s", listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
}
