// Package eye wires capture, detection, tracking, scene analysis and memory
// into the perception loop.
package eye

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/argus-data/watchtower/internal/alert"
	"github.com/argus-data/watchtower/internal/capture"
	"github.com/argus-data/watchtower/internal/config"
	"github.com/argus-data/watchtower/internal/detect"
	"github.com/argus-data/watchtower/internal/eyedb"
	"github.com/argus-data/watchtower/internal/filter"
	"github.com/argus-data/watchtower/internal/memory"
	"github.com/argus-data/watchtower/internal/metrics"
	"github.com/argus-data/watchtower/internal/monitoring"
	"github.com/argus-data/watchtower/internal/recorder"
	"github.com/argus-data/watchtower/internal/scene"
	"github.com/argus-data/watchtower/internal/vision"
)

// Deps are the assembled components the core runs on.
type Deps struct {
	Config   *config.Config
	Source   *capture.Source
	Buffer   *capture.FrameBuffer
	Cascade  *detect.Cascade
	Filter   *filter.StateFilter
	Analyzer *scene.Analyzer
	Memory   *memory.PerceptionMemory
	Writer   *eyedb.Writer
	DB       *eyedb.DB
	Alerts   *alert.Publisher
	Recorder *recorder.Recorder
	Metrics  *metrics.Metrics
}

// Core runs the perception loop: a capture lane fills the frame buffer while
// the analysis lane folds each new frame into detections, refinements, scene
// analysis and the event memory.
type Core struct {
	Deps

	mu       sync.Mutex
	muted    map[string]struct{}
	lastSeen *vision.PerceptionResult
	policy   string
	running  bool
}

// New builds a Core from its assembled dependencies.
func New(deps Deps) *Core {
	return &Core{Deps: deps, muted: make(map[string]struct{}), policy: "standard"}
}

// Run starts the capture lane and drives the analysis lane until ctx is
// cancelled. It returns when capture fails to start or ctx ends.
func (c *Core) Run(ctx context.Context) error {
	captureErr := make(chan error, 1)
	go func() {
		captureErr <- c.Source.Run(ctx)
	}()

	c.setRunning(true)
	defer c.setRunning(false)

	monitoring.Logf("eye: perception loop started")
	waitTimeout := 2 * time.Second
	for {
		select {
		case err := <-captureErr:
			c.flushOnExit()
			if err != nil {
				return fmt.Errorf("eye: capture failed: %w", err)
			}
			return nil
		case <-ctx.Done():
			c.flushOnExit()
			monitoring.Logf("eye: perception loop stopped")
			return nil
		default:
		}

		if !c.Buffer.WaitForNewData(waitTimeout) {
			continue
		}
		frame, ok := c.Source.Frame()
		if !ok {
			continue
		}
		if _, err := c.Perceive(ctx, frame); err != nil {
			monitoring.Logf("eye: perceive: %v", err)
		}
	}
}

// Perceive runs the full pipeline over one frame and folds the result into
// the event memory.
func (c *Core) Perceive(ctx context.Context, frame vision.Frame) (*vision.PerceptionResult, error) {
	result := &vision.PerceptionResult{
		AlertTags: make(map[string]struct{}),
		Time:      frame.Time,
	}

	alertClasses := c.Filter.HighPriorityClasses()
	stage1 := c.Cascade.DetectStage1(ctx, frame, alertClasses)
	stage1.Detections = c.filterMuted(stage1.Detections)
	result.Detection = stage1

	for _, d := range stage1.Detections {
		c.Metrics.DetectionsTotal.WithLabelValues(d.Class).Inc()
		if _, ok := alertClasses[d.Class]; ok {
			result.AddTag(d.Class)
		}
	}

	refineTasks, sceneCandidates := c.Filter.CheckRefinementNeeds(stage1.Detections)

	if len(refineTasks) > 0 {
		result.Features = c.Cascade.DetectStage2(ctx, frame, refineTasks)
		c.Metrics.RefinementsTotal.Inc()
		for _, feature := range result.Features {
			if _, ok := alertClasses[feature.Label]; ok {
				result.AddTag(feature.Label)
			}
		}
	}

	if len(sceneCandidates) > 0 {
		c.analyzeScene(ctx, result)
	}

	if len(stage1.Detections) > 0 {
		c.Writer.InsertObservation(eyedb.ObservationEntry{
			Timestamp: result.Time,
			Content:   observationContent(result),
			Target:    strings.Join(stage1.UniqueClasses(), ","),
		})
	}

	if err := c.record(ctx, result); err != nil {
		return result, err
	}

	c.mu.Lock()
	c.lastSeen = result
	c.mu.Unlock()
	return result, nil
}

// flushOnExit closes any open event so shutdown never strands an ongoing
// row. Both Run exit paths call it; capture returning nil after cancellation
// can win the race against ctx.Done.
func (c *Core) flushOnExit() {
	if err := c.Memory.Flush(context.Background()); err != nil {
		monitoring.Logf("eye: flush on shutdown: %v", err)
	}
}

func (c *Core) setRunning(v bool) {
	c.mu.Lock()
	c.running = v
	c.mu.Unlock()
}

// PerceiveSingle runs one pipeline pass over the most recent frame, for the
// on-demand API surface.
func (c *Core) PerceiveSingle(ctx context.Context) (*vision.PerceptionResult, error) {
	frame, ok := c.Source.Frame()
	if !ok {
		return nil, fmt.Errorf("eye: no frame captured yet")
	}
	return c.Perceive(ctx, frame)
}

func (c *Core) analyzeScene(ctx context.Context, result *vision.PerceptionResult) {
	frames := c.Buffer.Frames(true)
	if len(frames) == 0 {
		if f := result.Detection.Frame; f != nil {
			frames = []vision.Frame{*f}
		} else if frame, ok := c.Source.Frame(); ok {
			frames = []vision.Frame{frame}
		} else {
			return
		}
	}

	analysis, err := c.Analyzer.Analyze(ctx, frames, result.Detection.UniqueClasses(), c.SecurityPolicy())
	if err != nil {
		c.Metrics.SceneFailures.Inc()
		monitoring.Logf("eye: scene analysis: %v", err)
		return
	}
	c.Metrics.ScenesAnalyzed.Inc()
	result.Analysis = &analysis
	if analysis.IsAbnormal {
		result.AddTag("behavior")
	}
}

// observationContent summarizes one cycle: per-class counts, plus the scene
// verdict when one was produced.
func observationContent(result *vision.PerceptionResult) string {
	counts := result.Detection.ClassCounts()
	parts := make([]string, 0, len(counts))
	for _, class := range result.Detection.UniqueClasses() {
		parts = append(parts, fmt.Sprintf("%s x%d", class, counts[class]))
	}
	content := strings.Join(parts, ", ")
	if result.Analysis != nil && result.Analysis.Description != "" {
		content += " | " + result.Analysis.Description
	}
	return content
}

// record folds the result into the event memory and raises alerts for
// abnormal results.
func (c *Core) record(ctx context.Context, result *vision.PerceptionResult) error {
	before := c.Memory.ActiveEventID()
	eventID, err := c.Memory.Process(ctx, result)
	if err != nil {
		return err
	}
	after := c.Memory.ActiveEventID()

	if after != 0 && after != before {
		c.Metrics.EventsOpened.Inc()
		c.snapshot(ctx, result, after)
	}
	if before != 0 && after != before {
		c.Metrics.EventsClosed.Inc()
	}

	if eventID != 0 && result.IsAbnormal() {
		reason := ""
		if result.Analysis != nil {
			reason = result.Analysis.Reason
		}
		if err := c.DB.SetEventAbnormal(ctx, eventID, reason); err != nil {
			monitoring.Logf("eye: flag event %d: %v", eventID, err)
		}
		c.Alerts.Publish(alert.Message{
			EventID:     eventID,
			Tags:        result.SortedTags(),
			Description: reason,
			Timestamp:   result.Time.Format("2006-01-02 15:04:05"),
		})
		c.Metrics.AlertsPublished.Inc()
	}
	return nil
}

func (c *Core) snapshot(ctx context.Context, result *vision.PerceptionResult, eventID int64) {
	img := result.Detection.Annotated
	if img == nil && result.Detection.Frame != nil {
		img = result.Detection.Frame.Img
	}
	if img == nil {
		return
	}
	path, err := c.Recorder.SaveSnapshot(img, eventID, result.Time.Format("2006-01-02"))
	if err != nil {
		monitoring.Logf("eye: snapshot event %d: %v", eventID, err)
		return
	}
	if err := c.DB.SetEventSnapshot(ctx, eventID, path); err != nil {
		monitoring.Logf("eye: record snapshot event %d: %v", eventID, err)
	}
}

func (c *Core) filterMuted(detections []vision.Detection) []vision.Detection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.muted) == 0 {
		return detections
	}
	out := detections[:0:0]
	for _, d := range detections {
		if _, muted := c.muted[d.Class]; !muted {
			out = append(out, d)
		}
	}
	return out
}
