package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/eye.defaults.json"

// Config represents the root configuration for the perception pipeline.
// Fields are pointers so a partial JSON file only overrides what it names;
// the Get* methods provide fallback defaults for anything left nil.
type Config struct {
	// Capture params
	VideoSource      *string `json:"video_source,omitempty"`
	CaptureFPS       *int    `json:"capture_fps,omitempty"`
	ContextDuration  *string `json:"context_duration,omitempty"`  // duration string like "6s"
	ReconnectBackoff *string `json:"reconnect_backoff,omitempty"` // duration string like "3s"

	// Detector params
	DetectorURL         *string  `json:"detector_url,omitempty"`           // websocket endpoint
	DetectorClassURL    *string  `json:"detector_class_url,omitempty"`     // HTTP vocabulary update endpoint
	DetectorTimeout     *string  `json:"detector_timeout,omitempty"`       // per-inference timeout
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`   // [0,1]
	NMSThreshold        *float64 `json:"nms_threshold,omitempty"`          // IOU above which a box is suppressed
	Stage1Targets       []string `json:"stage1_targets,omitempty"`         // coarse whole-frame vocabulary
	Stage2Targets       []string `json:"stage2_targets,omitempty"`         // refinement vocabulary for crops

	// State filter params
	IOUThreshold      *float64 `json:"iou_threshold,omitempty"`
	RecheckInterval   *string  `json:"recheck_interval,omitempty"` // duration string like "15s"
	MovementThreshold *float64 `json:"movement_threshold,omitempty"`
	BaseAlertClasses  []string `json:"base_alert_classes,omitempty"`

	// Scene analysis params
	SceneURL         *string `json:"scene_url,omitempty"`
	SceneModel       *string `json:"scene_model,omitempty"`
	SceneTimeout     *string `json:"scene_timeout,omitempty"`      // per-request timeout
	SceneWaitTimeout *string `json:"scene_wait_timeout,omitempty"` // caller-side wait budget
	SceneConcurrency *int    `json:"scene_concurrency,omitempty"`
	SceneFrameCount  *int    `json:"scene_frame_count,omitempty"`
	SceneMaxRetries  *int    `json:"scene_max_retries,omitempty"`

	// Event memory params
	LossTolerance       *int     `json:"loss_tolerance,omitempty"`
	MaxEventDuration    *string  `json:"max_event_duration,omitempty"` // duration string like "300s"
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	MinUpdateInterval   *string  `json:"min_update_interval,omitempty"`
	MaxKeptFeatures     *int     `json:"max_kept_features,omitempty"`
	EmbeddingDimension  *int     `json:"embedding_dimension,omitempty"`

	// Persistence params
	DBPath        *string `json:"db_path,omitempty"`
	MigrationsDir *string `json:"migrations_dir,omitempty"`
	BatchSize     *int    `json:"batch_size,omitempty"`
	FlushInterval *string `json:"flush_interval,omitempty"` // duration string like "1s"
	QueueCapacity *int    `json:"queue_capacity,omitempty"`

	// Outward surfaces
	Listen      *string `json:"listen,omitempty"`
	SnapshotDir *string `json:"snapshot_dir,omitempty"`
	MQTTBroker  *string `json:"mqtt_broker,omitempty"`
	MQTTTopic   *string `json:"mqtt_topic,omitempty"`
}

// EmptyConfig returns a Config with all fields set to nil.
// Use Load to read actual values from a defaults file.
func EmptyConfig() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The file must have a .json extension
// and be under the max file size. Fields omitted from the JSON retain their
// defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefault loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefault() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are consistent.
func (c *Config) Validate() error {
	if c.ConfidenceThreshold != nil {
		if *c.ConfidenceThreshold < 0 || *c.ConfidenceThreshold > 1 {
			return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", *c.ConfidenceThreshold)
		}
	}
	if c.NMSThreshold != nil {
		if *c.NMSThreshold < 0 || *c.NMSThreshold > 1 {
			return fmt.Errorf("nms_threshold must be between 0 and 1, got %f", *c.NMSThreshold)
		}
	}
	if c.IOUThreshold != nil {
		if *c.IOUThreshold < 0 || *c.IOUThreshold > 1 {
			return fmt.Errorf("iou_threshold must be between 0 and 1, got %f", *c.IOUThreshold)
		}
	}
	if c.SimilarityThreshold != nil {
		if *c.SimilarityThreshold < 0 || *c.SimilarityThreshold > 1 {
			return fmt.Errorf("similarity_threshold must be between 0 and 1, got %f", *c.SimilarityThreshold)
		}
	}
	if c.CaptureFPS != nil && *c.CaptureFPS <= 0 {
		return fmt.Errorf("capture_fps must be positive, got %d", *c.CaptureFPS)
	}
	if c.LossTolerance != nil && *c.LossTolerance <= 0 {
		return fmt.Errorf("loss_tolerance must be positive, got %d", *c.LossTolerance)
	}
	if c.BatchSize != nil && *c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", *c.BatchSize)
	}

	// Validate all duration strings parse if set.
	durations := map[string]*string{
		"context_duration":    c.ContextDuration,
		"reconnect_backoff":   c.ReconnectBackoff,
		"detector_timeout":    c.DetectorTimeout,
		"recheck_interval":    c.RecheckInterval,
		"scene_timeout":       c.SceneTimeout,
		"scene_wait_timeout":  c.SceneWaitTimeout,
		"max_event_duration":  c.MaxEventDuration,
		"min_update_interval": c.MinUpdateInterval,
		"flush_interval":      c.FlushInterval,
	}
	for name, val := range durations {
		if val != nil && *val != "" {
			if _, err := time.ParseDuration(*val); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *val, err)
			}
		}
	}

	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetVideoSource returns the capture source or the default (device 0).
func (c *Config) GetVideoSource() string {
	if c.VideoSource == nil {
		return "0"
	}
	return *c.VideoSource
}

// GetCaptureFPS returns the target capture rate.
func (c *Config) GetCaptureFPS() int {
	if c.CaptureFPS == nil {
		return 25
	}
	return *c.CaptureFPS
}

// GetContextDuration returns the rolling context window length.
func (c *Config) GetContextDuration() time.Duration {
	return durationOr(c.ContextDuration, 6*time.Second)
}

// GetReconnectBackoff returns the capture reconnect interval.
func (c *Config) GetReconnectBackoff() time.Duration {
	return durationOr(c.ReconnectBackoff, 3*time.Second)
}

// GetDetectorURL returns the detector websocket endpoint.
func (c *Config) GetDetectorURL() string {
	if c.DetectorURL == nil {
		return "ws://localhost:8765/detect"
	}
	return *c.DetectorURL
}

// GetDetectorClassURL returns the detector vocabulary update endpoint.
func (c *Config) GetDetectorClassURL() string {
	if c.DetectorClassURL == nil {
		return "http://localhost:8765/classes"
	}
	return *c.DetectorClassURL
}

// GetDetectorTimeout returns the per-inference deadline.
func (c *Config) GetDetectorTimeout() time.Duration {
	return durationOr(c.DetectorTimeout, 2*time.Second)
}

// GetConfidenceThreshold returns the minimum detection confidence.
func (c *Config) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return 0.35
	}
	return *c.ConfidenceThreshold
}

// GetNMSThreshold returns the IOU above which overlapping boxes are suppressed.
func (c *Config) GetNMSThreshold() float64 {
	if c.NMSThreshold == nil {
		return 0.45
	}
	return *c.NMSThreshold
}

// GetStage1Targets returns the coarse detection vocabulary.
func (c *Config) GetStage1Targets() []string {
	if len(c.Stage1Targets) == 0 {
		return []string{"person", "car", "bicycle", "motorcycle"}
	}
	return append([]string(nil), c.Stage1Targets...)
}

// GetStage2Targets returns the refinement vocabulary used on crops.
func (c *Config) GetStage2Targets() []string {
	if len(c.Stage2Targets) == 0 {
		return []string{"face", "license plate", "mobile phone", "cigarette", "knife"}
	}
	return append([]string(nil), c.Stage2Targets...)
}

// GetIOUThreshold returns the tracker association threshold.
func (c *Config) GetIOUThreshold() float64 {
	if c.IOUThreshold == nil {
		return 0.85
	}
	return *c.IOUThreshold
}

// GetRecheckInterval returns the tracker recheck interval.
func (c *Config) GetRecheckInterval() time.Duration {
	return durationOr(c.RecheckInterval, 15*time.Second)
}

// GetMovementThreshold returns the wake displacement in pixels.
func (c *Config) GetMovementThreshold() float64 {
	if c.MovementThreshold == nil {
		return 20.0
	}
	return *c.MovementThreshold
}

// GetBaseAlertClasses returns the always-dangerous class set.
func (c *Config) GetBaseAlertClasses() []string {
	if len(c.BaseAlertClasses) == 0 {
		return []string{"fire", "smoke", "blood", "knife", "fall"}
	}
	return append([]string(nil), c.BaseAlertClasses...)
}

// GetSceneURL returns the scene-model endpoint.
func (c *Config) GetSceneURL() string {
	if c.SceneURL == nil {
		return "https://api.openai.com/v1/chat/completions"
	}
	return *c.SceneURL
}

// GetSceneModel returns the scene-model name.
func (c *Config) GetSceneModel() string {
	if c.SceneModel == nil {
		return "gpt-4-vision-preview"
	}
	return *c.SceneModel
}

// GetSceneTimeout returns the per-request scene-model deadline.
func (c *Config) GetSceneTimeout() time.Duration {
	return durationOr(c.SceneTimeout, 30*time.Second)
}

// GetSceneWaitTimeout returns how long a caller waits for an analysis result.
func (c *Config) GetSceneWaitTimeout() time.Duration {
	return durationOr(c.SceneWaitTimeout, 60*time.Second)
}

// GetSceneConcurrency returns the number of in-flight scene analyses allowed.
func (c *Config) GetSceneConcurrency() int {
	if c.SceneConcurrency == nil {
		return 3
	}
	return *c.SceneConcurrency
}

// GetSceneFrameCount returns how many frames are sampled per analysis.
func (c *Config) GetSceneFrameCount() int {
	if c.SceneFrameCount == nil {
		return 5
	}
	return *c.SceneFrameCount
}

// GetSceneMaxRetries returns the scene-model retry budget.
func (c *Config) GetSceneMaxRetries() int {
	if c.SceneMaxRetries == nil {
		return 3
	}
	return *c.SceneMaxRetries
}

// GetLossTolerance returns consecutive empty frames before an event closes.
func (c *Config) GetLossTolerance() int {
	if c.LossTolerance == nil {
		return 15
	}
	return *c.LossTolerance
}

// GetMaxEventDuration returns the forced-rollover bound on event length.
func (c *Config) GetMaxEventDuration() time.Duration {
	return durationOr(c.MaxEventDuration, 5*time.Minute)
}

// GetSimilarityThreshold returns the dedup cosine-similarity cutoff.
func (c *Config) GetSimilarityThreshold() float64 {
	if c.SimilarityThreshold == nil {
		return 0.99
	}
	return *c.SimilarityThreshold
}

// GetMinUpdateInterval returns the minimum gap between kept features per identity.
func (c *Config) GetMinUpdateInterval() time.Duration {
	return durationOr(c.MinUpdateInterval, time.Second)
}

// GetMaxKeptFeatures returns the cap on accumulated refined features.
func (c *Config) GetMaxKeptFeatures() int {
	if c.MaxKeptFeatures == nil {
		return 50
	}
	return *c.MaxKeptFeatures
}

// GetEmbeddingDimension returns the feature-vector length.
func (c *Config) GetEmbeddingDimension() int {
	if c.EmbeddingDimension == nil {
		return 512
	}
	return *c.EmbeddingDimension
}

// GetDBPath returns the SQLite database path.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "watchtower.db"
	}
	return *c.DBPath
}

// GetMigrationsDir returns the directory holding SQL migration files.
func (c *Config) GetMigrationsDir() string {
	if c.MigrationsDir == nil {
		return "migrations"
	}
	return *c.MigrationsDir
}

// GetBatchSize returns the per-queue flush batch cap.
func (c *Config) GetBatchSize() int {
	if c.BatchSize == nil {
		return 50
	}
	return *c.BatchSize
}

// GetFlushInterval returns the batch flush cadence.
func (c *Config) GetFlushInterval() time.Duration {
	return durationOr(c.FlushInterval, time.Second)
}

// GetQueueCapacity returns the bounded write-queue capacity.
func (c *Config) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 1024
	}
	return *c.QueueCapacity
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string {
	if c.Listen == nil {
		return ":8080"
	}
	return *c.Listen
}

// GetSnapshotDir returns where event snapshots are written.
func (c *Config) GetSnapshotDir() string {
	if c.SnapshotDir == nil {
		return "snapshots"
	}
	return *c.SnapshotDir
}

// GetMQTTBroker returns the alert broker address, empty when disabled.
func (c *Config) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

// GetMQTTTopic returns the alert topic.
func (c *Config) GetMQTTTopic() string {
	if c.MQTTTopic == nil {
		return "watchtower/alerts"
	}
	return *c.MQTTTopic
}
