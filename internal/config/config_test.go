package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "eye.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, `{"capture_fps": 10, "recheck_interval": "5s"}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Explicit values win.
	assert.Equal(t, 10, cfg.GetCaptureFPS())
	assert.Equal(t, 5*time.Second, cfg.GetRecheckInterval())

	// Omitted fields fall back to defaults.
	assert.Equal(t, 0.85, cfg.GetIOUThreshold())
	assert.Equal(t, 15, cfg.GetLossTolerance())
	assert.Equal(t, 50, cfg.GetBatchSize())
	assert.Equal(t, []string{"person", "car", "bicycle", "motorcycle"}, cfg.GetStage1Targets())
}

func TestLoadRejectsNonJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eye.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{"confidence out of range", `{"confidence_threshold": 1.5}`},
		{"iou out of range", `{"iou_threshold": -0.1}`},
		{"similarity out of range", `{"similarity_threshold": 2.0}`},
		{"zero fps", `{"capture_fps": 0}`},
		{"zero tolerance", `{"loss_tolerance": 0}`},
		{"zero batch", `{"batch_size": 0}`},
		{"bad duration", `{"flush_interval": "soon"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.contents))
			assert.Error(t, err)
		})
	}
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 25, cfg.GetCaptureFPS())
	assert.Equal(t, 6*time.Second, cfg.GetContextDuration())
	assert.Equal(t, 0.99, cfg.GetSimilarityThreshold())
	assert.Equal(t, time.Second, cfg.GetMinUpdateInterval())
	assert.Equal(t, 5*time.Minute, cfg.GetMaxEventDuration())
	assert.Equal(t, 512, cfg.GetEmbeddingDimension())
	assert.Equal(t, 3, cfg.GetSceneConcurrency())
	assert.Equal(t, "", cfg.GetMQTTBroker())
	assert.NotEmpty(t, cfg.GetStage2Targets())
	assert.NotEmpty(t, cfg.GetBaseAlertClasses())
}

func TestGettersCopySlices(t *testing.T) {
	cfg := EmptyConfig()
	cfg.Stage1Targets = []string{"person"}

	got := cfg.GetStage1Targets()
	got[0] = "mutated"
	assert.Equal(t, []string{"person"}, cfg.Stage1Targets)
}

func TestMustLoadDefault(t *testing.T) {
	cfg := MustLoadDefault()
	assert.Equal(t, 25, cfg.GetCaptureFPS())
	assert.Equal(t, 0.85, cfg.GetIOUThreshold())
}
