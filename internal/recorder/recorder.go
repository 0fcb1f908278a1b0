// Package recorder writes event snapshots to disk.
package recorder

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/argus-data/watchtower/internal/monitoring"
)

const jpegQuality = 90

// Recorder saves JPEG snapshots under a base directory, one subdirectory per
// day.
type Recorder struct {
	dir string
}

// New ensures dir exists and returns a Recorder.
func New(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", dir, err)
	}
	return &Recorder{dir: dir}, nil
}

// SaveSnapshot writes img for the given event and returns the file path.
// The day string partitions snapshots into subdirectories, e.g. "2026-08-30".
func (r *Recorder) SaveSnapshot(img image.Image, eventID int64, day string) (string, error) {
	subdir := filepath.Join(r.dir, day)
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		return "", fmt.Errorf("recorder: create %s: %w", subdir, err)
	}

	name := fmt.Sprintf("event_%d_%s.jpg", eventID, uuid.NewString())
	path := filepath.Join(subdir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("recorder: create snapshot: %w", err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("recorder: encode snapshot: %w", err)
	}

	monitoring.Debugf("recorder: wrote %s", path)
	return path, nil
}
