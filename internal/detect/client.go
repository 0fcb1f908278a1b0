// Package detect wraps an open-vocabulary object detector behind a two-stage
// cascade: a coarse whole-frame pass, and a refinement pass over cropped
// regions of interest with the detector vocabulary swapped for the duration.
package detect

import (
	"context"
	"image"

	"github.com/argus-data/watchtower/internal/vision"
)

// RawDetection is one finding straight from the detector, before NMS.
type RawDetection struct {
	Class      string             `json:"name"`
	Confidence float64            `json:"confidence"`
	Box        vision.BoundingBox `json:"box"`
}

// Client is a pluggable open-vocabulary detector. SetClasses changes the
// target vocabulary at runtime; Detect runs inference over one image.
// Implementations must be safe for use from a single goroutine; the cascade
// serializes calls.
type Client interface {
	SetClasses(classes []string) error
	Detect(ctx context.Context, img image.Image) ([]RawDetection, error)
	Close() error
}
