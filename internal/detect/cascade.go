package detect

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"sync"

	"github.com/argus-data/watchtower/internal/monitoring"
	"github.com/argus-data/watchtower/internal/vision"
)

// RefineTask pairs a stage-1 detection with its tracked identity for stage-2
// refinement.
type RefineTask struct {
	Detection vision.Detection
	TrackID   int64
}

// CascadeConfig holds the cascade's tuning knobs.
type CascadeConfig struct {
	Stage1Targets       []string
	Stage2Targets       []string
	ConfidenceThreshold float64
	NMSThreshold        float64
}

// Cascade owns a single detector client and two target vocabularies. The
// client's active vocabulary always equals the stage-1 targets between calls;
// DetectStage2 swaps it for the duration of the refinement pass and restores
// it on every return path.
type Cascade struct {
	client Client

	mu            sync.Mutex
	stage1Targets []string
	stage2Targets []string
	activeStage2  bool // client vocabulary currently holds stage-2 targets
	confidence    float64
	nmsThreshold  float64
}

// NewCascade wires a detector client into the two-stage cascade. The client's
// vocabulary is set to the stage-1 targets immediately; failure here is fatal
// because the pipeline cannot run with an unknown vocabulary.
func NewCascade(client Client, cfg CascadeConfig) (*Cascade, error) {
	c := &Cascade{
		client:        client,
		stage1Targets: append([]string(nil), cfg.Stage1Targets...),
		stage2Targets: append([]string(nil), cfg.Stage2Targets...),
		confidence:    cfg.ConfidenceThreshold,
		nmsThreshold:  cfg.NMSThreshold,
	}
	if err := client.SetClasses(c.stage1Targets); err != nil {
		return nil, fmt.Errorf("set initial detector vocabulary: %w", err)
	}
	return c, nil
}

// DetectStage1 runs whole-frame detection against the stage-1 vocabulary,
// applies per-class NMS and optionally renders an annotated frame marking the
// alert classes. Detector failures degrade to an empty result with the
// original frame; they never propagate.
func (c *Cascade) DetectStage1(ctx context.Context, frame vision.Frame, alertClasses map[string]struct{}) *vision.DetectionResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &vision.DetectionResult{Frame: &frame}

	if err := c.ensureStage1Locked(); err != nil {
		monitoring.Logf("detect: stage-1 vocabulary sync failed: %v", err)
		return result
	}

	raw, err := c.client.Detect(ctx, frame.Img)
	if err != nil {
		monitoring.Logf("detect: stage-1 inference failed: %v", err)
		return result
	}

	for _, d := range suppress(c.filterConfidence(raw), c.nmsThreshold) {
		result.Detections = append(result.Detections, vision.Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			Box:        d.Box,
		})
	}

	if len(result.Detections) > 0 {
		result.Annotated = annotate(frame.Img, result.Detections, alertClasses)
	}
	return result
}

// DetectStage2 crops the frame to each task's box, runs inference against the
// stage-2 vocabulary and emits refined features with coordinates restored to
// the parent frame. The stage-1 vocabulary is restored before returning on
// every path; crops with non-positive area are skipped.
func (c *Cascade) DetectStage2(ctx context.Context, frame vision.Frame, tasks []RefineTask) []vision.RefinedFeature {
	if len(tasks) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.SetClasses(c.stage2Targets); err != nil {
		monitoring.Logf("detect: stage-2 vocabulary switch failed: %v", err)
		return nil
	}
	c.activeStage2 = true
	defer func() {
		if err := c.client.SetClasses(c.stage1Targets); err != nil {
			// Leave activeStage2 set so the next stage-1 call retries the sync.
			monitoring.Logf("detect: stage-1 vocabulary restore failed: %v", err)
			return
		}
		c.activeStage2 = false
	}()

	bounds := frame.Img.Bounds()
	var features []vision.RefinedFeature
	for _, task := range tasks {
		box := task.Detection.Box.Clamp(bounds)
		if box.Area() <= 0 {
			continue
		}

		crop := cropImage(frame.Img, box.Rect())
		raw, err := c.client.Detect(ctx, crop)
		if err != nil {
			monitoring.Logf("detect: stage-2 inference failed for track %d: %v", task.TrackID, err)
			continue
		}

		for _, d := range c.filterConfidence(raw) {
			features = append(features, vision.RefinedFeature{
				ParentTrackID: task.TrackID,
				ParentClass:   task.Detection.Class,
				Label:         d.Class,
				Score:         d.Confidence,
				GlobalBox: vision.BoundingBox{
					X1: d.Box.X1 + box.X1,
					Y1: d.Box.Y1 + box.Y1,
					X2: d.Box.X2 + box.X1,
					Y2: d.Box.Y2 + box.Y1,
				},
			})
		}
	}
	return features
}

// ensureStage1Locked re-syncs the client vocabulary if a previous stage-2
// restore failed. Callers hold c.mu.
func (c *Cascade) ensureStage1Locked() error {
	if !c.activeStage2 {
		return nil
	}
	if err := c.client.SetClasses(c.stage1Targets); err != nil {
		return err
	}
	c.activeStage2 = false
	return nil
}

func (c *Cascade) filterConfidence(raw []RawDetection) []RawDetection {
	kept := raw[:0:0]
	for _, d := range raw {
		if d.Confidence >= c.confidence {
			kept = append(kept, d)
		}
	}
	return kept
}

// UpdateStage1Targets atomically replaces the coarse vocabulary. The change
// takes effect immediately: the client's resting vocabulary is stage 1.
func (c *Cascade) UpdateStage1Targets(targets []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stage1Targets = append([]string(nil), targets...)
	if err := c.client.SetClasses(c.stage1Targets); err != nil {
		monitoring.Logf("detect: stage-1 target update failed: %v", err)
		return false
	}
	c.activeStage2 = false
	monitoring.Logf("detect: stage-1 targets updated: %v", targets)
	return true
}

// UpdateStage2Targets atomically replaces the refinement vocabulary. It only
// affects subsequent DetectStage2 calls.
func (c *Cascade) UpdateStage2Targets(targets []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stage2Targets = append([]string(nil), targets...)
	monitoring.Logf("detect: stage-2 targets updated: %v", targets)
	return true
}

// Stage1Targets returns a copy of the current coarse vocabulary.
func (c *Cascade) Stage1Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stage1Targets...)
}

// Stage2Targets returns a copy of the current refinement vocabulary.
func (c *Cascade) Stage2Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stage2Targets...)
}

// cropImage extracts the rectangle as a standalone image with origin (0,0).
func cropImage(img image.Image, r image.Rectangle) image.Image {
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}
