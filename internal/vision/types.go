// Package vision holds the data model shared across the perception pipeline:
// frames, boxes, detections, refined features and assembled perception results.
package vision

import (
	"image"
	"sort"
	"time"
)

// Frame is one captured video frame with its capture time.
type Frame struct {
	Img        image.Image
	Time       time.Time
	TimeString string // formatted capture timestamp, e.g. "2006-01-02 15:04:05"
}

// BoundingBox is an axis-aligned box. Callers must clamp so that X2 >= X1 and
// Y2 >= Y1.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Center returns the box midpoint.
func (b BoundingBox) Center() (float64, float64) {
	return float64(b.X1+b.X2) / 2, float64(b.Y1+b.Y2) / 2
}

// Area returns the box area in pixels.
func (b BoundingBox) Area() int {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Clamp restricts the box to the given bounds.
func (b BoundingBox) Clamp(bounds image.Rectangle) BoundingBox {
	r := b.Rect().Intersect(bounds)
	if r.Empty() {
		return BoundingBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Min.X, Y2: r.Min.Y}
	}
	return BoundingBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// Detection is a single detector finding. Immutable once produced.
type Detection struct {
	Class      string      `json:"class"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

// DetectionResult is the ordered set of detections for one frame.
type DetectionResult struct {
	Detections []Detection
	Frame      *Frame
	Annotated  image.Image // optional annotated copy, nil when not rendered
}

// ClassCounts returns the number of detections per class.
func (r *DetectionResult) ClassCounts() map[string]int {
	counts := make(map[string]int, len(r.Detections))
	for _, d := range r.Detections {
		counts[d.Class]++
	}
	return counts
}

// UniqueClasses returns the sorted distinct class names.
func (r *DetectionResult) UniqueClasses() []string {
	seen := make(map[string]bool, len(r.Detections))
	var classes []string
	for _, d := range r.Detections {
		if !seen[d.Class] {
			seen[d.Class] = true
			classes = append(classes, d.Class)
		}
	}
	sort.Strings(classes)
	return classes
}

// FilterClasses returns a new result containing only detections whose class
// satisfies keep. The frame references are shared, not copied.
func (r *DetectionResult) FilterClasses(keep func(string) bool) *DetectionResult {
	filtered := make([]Detection, 0, len(r.Detections))
	for _, d := range r.Detections {
		if keep(d.Class) {
			filtered = append(filtered, d)
		}
	}
	return &DetectionResult{Detections: filtered, Frame: r.Frame, Annotated: r.Annotated}
}

// RefinedFeature is a stage-2 sub-detection with restored global coordinates.
// Vector may be a non-semantic fallback until a real embedding extractor is
// wired in; see detect.FallbackVector.
type RefinedFeature struct {
	ParentTrackID int64       `json:"parent_track_id"`
	ParentClass   string      `json:"parent_class"`
	Label         string      `json:"label"`
	Score         float64     `json:"score"`
	GlobalBox     BoundingBox `json:"global_box"`
	Vector        []float64   `json:"vector,omitempty"`
	Timestamp     string      `json:"timestamp,omitempty"`
}

// AnalysisResult is one scene-model response.
type AnalysisResult struct {
	Description string `json:"description"`
	IsAbnormal  bool   `json:"is_abnormal"`
	Reason      string `json:"reason"`
	RawResponse string `json:"-"`
}

// PerceptionResult is one frame's complete findings. It is constructed fresh
// per analysis cycle; EventID is assigned by the perception memory alone.
type PerceptionResult struct {
	Detection *DetectionResult
	Analysis  *AnalysisResult
	Features  []RefinedFeature
	AlertTags map[string]struct{}
	EventID   int64 // 0 until the memory attaches the result to an event
	Time      time.Time
}

// HasTargets reports whether the frame produced any detections.
func (p *PerceptionResult) HasTargets() bool {
	return p.Detection != nil && len(p.Detection.Detections) > 0
}

// IsAbnormal reports whether any alert tag is set or the scene analysis
// flagged the frame.
func (p *PerceptionResult) IsAbnormal() bool {
	if len(p.AlertTags) > 0 {
		return true
	}
	return p.Analysis != nil && p.Analysis.IsAbnormal
}

// AddTag records an alert tag.
func (p *PerceptionResult) AddTag(tag string) {
	if p.AlertTags == nil {
		p.AlertTags = make(map[string]struct{})
	}
	p.AlertTags[tag] = struct{}{}
}

// SortedTags returns the alert tags in deterministic order.
func (p *PerceptionResult) SortedTags() []string {
	tags := make([]string, 0, len(p.AlertTags))
	for tag := range p.AlertTags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
