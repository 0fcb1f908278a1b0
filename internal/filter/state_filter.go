// Package filter decides, per frame, which detections deserve stage-2
// refinement and which should additionally trigger scene analysis. It keeps a
// simple IOU tracker across frames and is steered by a mutable risk policy.
package filter

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/argus-data/watchtower/internal/detect"
	"github.com/argus-data/watchtower/internal/monitoring"
	"github.com/argus-data/watchtower/internal/vision"
)

// Recheck intervals selected by risk level. The "normal" interval comes from
// configuration.
const (
	highRiskRecheckInterval = 5 * time.Second
	lowRiskRecheckInterval  = 60 * time.Second

	// Minimum gap between refinements of a moving high-priority object.
	refineCooldown = 2 * time.Second
)

// Config holds the filter's tuning knobs.
type Config struct {
	IOUThreshold      float64
	RecheckInterval   time.Duration
	MovementThreshold float64
	BaseAlertClasses  []string
}

type trackedObject struct {
	id        int64
	class     string
	box       vision.BoundingBox
	centerX   float64
	centerY   float64
	isMoving  bool
	lastCheck time.Time
}

// Status is a point-in-time snapshot of the filter for the status surface.
type Status struct {
	RiskLevel    string   `json:"risk_level"`
	TrackedCount int      `json:"tracked_count"`
	HighPriority []string `json:"high_priority"`
}

// StateFilter tracks objects across frames with first-match IOU association.
// Trackers are rebuilt from scratch whenever a frame has zero detections;
// an object with no match in a frame is simply not carried forward.
type StateFilter struct {
	mu sync.Mutex

	tracked []trackedObject
	nextID  int64

	iouThreshold           float64
	defaultRecheckInterval time.Duration
	recheckInterval        time.Duration
	movementThreshold      float64

	baseAlertClasses    map[string]struct{}
	highPriorityClasses map[string]struct{}
	riskLevel           string

	now func() time.Time
}

// New builds a StateFilter at the "normal" risk level.
func New(cfg Config) *StateFilter {
	base := make(map[string]struct{}, len(cfg.BaseAlertClasses))
	high := make(map[string]struct{}, len(cfg.BaseAlertClasses))
	for _, class := range cfg.BaseAlertClasses {
		base[class] = struct{}{}
		high[class] = struct{}{}
	}
	return &StateFilter{
		iouThreshold:           cfg.IOUThreshold,
		defaultRecheckInterval: cfg.RecheckInterval,
		recheckInterval:        cfg.RecheckInterval,
		movementThreshold:      cfg.MovementThreshold,
		baseAlertClasses:       base,
		highPriorityClasses:    high,
		riskLevel:              "normal",
		now:                    time.Now,
	}
}

// UpdatePolicy resets the high-priority set to the base alert classes, unions
// in dynamicTargets when riskLevel is "high", and adjusts the recheck
// interval. This is the sole external steering point for sensitivity.
func (f *StateFilter) UpdatePolicy(riskLevel string, dynamicTargets []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.riskLevel = riskLevel

	high := make(map[string]struct{}, len(f.baseAlertClasses)+len(dynamicTargets))
	for class := range f.baseAlertClasses {
		high[class] = struct{}{}
	}

	switch riskLevel {
	case "high":
		f.recheckInterval = highRiskRecheckInterval
		for _, class := range dynamicTargets {
			high[class] = struct{}{}
		}
	case "low":
		f.recheckInterval = lowRiskRecheckInterval
	default:
		f.recheckInterval = f.defaultRecheckInterval
	}

	f.highPriorityClasses = high
	monitoring.Logf("filter: policy updated level=%s interval=%v priority=%v",
		riskLevel, f.recheckInterval, sortedKeys(high))
}

// CheckRefinementNeeds examines one frame's detections and returns the
// stage-2 refine tasks plus the detections that should go to scene analysis.
func (f *StateFilter) CheckRefinementNeeds(detections []vision.Detection) ([]detect.RefineTask, []vision.Detection) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(detections) == 0 {
		f.tracked = nil
		return nil, nil
	}

	now := f.now()
	var refineTasks []detect.RefineTask
	var analysisCandidates []vision.Detection
	next := make([]trackedObject, 0, len(detections))
	claimed := make([]bool, len(f.tracked))

	for _, det := range detections {
		cx, cy := det.Box.Center()
		_, highRisk := f.highPriorityClasses[det.Class]

		matched := false
		for i := range f.tracked {
			prev := &f.tracked[i]
			if claimed[i] || prev.class != det.Class {
				continue
			}
			if vision.IOU(det.Box, prev.box) <= f.iouThreshold {
				continue
			}

			matched = true
			claimed[i] = true
			dist := math.Hypot(cx-prev.centerX, cy-prev.centerY)
			isMoving := dist > f.movementThreshold
			woke := !prev.isMoving && isMoving

			prev.box = det.Box
			prev.centerX = cx
			prev.centerY = cy
			prev.isMoving = isMoving

			switch {
			case woke:
				// Stationary object started moving: always inspect.
				monitoring.Debugf("filter: track %d woke", prev.id)
				refineTasks = append(refineTasks, detect.RefineTask{Detection: det, TrackID: prev.id})
				analysisCandidates = append(analysisCandidates, det)

			case highRisk && isMoving:
				// Moving high-priority object: refine on a short cooldown.
				if now.Sub(prev.lastCheck) > refineCooldown {
					prev.lastCheck = now
					refineTasks = append(refineTasks, detect.RefineTask{Detection: det, TrackID: prev.id})
				}

			case now.Sub(prev.lastCheck) > f.recheckInterval:
				// Periodic recheck: scene analysis, plus refinement for
				// high-priority classes.
				prev.lastCheck = now
				analysisCandidates = append(analysisCandidates, det)
				if highRisk {
					refineTasks = append(refineTasks, detect.RefineTask{Detection: det, TrackID: prev.id})
				}
			}

			next = append(next, *prev)
			break
		}

		if !matched {
			f.nextID++
			obj := trackedObject{
				id:        f.nextID,
				class:     det.Class,
				box:       det.Box,
				centerX:   cx,
				centerY:   cy,
				lastCheck: now,
			}
			next = append(next, obj)

			// New objects are always inspected once.
			monitoring.Debugf("filter: new track %d (%s)", obj.id, obj.class)
			refineTasks = append(refineTasks, detect.RefineTask{Detection: det, TrackID: obj.id})
			analysisCandidates = append(analysisCandidates, det)
		}
	}

	f.tracked = next
	return refineTasks, analysisCandidates
}

// HighPriorityClasses returns a copy of the current high-priority set.
func (f *StateFilter) HighPriorityClasses() map[string]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.highPriorityClasses))
	for class := range f.highPriorityClasses {
		out[class] = struct{}{}
	}
	return out
}

// Reset drops all tracked objects and restarts identity allocation.
func (f *StateFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = nil
	f.nextID = 0
	monitoring.Logf("filter: state reset")
}

// Status reports the filter's current policy and tracker population.
func (f *StateFilter) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		RiskLevel:    f.riskLevel,
		TrackedCount: len(f.tracked),
		HighPriority: sortedKeys(f.highPriorityClasses),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
