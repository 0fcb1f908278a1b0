// Package memory turns per-frame perception results into security events. An
// event opens when targets appear, absorbs everything seen while it stays
// active, and closes after a tolerated run of empty frames or when it exceeds
// its maximum duration.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/argus-data/watchtower/internal/monitoring"
	"github.com/argus-data/watchtower/internal/vision"
)

// Store is the persistence surface the memory writes through. Opening and
// closing are synchronous so the event id exists before anything references
// it; updates are fire-and-forget.
type Store interface {
	StartEvent(ctx context.Context, startTime time.Time, classes []string) (int64, error)
	UpdateEvent(update EventUpdate)
	CloseEvent(ctx context.Context, id int64, endTime time.Time, summary EventSummary) error
}

// EventUpdate is the incremental state flushed while an event is active.
type EventUpdate struct {
	ID           int64
	Classes      []string
	MaxCounts    map[string]int
	Descriptions []string
	Features     []vision.RefinedFeature
	LastSeen     time.Time
}

// EventSummary is the final rollup written when an event closes.
type EventSummary struct {
	Classes      []string
	MaxCounts    map[string]int
	Descriptions []string
	Features     []vision.RefinedFeature
}

// Config holds the lifecycle thresholds.
type Config struct {
	LossTolerance       int
	MaxEventDuration    time.Duration
	SimilarityThreshold float64
	MinUpdateInterval   time.Duration
	MaxKeptFeatures     int
	EmbeddingDimension  int
}

type activeEvent struct {
	id           int64
	startTime    time.Time
	lastSeen     time.Time
	maxCounts    map[string]int
	tags         map[string]struct{}
	descriptions []string
	features     []vision.RefinedFeature
	vectorCache  map[int64]cachedVector
	emptyStreak  int
}

// cachedVector remembers the last kept embedding per tracked identity. It is
// the dedup state, independent of the trimmed feature list.
type cachedVector struct {
	vec  []float64
	seen time.Time
}

// PerceptionMemory owns the idle/active event state machine.
type PerceptionMemory struct {
	mu     sync.Mutex
	store  Store
	cfg    Config
	active *activeEvent

	now func() time.Time
}

// New builds a PerceptionMemory in the idle state.
func New(store Store, cfg Config) *PerceptionMemory {
	return &PerceptionMemory{store: store, cfg: cfg, now: time.Now}
}

// Process folds one perception result into the event state machine and
// returns the id of the event the result belongs to, or 0 when idle.
func (m *PerceptionMemory) Process(ctx context.Context, result *vision.PerceptionResult) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if !result.HasTargets() {
		if m.active == nil {
			return 0, nil
		}
		m.active.emptyStreak++
		if m.active.emptyStreak >= m.cfg.LossTolerance {
			id := m.active.id
			if err := m.closeActiveLocked(ctx, now); err != nil {
				return id, err
			}
			return 0, nil
		}
		return m.active.id, nil
	}

	if m.active == nil {
		if err := m.openEventLocked(ctx, result, now); err != nil {
			return 0, err
		}
	} else if now.Sub(m.active.startTime) > m.cfg.MaxEventDuration {
		// Rollover: the old event closes at its natural boundary and the
		// result opens a fresh one.
		if err := m.closeActiveLocked(ctx, now); err != nil {
			return 0, err
		}
		if err := m.openEventLocked(ctx, result, now); err != nil {
			return 0, err
		}
	}

	m.active.emptyStreak = 0
	m.active.lastSeen = now
	m.absorbLocked(result, now)

	m.store.UpdateEvent(m.updateLocked())
	result.EventID = m.active.id
	return m.active.id, nil
}

func (m *PerceptionMemory) openEventLocked(ctx context.Context, result *vision.PerceptionResult, now time.Time) error {
	classes := result.Detection.UniqueClasses()
	id, err := m.store.StartEvent(ctx, now, classes)
	if err != nil {
		return fmt.Errorf("memory: start event: %w", err)
	}
	m.active = &activeEvent{
		id:          id,
		startTime:   now,
		lastSeen:    now,
		maxCounts:   make(map[string]int),
		tags:        make(map[string]struct{}),
		vectorCache: make(map[int64]cachedVector),
	}
	monitoring.Logf("memory: event %d opened (%v)", id, classes)
	return nil
}

func (m *PerceptionMemory) closeActiveLocked(ctx context.Context, now time.Time) error {
	ev := m.active
	m.active = nil
	summary := EventSummary{
		Classes:      sortedTags(ev.tags),
		MaxCounts:    ev.maxCounts,
		Descriptions: ev.descriptions,
		Features:     ev.features,
	}
	if err := m.store.CloseEvent(ctx, ev.id, ev.lastSeen, summary); err != nil {
		return fmt.Errorf("memory: close event %d: %w", ev.id, err)
	}
	monitoring.Logf("memory: event %d closed after %v", ev.id, ev.lastSeen.Sub(ev.startTime))
	return nil
}

func (m *PerceptionMemory) absorbLocked(result *vision.PerceptionResult, now time.Time) {
	ev := m.active

	for class, count := range result.Detection.ClassCounts() {
		if count > ev.maxCounts[class] {
			ev.maxCounts[class] = count
		}
		ev.tags[class] = struct{}{}
	}
	for tag := range result.AlertTags {
		ev.tags[tag] = struct{}{}
	}
	if result.Analysis != nil && result.Analysis.Description != "" {
		ev.descriptions = append(ev.descriptions, result.Analysis.Description)
	}

	for _, feature := range result.Features {
		vec := feature.Vector
		if len(vec) == 0 {
			vec = FallbackVector(feature.GlobalBox, m.cfg.EmbeddingDimension)
			feature.Vector = vec
		}
		if !m.keepFeatureLocked(feature.ParentTrackID, vec, now) {
			continue
		}
		ev.features = append(ev.features, feature)
	}
	if excess := len(ev.features) - m.cfg.MaxKeptFeatures; excess > 0 {
		ev.features = append(ev.features[:0:0], ev.features[excess:]...)
	}
}

// keepFeatureLocked decides whether a feature carries new information about
// its tracked identity. An unseen identity is always kept. A known identity
// is kept only after MinUpdateInterval has elapsed since its last kept
// vector, and only when the appearance has actually changed relative to that
// vector. The cache survives the FIFO trim, so an evicted feature cannot be
// re-admitted by an identical successor.
func (m *PerceptionMemory) keepFeatureLocked(trackID int64, vec []float64, now time.Time) bool {
	ev := m.active
	if cached, ok := ev.vectorCache[trackID]; ok {
		if now.Sub(cached.seen) < m.cfg.MinUpdateInterval {
			return false
		}
		if CosineSimilarity(vec, cached.vec) >= m.cfg.SimilarityThreshold {
			return false
		}
	}
	ev.vectorCache[trackID] = cachedVector{vec: vec, seen: now}
	return true
}

func (m *PerceptionMemory) updateLocked() EventUpdate {
	ev := m.active
	update := EventUpdate{
		ID:           ev.id,
		Classes:      sortedTags(ev.tags),
		MaxCounts:    make(map[string]int, len(ev.maxCounts)),
		Descriptions: append([]string(nil), ev.descriptions...),
		Features:     append([]vision.RefinedFeature(nil), ev.features...),
		LastSeen:     ev.lastSeen,
	}
	for k, v := range ev.maxCounts {
		update.MaxCounts[k] = v
	}
	return update
}

// ActiveEventID returns the open event's id, or 0 when idle.
func (m *PerceptionMemory) ActiveEventID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0
	}
	return m.active.id
}

// Flush closes any open event, for shutdown.
func (m *PerceptionMemory) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.closeActiveLocked(ctx, m.now())
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either has zero magnitude or the lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// FallbackVector derives a deterministic unit vector from a bounding box for
// features whose embedding is unavailable. Identical boxes produce identical
// vectors so near-duplicate suppression still works.
func FallbackVector(box vision.BoundingBox, dim int) []float64 {
	if dim <= 0 {
		dim = 512
	}
	cx, cy := box.Center()
	seeds := []float64{
		cx, cy,
		float64(box.X2 - box.X1),
		float64(box.Y2 - box.Y1),
	}
	vec := make([]float64, dim)
	for i := range vec {
		s := seeds[i%len(seeds)]
		vec[i] = math.Sin(s*0.01*float64(i/len(seeds)+1) + float64(i%len(seeds)))
	}
	norm := floats.Norm(vec, 2)
	if norm > 0 {
		floats.Scale(1/norm, vec)
	}
	return vec
}

func sortedTags(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
