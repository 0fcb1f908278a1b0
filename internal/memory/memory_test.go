package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-data/watchtower/internal/vision"
)

type recordingStore struct {
	mu       sync.Mutex
	nextID   int64
	startErr error

	started []int64
	updates []EventUpdate
	closed  map[int64]EventSummary
}

func newRecordingStore() *recordingStore {
	return &recordingStore{closed: make(map[int64]EventSummary)}
}

func (s *recordingStore) StartEvent(ctx context.Context, startTime time.Time, classes []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return 0, s.startErr
	}
	s.nextID++
	s.started = append(s.started, s.nextID)
	return s.nextID, nil
}

func (s *recordingStore) UpdateEvent(update EventUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
}

func (s *recordingStore) CloseEvent(ctx context.Context, id int64, endTime time.Time, summary EventSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[id] = summary
	return nil
}

func testConfig() Config {
	return Config{
		LossTolerance:       3,
		MaxEventDuration:    300 * time.Second,
		SimilarityThreshold: 0.99,
		MinUpdateInterval:   time.Second,
		MaxKeptFeatures:     50,
		EmbeddingDimension:  512,
	}
}

func newTestMemory(t *testing.T, store Store) (*PerceptionMemory, *time.Time) {
	t.Helper()
	m := New(store, testConfig())
	clock := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func resultWith(classes ...string) *vision.PerceptionResult {
	dets := make([]vision.Detection, len(classes))
	for i, c := range classes {
		dets[i] = vision.Detection{Class: c, Confidence: 0.9, Box: vision.BoundingBox{X2: 10, Y2: 10}}
	}
	return &vision.PerceptionResult{
		Detection: &vision.DetectionResult{Detections: dets},
		AlertTags: make(map[string]struct{}),
	}
}

func emptyResult() *vision.PerceptionResult {
	return &vision.PerceptionResult{
		Detection: &vision.DetectionResult{},
		AlertTags: make(map[string]struct{}),
	}
}

func TestIdleStaysIdleOnEmptyFrames(t *testing.T) {
	store := newRecordingStore()
	m, _ := newTestMemory(t, store)

	id, err := m.Process(context.Background(), emptyResult())
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Empty(t, store.started)
}

func TestTargetsOpenEventSynchronously(t *testing.T) {
	store := newRecordingStore()
	m, _ := newTestMemory(t, store)

	res := resultWith("person")
	id, err := m.Process(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, int64(1), res.EventID)
	assert.Equal(t, int64(1), m.ActiveEventID())
}

func TestStartFailureLeavesIdle(t *testing.T) {
	store := newRecordingStore()
	store.startErr = errors.New("db down")
	m, _ := newTestMemory(t, store)

	_, err := m.Process(context.Background(), resultWith("person"))
	require.Error(t, err)
	assert.Zero(t, m.ActiveEventID())
}

func TestLossToleranceClosesEvent(t *testing.T) {
	store := newRecordingStore()
	m, clock := newTestMemory(t, store)
	ctx := context.Background()

	m.Process(ctx, resultWith("person"))

	// Two empty frames: still within tolerance.
	for i := 0; i < 2; i++ {
		*clock = clock.Add(time.Second)
		id, err := m.Process(ctx, emptyResult())
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)
	}

	// A detection in between resets the streak.
	*clock = clock.Add(time.Second)
	m.Process(ctx, resultWith("person"))
	for i := 0; i < 2; i++ {
		*clock = clock.Add(time.Second)
		m.Process(ctx, emptyResult())
	}
	assert.Equal(t, int64(1), m.ActiveEventID())

	// The third consecutive empty frame closes it.
	*clock = clock.Add(time.Second)
	id, err := m.Process(ctx, emptyResult())
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Zero(t, m.ActiveEventID())
	assert.Contains(t, store.closed, int64(1))
}

func TestRolloverProducesExactlyTwoEvents(t *testing.T) {
	store := newRecordingStore()
	m, clock := newTestMemory(t, store)
	ctx := context.Background()

	m.Process(ctx, resultWith("person"))
	*clock = clock.Add(301 * time.Second)
	id, err := m.Process(ctx, resultWith("person"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), id)
	assert.Equal(t, []int64{1, 2}, store.started)
	assert.Contains(t, store.closed, int64(1))
	assert.NotContains(t, store.closed, int64(2))
}

func TestMaxCountsAndTagUnion(t *testing.T) {
	store := newRecordingStore()
	m, clock := newTestMemory(t, store)
	ctx := context.Background()

	m.Process(ctx, resultWith("person", "person", "dog"))
	*clock = clock.Add(2 * time.Second)
	res := resultWith("person")
	res.AddTag("weapon")
	m.Process(ctx, res)

	*clock = clock.Add(time.Second)
	for i := 0; i < 3; i++ {
		m.Process(ctx, emptyResult())
	}

	summary := store.closed[int64(1)]
	assert.Equal(t, 2, summary.MaxCounts["person"])
	assert.Equal(t, 1, summary.MaxCounts["dog"])
	assert.Contains(t, summary.Classes, "weapon")
	assert.Contains(t, summary.Classes, "dog")
}

func TestDescriptionsAccumulate(t *testing.T) {
	store := newRecordingStore()
	m, clock := newTestMemory(t, store)
	ctx := context.Background()

	res := resultWith("person")
	res.Analysis = &vision.AnalysisResult{Description: "first"}
	m.Process(ctx, res)

	*clock = clock.Add(2 * time.Second)
	res = resultWith("person")
	res.Analysis = &vision.AnalysisResult{Description: "second"}
	m.Process(ctx, res)

	for i := 0; i < 3; i++ {
		m.Process(ctx, emptyResult())
	}
	assert.Equal(t, []string{"first", "second"}, store.closed[int64(1)].Descriptions)
}

func TestFeatureDedupRejectsNearIdentical(t *testing.T) {
	store := newRecordingStore()
	m, clock := newTestMemory(t, store)
	ctx := context.Background()

	vec := FallbackVector(vision.BoundingBox{X1: 10, Y1: 10, X2: 60, Y2: 110}, 512)

	res := resultWith("person")
	res.Features = []vision.RefinedFeature{{Label: "face", Vector: vec}}
	m.Process(ctx, res)

	// Identical vector again: rejected.
	*clock = clock.Add(2 * time.Second)
	res = resultWith("person")
	res.Features = []vision.RefinedFeature{{Label: "face", Vector: append([]float64(nil), vec...)}}
	m.Process(ctx, res)

	// Clearly different vector: kept.
	*clock = clock.Add(2 * time.Second)
	other := FallbackVector(vision.BoundingBox{X1: 400, Y1: 300, X2: 900, Y2: 800}, 512)
	require.Less(t, CosineSimilarity(vec, other), 0.99)
	res = resultWith("person")
	res.Features = []vision.RefinedFeature{{Label: "bag", Vector: other}}
	m.Process(ctx, res)

	for i := 0; i < 3; i++ {
		m.Process(ctx, emptyResult())
	}
	require.Len(t, store.closed[int64(1)].Features, 2)
}

func TestFeatureDedupScopedToTrack(t *testing.T) {
	store := newRecordingStore()
	m, _ := newTestMemory(t, store)
	ctx := context.Background()

	vec := FallbackVector(vision.BoundingBox{X1: 10, Y1: 10, X2: 60, Y2: 110}, 512)

	// Same vector from two distinct tracked objects: both kept.
	res := resultWith("person")
	res.Features = []vision.RefinedFeature{
		{Label: "face", ParentTrackID: 1, Vector: append([]float64(nil), vec...)},
		{Label: "face", ParentTrackID: 2, Vector: append([]float64(nil), vec...)},
	}
	m.Process(ctx, res)

	require.NoError(t, m.Flush(ctx))
	require.Len(t, store.closed[int64(1)].Features, 2)
}

func TestFeatureDedupIntervalGate(t *testing.T) {
	store := newRecordingStore()
	m, _ := newTestMemory(t, store)
	ctx := context.Background()

	// Two clearly different vectors for the same identity in the same
	// instant: the second arrives inside the minimum interval and is
	// dropped regardless of similarity.
	res := resultWith("person")
	res.Features = []vision.RefinedFeature{
		{Label: "face", ParentTrackID: 7, Vector: []float64{1, 0, 0}},
		{Label: "face", ParentTrackID: 7, Vector: []float64{0, 1, 0}},
	}
	m.Process(ctx, res)

	require.NoError(t, m.Flush(ctx))
	feats := store.closed[int64(1)].Features
	require.Len(t, feats, 1)
	assert.Equal(t, []float64{1, 0, 0}, feats[0].Vector)
}

func TestFeatureDedupComparesLastKeptVector(t *testing.T) {
	store := newRecordingStore()
	m, clock := newTestMemory(t, store)
	ctx := context.Background()

	vecA := []float64{1, 0, 0}
	vecB := []float64{0, 1, 0}

	// A, then B, then A again: each differs from the previously kept
	// vector, so all three survive even though the first and third match.
	for _, vec := range [][]float64{vecA, vecB, vecA} {
		res := resultWith("person")
		res.Features = []vision.RefinedFeature{{Label: "face", ParentTrackID: 7, Vector: vec}}
		m.Process(ctx, res)
		*clock = clock.Add(2 * time.Second)
	}

	require.NoError(t, m.Flush(ctx))
	require.Len(t, store.closed[int64(1)].Features, 3)
}

func TestFeatureDedupCacheSurvivesTrim(t *testing.T) {
	store := newRecordingStore()
	m, clock := newTestMemory(t, store)
	ctx := context.Background()

	cfg := testConfig()
	cfg.MaxKeptFeatures = 1
	m.cfg = cfg

	vec := []float64{1, 0, 0}

	// The first feature for track 7 is evicted by the trim; resending the
	// same vector later must still be recognised as a duplicate.
	res := resultWith("person")
	res.Features = []vision.RefinedFeature{{Label: "face", ParentTrackID: 7, Vector: vec}}
	m.Process(ctx, res)

	*clock = clock.Add(2 * time.Second)
	res = resultWith("person")
	res.Features = []vision.RefinedFeature{{Label: "bag", ParentTrackID: 8, Vector: []float64{0, 1, 0}}}
	m.Process(ctx, res)

	*clock = clock.Add(2 * time.Second)
	res = resultWith("person")
	res.Features = []vision.RefinedFeature{{Label: "face", ParentTrackID: 7, Vector: append([]float64(nil), vec...)}}
	m.Process(ctx, res)

	require.NoError(t, m.Flush(ctx))
	feats := store.closed[int64(1)].Features
	require.Len(t, feats, 1)
	assert.Equal(t, "bag", feats[0].Label)
}

func TestEmptyVectorGetsFallback(t *testing.T) {
	store := newRecordingStore()
	m, _ := newTestMemory(t, store)

	res := resultWith("person")
	res.Features = []vision.RefinedFeature{{Label: "face", GlobalBox: vision.BoundingBox{X1: 1, Y1: 2, X2: 30, Y2: 40}}}
	_, err := m.Process(context.Background(), res)
	require.NoError(t, err)

	require.NoError(t, m.Flush(context.Background()))
	feats := store.closed[int64(1)].Features
	require.Len(t, feats, 1)
	assert.Len(t, feats[0].Vector, 512)
}

func TestFeatureFIFOTrim(t *testing.T) {
	store := newRecordingStore()
	m, clock := newTestMemory(t, store)
	ctx := context.Background()

	cfg := testConfig()
	cfg.MaxKeptFeatures = 3
	cfg.SimilarityThreshold = 1.01 // keep everything
	m.cfg = cfg

	for i := 0; i < 5; i++ {
		res := resultWith("person")
		res.Features = []vision.RefinedFeature{{
			Label:  string(rune('a' + i)),
			Vector: []float64{float64(i + 1), 1, 0},
		}}
		m.Process(ctx, res)
		*clock = clock.Add(2 * time.Second)
	}

	require.NoError(t, m.Flush(ctx))
	feats := store.closed[int64(1)].Features
	require.Len(t, feats, 3)
	assert.Equal(t, "c", feats[0].Label)
	assert.Equal(t, "e", feats[2].Label)
}

func TestEveryAbsorbEmitsUpdate(t *testing.T) {
	store := newRecordingStore()
	m, clock := newTestMemory(t, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Process(ctx, resultWith("person"))
		*clock = clock.Add(100 * time.Millisecond)
	}
	// The store batches; the memory just reports every change.
	assert.Len(t, store.updates, 3)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2, 3}, []float64{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float64{1, 2}, []float64{1, 2, 3}))
	assert.Zero(t, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
}

func TestFlushIdleIsNoop(t *testing.T) {
	store := newRecordingStore()
	m, _ := newTestMemory(t, store)
	require.NoError(t, m.Flush(context.Background()))
	assert.Empty(t, store.closed)
}
