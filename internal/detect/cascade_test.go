package detect

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-data/watchtower/internal/vision"
)

// fakeClient scripts detector behavior and records every vocabulary change.
type fakeClient struct {
	classes      []string
	classHistory [][]string
	setErr       error

	results [][]RawDetection
	detErr  error
	calls   int
}

func (f *fakeClient) SetClasses(classes []string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.classes = append([]string(nil), classes...)
	f.classHistory = append(f.classHistory, f.classes)
	return nil
}

func (f *fakeClient) Detect(ctx context.Context, img image.Image) ([]RawDetection, error) {
	f.calls++
	if f.detErr != nil {
		return nil, f.detErr
	}
	if len(f.results) == 0 {
		return nil, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

func (f *fakeClient) Close() error { return nil }

func testFrame(w, h int) vision.Frame {
	return vision.Frame{Img: image.NewRGBA(image.Rect(0, 0, w, h)), Time: time.Now()}
}

func newTestCascade(t *testing.T, client *fakeClient) *Cascade {
	t.Helper()
	c, err := NewCascade(client, CascadeConfig{
		Stage1Targets:       []string{"person", "car"},
		Stage2Targets:       []string{"face", "knife"},
		ConfidenceThreshold: 0.3,
		NMSThreshold:        0.45,
	})
	require.NoError(t, err)
	return c
}

func TestStage1AppliesNMSAndConfidence(t *testing.T) {
	client := &fakeClient{results: [][]RawDetection{{
		{Class: "person", Confidence: 0.9, Box: vision.BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}},
		{Class: "person", Confidence: 0.8, Box: vision.BoundingBox{X1: 5, Y1: 5, X2: 105, Y2: 105}}, // suppressed
		{Class: "person", Confidence: 0.2, Box: vision.BoundingBox{X1: 200, Y1: 0, X2: 300, Y2: 100}}, // low confidence
		{Class: "car", Confidence: 0.7, Box: vision.BoundingBox{X1: 10, Y1: 10, X2: 90, Y2: 90}}, // different class, kept
	}}}
	c := newTestCascade(t, client)

	result := c.DetectStage1(context.Background(), testFrame(640, 480), nil)
	require.Len(t, result.Detections, 2)
	assert.Equal(t, "person", result.Detections[0].Class)
	assert.Equal(t, 0.9, result.Detections[0].Confidence)
	assert.Equal(t, "car", result.Detections[1].Class)
	assert.NotNil(t, result.Annotated)
}

func TestStage1DegradesOnDetectorError(t *testing.T) {
	client := &fakeClient{detErr: errors.New("gpu on fire")}
	c := newTestCascade(t, client)

	result := c.DetectStage1(context.Background(), testFrame(640, 480), nil)
	assert.Empty(t, result.Detections)
	assert.NotNil(t, result.Frame)
	assert.Nil(t, result.Annotated)
}

func TestNMSIdempotent(t *testing.T) {
	raw := []RawDetection{
		{Class: "person", Confidence: 0.9, Box: vision.BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}},
		{Class: "person", Confidence: 0.8, Box: vision.BoundingBox{X1: 2, Y1: 2, X2: 102, Y2: 102}},
		{Class: "person", Confidence: 0.7, Box: vision.BoundingBox{X1: 300, Y1: 300, X2: 400, Y2: 400}},
		{Class: "car", Confidence: 0.6, Box: vision.BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}},
	}

	once := suppress(raw, 0.45)
	twice := suppress(once, 0.45)
	assert.Equal(t, once, twice)
}

func TestNMSConfidenceTieKeepsInsertionOrder(t *testing.T) {
	raw := []RawDetection{
		{Class: "person", Confidence: 0.5, Box: vision.BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}},
		{Class: "person", Confidence: 0.5, Box: vision.BoundingBox{X1: 1, Y1: 1, X2: 101, Y2: 101}},
	}
	kept := suppress(raw, 0.45)
	require.Len(t, kept, 1)
	assert.Equal(t, vision.BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}, kept[0].Box)
}

func TestStage2RestoresVocabularyOnSuccess(t *testing.T) {
	client := &fakeClient{results: [][]RawDetection{{
		{Class: "face", Confidence: 0.8, Box: vision.BoundingBox{X1: 10, Y1: 10, X2: 30, Y2: 30}},
	}}}
	c := newTestCascade(t, client)

	tasks := []RefineTask{{
		TrackID:   7,
		Detection: vision.Detection{Class: "person", Box: vision.BoundingBox{X1: 100, Y1: 50, X2: 200, Y2: 250}},
	}}
	features := c.DetectStage2(context.Background(), testFrame(640, 480), tasks)

	require.Len(t, features, 1)
	f := features[0]
	assert.Equal(t, int64(7), f.ParentTrackID)
	assert.Equal(t, "person", f.ParentClass)
	assert.Equal(t, "face", f.Label)
	// Crop offset restored to frame coordinates.
	assert.Equal(t, vision.BoundingBox{X1: 110, Y1: 60, X2: 130, Y2: 80}, f.GlobalBox)

	// Vocabulary restored to stage 1.
	assert.Equal(t, []string{"person", "car"}, client.classes)
}

func TestStage2RestoresVocabularyOnDetectorError(t *testing.T) {
	client := &fakeClient{}
	c := newTestCascade(t, client)
	client.detErr = errors.New("timeout")

	tasks := []RefineTask{{
		TrackID:   1,
		Detection: vision.Detection{Class: "person", Box: vision.BoundingBox{X1: 0, Y1: 0, X2: 50, Y2: 50}},
	}}
	features := c.DetectStage2(context.Background(), testFrame(640, 480), tasks)

	assert.Empty(t, features)
	assert.Equal(t, []string{"person", "car"}, client.classes)
}

func TestStage2RecoversAfterFailedRestore(t *testing.T) {
	// SetClasses call 1 is the constructor, call 2 is the stage-2 switch,
	// call 3 is the restore — which we make fail.
	failing := &restoreFailClient{inner: &fakeClient{}, failOn: 3}
	c, err := NewCascade(failing, CascadeConfig{
		Stage1Targets:       []string{"person"},
		Stage2Targets:       []string{"face"},
		ConfidenceThreshold: 0.3,
		NMSThreshold:        0.45,
	})
	require.NoError(t, err)

	tasks := []RefineTask{{
		TrackID:   1,
		Detection: vision.Detection{Class: "person", Box: vision.BoundingBox{X1: 0, Y1: 0, X2: 50, Y2: 50}},
	}}
	c.DetectStage2(context.Background(), testFrame(640, 480), tasks)
	// Restore failed: vocabulary still stage 2.
	assert.Equal(t, []string{"face"}, failing.inner.classes)

	// Next stage-1 call re-syncs the vocabulary before inference.
	c.DetectStage1(context.Background(), testFrame(640, 480), nil)
	assert.Equal(t, []string{"person"}, failing.inner.classes)
}

// restoreFailClient fails the Nth SetClasses call and delegates everything
// else.
type restoreFailClient struct {
	inner  *fakeClient
	n      int
	failOn int
}

func (r *restoreFailClient) SetClasses(classes []string) error {
	r.n++
	if r.n == r.failOn {
		return errors.New("class server down")
	}
	return r.inner.SetClasses(classes)
}

func (r *restoreFailClient) Detect(ctx context.Context, img image.Image) ([]RawDetection, error) {
	return r.inner.Detect(ctx, img)
}

func (r *restoreFailClient) Close() error { return nil }

func TestStage2SkipsDegenerateBoxes(t *testing.T) {
	client := &fakeClient{}
	c := newTestCascade(t, client)

	tasks := []RefineTask{
		{TrackID: 1, Detection: vision.Detection{Class: "person", Box: vision.BoundingBox{X1: 700, Y1: 500, X2: 800, Y2: 600}}}, // outside frame
		{TrackID: 2, Detection: vision.Detection{Class: "person", Box: vision.BoundingBox{X1: 50, Y1: 50, X2: 50, Y2: 90}}},    // zero width
	}
	features := c.DetectStage2(context.Background(), testFrame(640, 480), tasks)

	assert.Empty(t, features)
	assert.Zero(t, client.calls, "degenerate crops must not reach the detector")
	assert.Equal(t, []string{"person", "car"}, client.classes)
}

func TestUpdateTargets(t *testing.T) {
	client := &fakeClient{}
	c := newTestCascade(t, client)

	assert.True(t, c.UpdateStage1Targets([]string{"person", "package"}))
	// Stage-1 change propagates immediately.
	assert.Equal(t, []string{"person", "package"}, client.classes)
	assert.Equal(t, []string{"person", "package"}, c.Stage1Targets())

	assert.True(t, c.UpdateStage2Targets([]string{"face"}))
	// Stage-2 change does not touch the resting vocabulary.
	assert.Equal(t, []string{"person", "package"}, client.classes)
	assert.Equal(t, []string{"face"}, c.Stage2Targets())
}

func TestEmptyTaskListSkipsVocabularySwitch(t *testing.T) {
	client := &fakeClient{}
	c := newTestCascade(t, client)
	before := len(client.classHistory)

	c.DetectStage2(context.Background(), testFrame(640, 480), nil)
	assert.Equal(t, before, len(client.classHistory))
}
