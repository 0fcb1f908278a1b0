package capture

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceDeliversFrames(t *testing.T) {
	g := NewMockGrabber(image.NewRGBA(image.Rect(0, 0, 8, 8)))
	buf := NewFrameBuffer(100, time.Second)
	src := NewSource(g, buf, 100, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.True(t, buf.WaitForNewData(time.Second), "no frame arrived")

	frame, ok := src.Frame()
	assert.True(t, ok)
	assert.NotNil(t, frame.Img)
	assert.NotEmpty(t, frame.TimeString)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("source did not stop on cancel")
	}
	assert.GreaterOrEqual(t, g.Closes, 1)
}

func TestSourceReconnectsAfterReadFailure(t *testing.T) {
	g := NewMockGrabber(image.NewRGBA(image.Rect(0, 0, 8, 8)))
	g.FailNextReads(errors.New("stream reset"))
	buf := NewFrameBuffer(100, time.Second)
	src := NewSource(g, buf, 100, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	// Frames keep flowing after the scripted failure.
	require.True(t, buf.WaitForNewData(time.Second))
	assert.GreaterOrEqual(t, g.Opens, 2, "grabber should have been reopened")
}

func TestSourceOpenFailureIsFatal(t *testing.T) {
	g := NewMockGrabber()
	g.OpenErr = errors.New("no such device")
	src := NewSource(g, nil, 10, time.Millisecond)

	err := src.Run(context.Background())
	assert.Error(t, err)
}

func TestSourceNoFrameBeforeStart(t *testing.T) {
	src := NewSource(NewMockGrabber(), nil, 10, time.Millisecond)
	_, ok := src.Frame()
	assert.False(t, ok)
}
