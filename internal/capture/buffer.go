package capture

import (
	"sync"
	"time"

	"github.com/argus-data/watchtower/internal/vision"
)

// FrameBuffer keeps two bounded, time-windowed collections of recent frames:
// a long context window used for scene analysis and a short trigger window
// that marks unconsumed activity. Oldest frames are evicted on overflow.
// Safe for one producer and one consumer running concurrently.
type FrameBuffer struct {
	mu      sync.Mutex
	context []vision.Frame
	trigger []vision.Frame

	contextCap int
	triggerCap int

	pending bool
	wake    chan struct{}
}

// NewFrameBuffer sizes the context window at fps*duration frames and the
// trigger window at two seconds of frames.
func NewFrameBuffer(fps int, contextDuration time.Duration) *FrameBuffer {
	contextCap := int(float64(fps) * contextDuration.Seconds())
	if contextCap < 1 {
		contextCap = 1
	}
	triggerCap := fps * 2
	if triggerCap < 1 {
		triggerCap = 1
	}
	return &FrameBuffer{
		context:    make([]vision.Frame, 0, contextCap),
		trigger:    make([]vision.Frame, 0, triggerCap),
		contextCap: contextCap,
		triggerCap: triggerCap,
		wake:       make(chan struct{}, 1),
	}
}

// Add appends the frame to both windows and signals any waiter.
func (b *FrameBuffer) Add(f vision.Frame) {
	b.mu.Lock()
	b.context = appendBounded(b.context, f, b.contextCap)
	b.trigger = appendBounded(b.trigger, f, b.triggerCap)
	b.pending = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func appendBounded(frames []vision.Frame, f vision.Frame, cap int) []vision.Frame {
	if len(frames) == cap {
		copy(frames, frames[1:])
		frames = frames[:cap-1]
	}
	return append(frames, f)
}

// WaitForNewData blocks until a frame has arrived since the last cleared
// snapshot, or the timeout elapses. Reports whether data is available.
func (b *FrameBuffer) WaitForNewData(timeout time.Duration) bool {
	b.mu.Lock()
	if b.pending {
		b.mu.Unlock()
		return true
	}
	b.mu.Unlock()

	select {
	case <-b.wake:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Frames returns a snapshot of the context window. When clearTrigger is true
// the trigger window and the new-data signal are reset.
func (b *FrameBuffer) Frames(clearTrigger bool) []vision.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]vision.Frame, len(b.context))
	copy(snapshot, b.context)

	if clearTrigger {
		b.trigger = b.trigger[:0]
		b.pending = false
		select {
		case <-b.wake:
		default:
		}
	}
	return snapshot
}

// Latest returns the most recent frame, or false when the buffer is empty.
func (b *FrameBuffer) Latest() (vision.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.context) == 0 {
		return vision.Frame{}, false
	}
	return b.context[len(b.context)-1], true
}

// Len returns the current context window length.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.context)
}

// Clear drops both windows and the signal.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.context = b.context[:0]
	b.trigger = b.trigger[:0]
	b.pending = false
	select {
	case <-b.wake:
	default:
	}
}
