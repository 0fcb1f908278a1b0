package capture

import (
	"context"
	"sync"
	"time"

	"github.com/argus-data/watchtower/internal/monitoring"
	"github.com/argus-data/watchtower/internal/vision"
)

const timestampLayout = "2006-01-02 15:04:05"

// Source continuously pulls frames from a Grabber, republishing the most
// recent one and feeding the frame buffer. On a failed read it backs off,
// reopens the grabber and continues; it terminates only when its context is
// cancelled.
type Source struct {
	grabber Grabber
	buffer  *FrameBuffer
	backoff time.Duration
	period  time.Duration

	// optional instrumentation hooks
	OnFrame     func()
	OnReconnect func()

	mu     sync.Mutex
	latest vision.Frame
	has    bool
}

// NewSource pairs a grabber with the frame buffer it feeds.
func NewSource(g Grabber, buf *FrameBuffer, fps int, backoff time.Duration) *Source {
	period := time.Duration(0)
	if fps > 0 {
		period = time.Second / time.Duration(fps)
	}
	return &Source{grabber: g, buffer: buf, backoff: backoff, period: period}
}

// Run opens the grabber and reads frames until ctx is cancelled. Transient
// read failures trigger a backoff and a reopen, never a return. The only
// error ever returned is the initial open failure.
func (s *Source) Run(ctx context.Context) error {
	if err := s.grabber.Open(); err != nil {
		return err
	}
	defer s.grabber.Close()

	monitoring.Logf("capture: source started")
	for {
		if ctx.Err() != nil {
			monitoring.Logf("capture: source stopped")
			return nil
		}

		img, err := s.grabber.Read()
		if err != nil {
			monitoring.Logf("capture: read failed, reconnecting in %v: %v", s.backoff, err)
			if s.OnReconnect != nil {
				s.OnReconnect()
			}
			s.reconnect(ctx)
			continue
		}
		if s.OnFrame != nil {
			s.OnFrame()
		}

		now := time.Now()
		frame := vision.Frame{Img: img, Time: now, TimeString: now.Format(timestampLayout)}

		s.mu.Lock()
		s.latest = frame
		s.has = true
		s.mu.Unlock()

		if s.buffer != nil {
			s.buffer.Add(frame)
		}

		if s.period > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.period):
			}
		}
	}
}

func (s *Source) reconnect(ctx context.Context) {
	s.grabber.Close()
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.backoff):
	}
	if err := s.grabber.Open(); err != nil {
		monitoring.Logf("capture: reopen failed: %v", err)
	}
}

// Frame returns the most recently captured frame, or false when none has been
// captured yet. The returned frame's image is shared and must be treated as
// read-only.
func (s *Source) Frame() (vision.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.has
}
