package scene

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-data/watchtower/internal/monitoring"
	"github.com/argus-data/watchtower/internal/vision"
)

// Backend produces a judgement for a frame sequence. *Client implements it;
// tests substitute their own.
type Backend interface {
	Analyze(ctx context.Context, frames []vision.Frame, classes []string, policy string) (vision.AnalysisResult, error)
}

type request struct {
	id      string
	frames  []vision.Frame
	classes []string
	policy  string
	reply   chan reply
}

type reply struct {
	result vision.AnalysisResult
	err    error
}

// Analyzer serializes scene analysis through a fixed number of worker slots.
// Submissions queue without bound; callers bound their own wait with a
// timeout. Slow analyses therefore delay later ones instead of overloading
// the model endpoint.
type Analyzer struct {
	backend     Backend
	queue       chan request
	waitTimeout time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     sync.WaitGroup

	mu      sync.Mutex
	pending int
}

// NewAnalyzer starts slots workers draining the queue.
func NewAnalyzer(backend Backend, slots int, waitTimeout time.Duration) *Analyzer {
	if slots < 1 {
		slots = 1
	}
	a := &Analyzer{
		backend:     backend,
		queue:       make(chan request, 256),
		waitTimeout: waitTimeout,
		stop:        make(chan struct{}),
	}
	a.done.Add(slots)
	for i := 0; i < slots; i++ {
		go a.worker(i)
	}
	return a
}

func (a *Analyzer) worker(slot int) {
	defer a.done.Done()
	for {
		select {
		case <-a.stop:
			return
		case req := <-a.queue:
			start := time.Now()
			result, err := a.backend.Analyze(context.Background(), req.frames, req.classes, req.policy)
			if err != nil {
				monitoring.Logf("scene: request %s failed on slot %d: %v", req.id, slot, err)
			} else {
				monitoring.Debugf("scene: request %s done on slot %d in %v", req.id, slot, time.Since(start))
			}
			req.reply <- reply{result: result, err: err}

			a.mu.Lock()
			a.pending--
			a.mu.Unlock()
		}
	}
}

// Analyze queues the frames and waits for a worker slot. The wait is bounded
// by the analyzer's timeout and the caller's context, whichever ends first.
func (a *Analyzer) Analyze(ctx context.Context, frames []vision.Frame, classes []string, policy string) (vision.AnalysisResult, error) {
	if len(frames) == 0 {
		return vision.AnalysisResult{}, fmt.Errorf("scene: no frames submitted")
	}

	req := request{
		id:      uuid.NewString(),
		frames:  frames,
		classes: classes,
		policy:  policy,
		reply:   make(chan reply, 1),
	}

	a.mu.Lock()
	a.pending++
	queued := a.pending
	a.mu.Unlock()
	monitoring.Debugf("scene: request %s queued, %d pending", req.id, queued)

	select {
	case a.queue <- req:
	case <-ctx.Done():
		a.mu.Lock()
		a.pending--
		a.mu.Unlock()
		return vision.AnalysisResult{}, ctx.Err()
	}

	timer := time.NewTimer(a.waitTimeout)
	defer timer.Stop()
	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-timer.C:
		return vision.AnalysisResult{}, fmt.Errorf("scene: request %s timed out after %v", req.id, a.waitTimeout)
	case <-ctx.Done():
		return vision.AnalysisResult{}, ctx.Err()
	}
}

// Pending reports requests queued or in flight.
func (a *Analyzer) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Close stops the workers. In-flight analyses finish; queued requests are
// abandoned and their callers time out.
func (a *Analyzer) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.done.Wait()
}
