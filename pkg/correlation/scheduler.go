package correlation

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DeadlineHandle states.
const (
	deadlinePending int32 = iota
	deadlineCancelled
	deadlineFired
)

// DeadlineHandle is a cancellable one-shot deadline task.
type DeadlineHandle struct {
	timer  *time.Timer
	state  atomic.Int32
	onDone func()
}

// Cancel stops the deadline if it has not fired yet. Idempotent. Returns
// whether the task had already run.
func (h *DeadlineHandle) Cancel() bool {
	if h.state.CompareAndSwap(deadlinePending, deadlineCancelled) {
		h.timer.Stop()
		if h.onDone != nil {
			h.onDone()
		}
		return false
	}
	return h.state.Load() == deadlineFired
}

// Fired reports whether the deadline task ran.
func (h *DeadlineHandle) Fired() bool {
	return h.state.Load() == deadlineFired
}

// Scheduler arms one-shot per-correlation deadlines with millisecond
// precision. Pending deadlines are tracked so shutdown can cancel them
// all; a fired or cancelled deadline removes itself.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*DeadlineHandle
	closed  bool
}

// NewScheduler creates a Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[string]*DeadlineHandle)}
}

// Schedule arms a deadline for the given correlation. fire runs at most
// once, after d, unless the handle is cancelled first. fire must
// revalidate state via registry lookup, since a deadline that fires after
// termination finds nothing and performs no work.
func (s *Scheduler) Schedule(id string, d time.Duration, fire func()) *DeadlineHandle {
	h := &DeadlineHandle{}
	h.onDone = func() { s.forget(id) }
	h.timer = time.AfterFunc(d, func() {
		if !h.state.CompareAndSwap(deadlinePending, deadlineFired) {
			return
		}
		s.forget(id)
		fire()
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.Cancel()
		return h
	}
	if h.state.Load() == deadlinePending {
		s.pending[id] = h
	}
	s.mu.Unlock()
	return h
}

// Cancel stops the pending deadline for id, if any.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	h := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Shutdown cancels every pending deadline. Subsequent Schedule calls
// return an already-cancelled handle.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*DeadlineHandle)
	s.mu.Unlock()

	for _, h := range pending {
		h.Cancel()
	}
	if len(pending) > 0 {
		slog.Info("Cancelled pending deadlines on shutdown", "count", len(pending))
	}
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
