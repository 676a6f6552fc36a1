// Package correlation implements the per-request aggregation engine: a
// registry of live correlations, the per-correlation counter state, the
// event emitter feeding the client stream, and the deadline scheduler.
package correlation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/inera/aggregator/pkg/models"
)

// eventBuffer is the capacity of a correlation's event channel. Producers
// apply bounded-retry backpressure when it fills; a persistently slow
// subscriber loses events rather than blocking producers.
const eventBuffer = 256

// Decision is the outcome of recording a callback: either keep waiting or
// terminate the correlation. Exactly one recording per correlation yields
// DecisionTerminate.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionTerminate
)

var (
	// ErrInvalidState is returned when SetExpected is called twice or
	// with a non-positive count. Treated as a programmer bug: callers
	// log and continue, counters stay valid.
	ErrInvalidState = errors.New("expected count already set or invalid")

	// ErrChannelFull signals transient backpressure on the event channel.
	ErrChannelFull = errors.New("event channel full")

	// ErrChannelClosed signals that the correlation already terminated.
	ErrChannelClosed = errors.New("event channel closed")
)

// State is the per-correlation aggregation record. Counters are atomic;
// multiple producers (dispatch synthetics, callback handlers, the
// deadline) may touch it concurrently. The event channel has a single
// consumer, enforced by TrySubscribe.
type State struct {
	id string

	expected    atomic.Int32
	received    atomic.Int32
	respondents atomic.Int32
	errorCount  atomic.Int32

	// completing makes the expected/received crossing a compare-and-act
	// primitive: only one recording observes it.
	completing atomic.Bool
	subscribed atomic.Bool

	chanMu sync.Mutex
	closed bool
	events chan *models.CallbackEvent

	handleMu       sync.Mutex
	dispatchCancel context.CancelFunc
	deadline       *DeadlineHandle
}

func newState(id string) *State {
	return &State{
		id:     id,
		events: make(chan *models.CallbackEvent, eventBuffer),
	}
}

// ID returns the correlation id this state belongs to.
func (s *State) ID() string { return s.id }

// SetExpected sets the total number of responses to wait for. It may be
// called once with n >= 1. The returned decision is DecisionTerminate when
// enough responses already arrived before the expectation was registered
// (dispatch synthetics racing ahead of the facade).
func (s *State) SetExpected(n int) (Decision, error) {
	if n < 1 {
		return DecisionContinue, ErrInvalidState
	}
	if !s.expected.CompareAndSwap(0, int32(n)) {
		return DecisionContinue, ErrInvalidState
	}
	// Re-check the crossing after storing expected so early synthetics
	// are never lost.
	return s.decide(s.received.Load()), nil
}

// RecordCallback tallies one backend outcome and reports whether the
// caller must terminate the correlation. Status "ok" counts a respondent,
// technical failures count an error, REJECTED counts only as received.
func (s *State) RecordCallback(e *models.CallbackEvent) Decision {
	switch {
	case e.Status == models.StatusOK:
		s.respondents.Add(1)
	case models.IsTechnicalFailure(e.Status):
		s.errorCount.Add(1)
	}
	return s.decide(s.received.Add(1))
}

func (s *State) decide(received int32) Decision {
	expected := s.expected.Load()
	if expected > 0 && received >= expected && s.completing.CompareAndSwap(false, true) {
		return DecisionTerminate
	}
	return DecisionContinue
}

// TrySubscribe claims the single-consumer slot for the event channel.
func (s *State) TrySubscribe() bool {
	return s.subscribed.CompareAndSwap(false, true)
}

// Events returns the channel the stream endpoint consumes.
func (s *State) Events() <-chan *models.CallbackEvent { return s.events }

// ArmDispatchCancel stores the cancellation handle for the in-flight
// dispatch group.
func (s *State) ArmDispatchCancel(cancel context.CancelFunc) {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	s.dispatchCancel = cancel
}

// ArmDeadline stores the handle of the scheduled deadline.
func (s *State) ArmDeadline(h *DeadlineHandle) {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	s.deadline = h
}

// CancelDeadline stops a still-pending deadline. Safe when none is armed
// or when it already fired.
func (s *State) CancelDeadline() {
	s.handleMu.Lock()
	h := s.deadline
	s.handleMu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// CancelAll invokes both cancellation handles if present. Both are
// single-shot and safe to invoke after they have already fired.
func (s *State) CancelAll() {
	s.handleMu.Lock()
	cancel := s.dispatchCancel
	h := s.deadline
	s.handleMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if h != nil {
		h.Cancel()
	}
}

// Expected returns the registered response total (0 until SetExpected).
func (s *State) Expected() int { return int(s.expected.Load()) }

// Received returns the number of recorded responses.
func (s *State) Received() int { return int(s.received.Load()) }

// Respondents returns the number of "ok" responses.
func (s *State) Respondents() int { return int(s.respondents.Load()) }

// Errors returns the number of technical failures.
func (s *State) Errors() int { return int(s.errorCount.Load()) }

// Rejections returns the number of business rejections, derived from the
// counter identity received = respondents + errors + rejections.
func (s *State) Rejections() int {
	return s.Received() - s.Respondents() - s.Errors()
}

// push places an event on the channel without blocking. The mutex
// serializes sends against closeEvents so a late producer can never write
// to a closed channel.
func (s *State) push(e *models.CallbackEvent) error {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	if s.closed {
		return ErrChannelClosed
	}
	select {
	case s.events <- e:
		return nil
	default:
		return ErrChannelFull
	}
}

// closeEvents closes the channel exactly once.
func (s *State) closeEvents() {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
