// Package aggregator orchestrates the aggregation engine: it accepts a
// journal request, fans it out, routes callbacks, and owns the
// exactly-once termination of each correlation.
package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/inera/aggregator/pkg/config"
	"github.com/inera/aggregator/pkg/correlation"
	"github.com/inera/aggregator/pkg/dispatch"
	"github.com/inera/aggregator/pkg/models"
)

// ErrConflict is returned when a correlation's stream already has a
// subscriber.
var ErrConflict = errors.New("stream already has a subscriber")

// Service is the aggregation facade. One instance per process.
type Service struct {
	cfg        *config.Config
	registry   *correlation.Registry
	scheduler  *correlation.Scheduler
	emitter    *correlation.Emitter
	dispatcher *dispatch.Dispatcher
}

// NewService wires the facade with its collaborators.
func NewService(cfg *config.Config, dispatcher *dispatch.Dispatcher) *Service {
	return &Service{
		cfg:        cfg,
		registry:   correlation.NewRegistry(),
		scheduler:  correlation.NewScheduler(),
		emitter:    correlation.NewEmitter(),
		dispatcher: dispatcher,
	}
}

// Aggregate starts an aggregation run and returns immediately so the
// client can open the event stream before callbacks arrive. The deadline
// applies to the callback-waiting phase; dispatch calls carry the same
// bound as their transport timeout.
func (s *Service) Aggregate(req *models.JournalRequest) *models.JournalResponse {
	id, st := s.registry.Create()
	deadline := s.effectiveDeadline(req.TimeoutMs)
	n := s.dispatcher.Backends()
	delays := dispatch.ParseDelays(req.Delays, n)

	slog.Info("Starting aggregation",
		"patient_id", req.PatientID, "correlation_id", id,
		"backends", n, "deadline", deadline)

	cancel := s.dispatcher.Dispatch(id, req.PatientID, delays, deadline, s.HandleCallback)
	st.ArmDispatchCancel(cancel)

	// Dispatch synthetics may already have been recorded; SetExpected
	// re-checks the crossing after storing the expectation.
	decision, err := st.SetExpected(n)
	if err != nil {
		slog.Error("SetExpected failed", "correlation_id", id, "error", err)
	}
	if decision == correlation.DecisionTerminate {
		s.terminate(id)
		return &models.JournalResponse{Respondents: 0, CorrelationID: id}
	}

	st.ArmDeadline(s.scheduler.Schedule(id, deadline, func() {
		s.handleDeadline(id)
	}))

	return &models.JournalResponse{Respondents: 0, CorrelationID: id}
}

// AggregateDirect runs the WAIT_FOR_EVERYONE strategy: block until every
// backend answered and return the merged payload. The correlation
// machinery is bypassed entirely.
func (s *Service) AggregateDirect(ctx context.Context, req *models.JournalRequest) (*models.AggregatedJournalResponse, error) {
	deadline := s.effectiveDeadline(req.TimeoutMs)
	delays := dispatch.ParseDelays(req.Delays, s.dispatcher.Backends())
	return s.dispatcher.DispatchDirect(ctx, req.PatientID, delays, deadline)
}

// HandleCallback routes one backend outcome, whether a real callback or
// a dispatch synthetic, into its correlation. Unknown correlations are dropped:
// late callbacks from cancelled runs are expected and harmless.
func (s *Service) HandleCallback(ev *models.CallbackEvent) {
	st := s.registry.Get(ev.CorrelationID)
	if st == nil {
		slog.Debug("Callback for unknown correlation dropped",
			"correlation_id", ev.CorrelationID, "source", ev.Source, "status", ev.Status)
		return
	}
	s.deliver(st, ev)
}

// Subscribe hands out the event channel for a correlation. An unknown id
// yields an empty, already-closed channel; the client may legitimately
// arrive after termination. A second subscriber gets ErrConflict.
func (s *Service) Subscribe(id string) (<-chan *models.CallbackEvent, error) {
	st := s.registry.Get(id)
	if st == nil {
		ch := make(chan *models.CallbackEvent)
		close(ch)
		return ch, nil
	}
	if !st.TrySubscribe() {
		return nil, ErrConflict
	}
	return st.Events(), nil
}

// CancelOnDisconnect tears a correlation down after the stream client
// went away: cancel dispatch and deadline, remove the registry entry,
// close the channel. No summary is emitted, nobody is left to receive it.
func (s *Service) CancelOnDisconnect(id string) {
	st := s.registry.Remove(id)
	if st == nil {
		return
	}
	slog.Info("Client disconnected, cancelling aggregation", "correlation_id", id)
	st.CancelAll()
	s.emitter.Abort(st)
}

// Live returns the number of in-flight correlations.
func (s *Service) Live() int { return s.registry.Len() }

// Shutdown cancels all pending deadlines and aborts every in-flight
// correlation. Subscribers observe a truncated stream.
func (s *Service) Shutdown() {
	s.scheduler.Shutdown()
	if n := s.registry.Drain(); n > 0 {
		slog.Info("Aborted in-flight aggregations on shutdown", "count", n)
	}
}

// deliver is the single record-emit-terminate path shared by callbacks,
// dispatch synthetics, and deadline synthetics.
func (s *Service) deliver(st *correlation.State, ev *models.CallbackEvent) {
	decision := st.RecordCallback(ev)
	s.emitter.Emit(st, ev)
	if decision == correlation.DecisionTerminate {
		s.terminate(st.ID())
	}
}

// terminate finishes a correlation exactly once. The registry's atomic
// Remove arbitrates between the callback, deadline, and disconnect paths:
// whoever gets the state back owns the summary.
func (s *Service) terminate(id string) {
	st := s.registry.Remove(id)
	if st == nil {
		return
	}
	st.CancelDeadline()
	respondents, errs := st.Respondents(), st.Errors()
	slog.Info("Aggregation complete",
		"correlation_id", id,
		"respondents", respondents, "errors", errs, "rejections", st.Rejections())
	s.emitter.EmitSummary(st, respondents, errs)
}

// handleDeadline fires when the callback-waiting phase exceeds its
// deadline. The shortfall is attributed to the deadline and counted as
// errors, one synthetic TIMEOUT per missing slot.
func (s *Service) handleDeadline(id string) {
	st := s.registry.Get(id)
	if st == nil {
		return
	}
	missing := st.Expected() - st.Received()
	if missing <= 0 {
		return
	}
	slog.Warn("Deadline reached with missing responses",
		"correlation_id", id, "received", st.Received(), "expected", st.Expected())
	for i := 0; i < missing; i++ {
		s.deliver(st, &models.CallbackEvent{
			Source:        models.SummarySource,
			CorrelationID: id,
			Status:        models.StatusTimeout,
		})
	}
}

// effectiveDeadline clamps the client-requested timeout to the
// configured maximum.
func (s *Service) effectiveDeadline(requested *int64) time.Duration {
	if requested == nil || *requested <= 0 {
		return s.cfg.MaxTimeout
	}
	d := time.Duration(*requested) * time.Millisecond
	if d > s.cfg.MaxTimeout {
		slog.Warn("Requested timeout exceeds maximum, clamping",
			"requested_ms", *requested, "max_ms", s.cfg.MaxTimeout.Milliseconds())
		return s.cfg.MaxTimeout
	}
	return d
}
