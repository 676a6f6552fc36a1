package correlation

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/inera/aggregator/pkg/models"
)

// Bounded retry on transient backpressure: up to 50 one-millisecond
// attempts before an event is dropped. Liveness over completeness: a
// slow subscriber loses events, producers never deadlock.
const (
	emitRetryInterval = time.Millisecond
	emitMaxRetries    = 50
)

// Emitter pushes events onto a correlation's channel with bounded-retry
// backpressure. Events appear to the subscriber in the order Emit
// accepted them; the summary is always last.
type Emitter struct{}

// NewEmitter creates an Emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Emit pushes e onto the state's event channel, retrying briefly when the
// channel is full. On persistent backpressure the event is dropped with a
// warning. Emitting to an already-terminated correlation is a no-op.
func (em *Emitter) Emit(st *State, e *models.CallbackEvent) {
	op := func() error {
		err := st.push(e)
		if errors.Is(err, ErrChannelClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(emitRetryInterval), emitMaxRetries)
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, ErrChannelClosed) {
			slog.Debug("Event for terminated correlation dropped",
				"correlation_id", st.ID(), "status", e.Status)
			return
		}
		slog.Warn("Dropping event after backpressure retries",
			"correlation_id", st.ID(), "status", e.Status, "source", e.Source)
	}
}

// Abort closes the channel without a summary. Used on client disconnect:
// the subscriber is already gone, there is nobody to summarize for.
func (em *Emitter) Abort(st *State) {
	st.closeEvents()
}

// EmitSummary pushes the terminal COMPLETE event carrying the final
// counters, then closes the channel. No event can follow it: closeEvents
// flips the closed flag under the same lock push checks.
func (em *Emitter) EmitSummary(st *State, respondents, errs int) {
	em.Emit(st, models.NewSummary(st.ID(), respondents, errs))
	st.closeEvents()
}
