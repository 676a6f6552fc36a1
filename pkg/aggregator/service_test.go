package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inera/aggregator/pkg/config"
	"github.com/inera/aggregator/pkg/dispatch"
	"github.com/inera/aggregator/pkg/models"
)

// fakeBackend simulates a backend resource: it accepts a dispatch on
// /journals and, after the commanded delay, posts a callback straight
// into the service. Delay -1 means the backend rejects the patient with
// HTTP 401 and never calls back.
type fakeBackend struct {
	name   string
	svc    *Service
	server *httptest.Server
}

func newFakeBackend(t *testing.T, name string) *fakeBackend {
	t.Helper()
	b := &fakeBackend{name: name}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd models.JournalCommand
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))

		if cmd.Delay == -1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)

		go func() {
			time.Sleep(time.Duration(cmd.Delay) * time.Millisecond)
			b.svc.HandleCallback(&models.CallbackEvent{
				Source:        b.name,
				PatientID:     cmd.PatientID,
				CorrelationID: cmd.CorrelationID,
				Status:        models.StatusOK,
				Notes: []models.JournalNote{{
					Note:      "journal entry",
					PatientID: cmd.PatientID,
				}},
			})
		}()
	}))
	t.Cleanup(b.server.Close)
	return b
}

// newTestService wires a service against the given backends with a short
// maximum deadline so deadline scenarios run fast.
func newTestService(maxTimeout time.Duration, backends ...*fakeBackend) *Service {
	urls := make([]string, len(backends))
	for i, b := range backends {
		urls[i] = b.server.URL
	}
	cfg := &config.Config{
		MaxTimeout:   maxTimeout,
		CallbackURL:  "http://gateway/aggregate/callback",
		ResourceURLs: urls,
	}
	svc := NewService(cfg, dispatch.NewDispatcher(cfg.CallbackURL, cfg.ResourceURLs))
	for _, b := range backends {
		b.svc = svc
	}
	return svc
}

// collect reads events until the channel closes or the timeout elapses.
func collect(t *testing.T, ch <-chan *models.CallbackEvent, timeout time.Duration) []*models.CallbackEvent {
	t.Helper()
	var events []*models.CallbackEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("stream did not close within %v (got %d events)", timeout, len(events))
		}
	}
}

func TestAggregate_AllBackendsRespond(t *testing.T) {
	b1 := newFakeBackend(t, "resource-1")
	b2 := newFakeBackend(t, "resource-2")
	b3 := newFakeBackend(t, "resource-3")
	svc := newTestService(5*time.Second, b1, b2, b3)
	defer svc.Shutdown()

	resp := svc.Aggregate(&models.JournalRequest{PatientID: "p-1", Delays: "10,20,30"})
	require.NotEmpty(t, resp.CorrelationID)

	ch, err := svc.Subscribe(resp.CorrelationID)
	require.NoError(t, err)

	events := collect(t, ch, 5*time.Second)
	require.Len(t, events, 4, "three callbacks plus the summary")

	for _, ev := range events[:3] {
		assert.Equal(t, models.StatusOK, ev.Status)
		assert.Equal(t, "p-1", ev.PatientID)
	}

	summary := events[3]
	assert.Equal(t, models.StatusComplete, summary.Status)
	assert.Equal(t, models.SummarySource, summary.Source)
	assert.Equal(t, 3, summary.Respondents)
	assert.Equal(t, 0, summary.Errors)

	assert.Equal(t, 0, svc.Live(), "terminated correlation must leave the registry")
}

func TestAggregate_DeadlineFillsMissingSlots(t *testing.T) {
	fast := newFakeBackend(t, "resource-1")
	slow1 := newFakeBackend(t, "resource-2")
	slow2 := newFakeBackend(t, "resource-3")
	svc := newTestService(5*time.Second, fast, slow1, slow2)
	defer svc.Shutdown()

	// Two backends answer far beyond the requested deadline.
	timeout := int64(200)
	resp := svc.Aggregate(&models.JournalRequest{
		PatientID: "p-1",
		Delays:    "10,4000,4000",
		TimeoutMs: &timeout,
	})

	ch, err := svc.Subscribe(resp.CorrelationID)
	require.NoError(t, err)

	events := collect(t, ch, 5*time.Second)
	require.Len(t, events, 4)

	timeouts := 0
	for _, ev := range events[:3] {
		if ev.Status == models.StatusTimeout {
			timeouts++
			assert.Equal(t, models.SummarySource, ev.Source, "deadline synthetics are attributed to the gateway")
		}
	}
	assert.Equal(t, 2, timeouts)

	summary := events[3]
	assert.Equal(t, models.StatusComplete, summary.Status)
	assert.Equal(t, 1, summary.Respondents)
	assert.Equal(t, 2, summary.Errors)
}

func TestAggregate_RejectionsCompleteTheRun(t *testing.T) {
	b1 := newFakeBackend(t, "resource-1")
	b2 := newFakeBackend(t, "resource-2")
	svc := newTestService(5*time.Second, b1, b2)
	defer svc.Shutdown()

	// One backend rejects at dispatch time, the other answers after a
	// delay long enough for the subscription to be in place.
	resp := svc.Aggregate(&models.JournalRequest{PatientID: "p-1", Delays: "200,-1"})

	ch, err := svc.Subscribe(resp.CorrelationID)
	require.NoError(t, err)

	events := collect(t, ch, 5*time.Second)
	require.Len(t, events, 3, "one rejection, one callback, one summary")

	rejections := 0
	for _, ev := range events[:2] {
		if ev.Status == models.StatusRejected {
			rejections++
		}
	}
	assert.Equal(t, 1, rejections)

	summary := events[2]
	assert.Equal(t, models.StatusComplete, summary.Status)
	assert.Equal(t, 1, summary.Respondents)
	assert.Equal(t, 0, summary.Errors, "rejections are neither respondents nor errors")
}

func TestAggregate_ClampsExcessiveTimeout(t *testing.T) {
	slow := newFakeBackend(t, "resource-1")
	svc := newTestService(150*time.Millisecond, slow)
	defer svc.Shutdown()

	// Requested deadline is far above the configured maximum; the run
	// must still complete at the clamped bound.
	timeout := int64(3_600_000)
	resp := svc.Aggregate(&models.JournalRequest{
		PatientID: "p-1",
		Delays:    "5000",
		TimeoutMs: &timeout,
	})

	ch, err := svc.Subscribe(resp.CorrelationID)
	require.NoError(t, err)

	start := time.Now()
	events := collect(t, ch, 2*time.Second)
	elapsed := time.Since(start)

	require.NotEmpty(t, events)
	assert.Equal(t, models.StatusComplete, events[len(events)-1].Status)
	assert.Less(t, elapsed, time.Second, "clamped deadline must govern the run")
}

func TestAggregate_LateCallbackIsDropped(t *testing.T) {
	b := newFakeBackend(t, "resource-1")
	svc := newTestService(5*time.Second, b)
	defer svc.Shutdown()

	resp := svc.Aggregate(&models.JournalRequest{PatientID: "p-1", Delays: "10"})
	ch, err := svc.Subscribe(resp.CorrelationID)
	require.NoError(t, err)
	collect(t, ch, 5*time.Second)

	// The correlation is gone; a duplicate or late callback must be a
	// silent no-op.
	svc.HandleCallback(&models.CallbackEvent{
		Source:        "resource-1",
		CorrelationID: resp.CorrelationID,
		Status:        models.StatusOK,
	})
	assert.Equal(t, 0, svc.Live())
}

func TestSubscribe_UnknownCorrelationYieldsClosedChannel(t *testing.T) {
	svc := newTestService(time.Second)
	defer svc.Shutdown()

	ch, err := svc.Subscribe("nonexistent")
	require.NoError(t, err)

	_, ok := <-ch
	assert.False(t, ok)
}

func TestSubscribe_SecondSubscriberConflicts(t *testing.T) {
	b := newFakeBackend(t, "resource-1")
	svc := newTestService(5*time.Second, b)
	defer svc.Shutdown()

	resp := svc.Aggregate(&models.JournalRequest{PatientID: "p-1", Delays: "200"})

	_, err := svc.Subscribe(resp.CorrelationID)
	require.NoError(t, err)

	_, err = svc.Subscribe(resp.CorrelationID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCancelOnDisconnect_AbortsWithoutSummary(t *testing.T) {
	b := newFakeBackend(t, "resource-1")
	svc := newTestService(5*time.Second, b)
	defer svc.Shutdown()

	resp := svc.Aggregate(&models.JournalRequest{PatientID: "p-1", Delays: "2000"})
	ch, err := svc.Subscribe(resp.CorrelationID)
	require.NoError(t, err)

	svc.CancelOnDisconnect(resp.CorrelationID)

	events := collect(t, ch, time.Second)
	for _, ev := range events {
		assert.NotEqual(t, models.StatusComplete, ev.Status, "an aborted run has no summary")
	}
	assert.Equal(t, 0, svc.Live())

	// Idempotent: a second disconnect for the same id is a no-op.
	svc.CancelOnDisconnect(resp.CorrelationID)
}

func TestAggregateDirect_WaitsForEveryone(t *testing.T) {
	b1 := newFakeBackend(t, "resource-1")
	b2 := newFakeBackend(t, "resource-2")
	svc := newTestService(5*time.Second, b1, b2)
	defer svc.Shutdown()

	// The fake backend has no direct endpoint, so both calls fail and
	// count as errors. The call itself must still return a merged result.
	resp, err := svc.AggregateDirect(context.Background(), &models.JournalRequest{
		PatientID: "p-1", Delays: "0,0",
	})
	require.NoError(t, err)
	assert.Equal(t, "p-1", resp.PatientID)
	assert.Equal(t, 2, resp.Respondents+resp.Errors)
}

func TestShutdown_DrainsInFlightRuns(t *testing.T) {
	b := newFakeBackend(t, "resource-1")
	svc := newTestService(5*time.Second, b)

	resp := svc.Aggregate(&models.JournalRequest{PatientID: "p-1", Delays: "3000"})
	ch, err := svc.Subscribe(resp.CorrelationID)
	require.NoError(t, err)

	svc.Shutdown()

	events := collect(t, ch, time.Second)
	for _, ev := range events {
		assert.NotEqual(t, models.StatusComplete, ev.Status)
	}
	assert.Equal(t, 0, svc.Live())
}
