// Package dispatch fans a journal request out to the configured backends
// and translates dispatch-time outcomes into synthetic callback events.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inera/aggregator/pkg/models"
)

// Dispatcher issues parallel dispatch calls to the backend resources.
// The callback channel is the true completion channel: a 2xx dispatch
// outcome sets up a future callback, anything else completes the slot
// with a synthetic event and no callback is expected.
type Dispatcher struct {
	client       *http.Client
	callbackURL  string
	resourceURLs []string
}

// NewDispatcher creates a Dispatcher for the given backend list. The
// transport timeout of each call is set per dispatch, from the
// correlation's effective deadline.
func NewDispatcher(callbackURL string, resourceURLs []string) *Dispatcher {
	return &Dispatcher{
		client:       &http.Client{},
		callbackURL:  callbackURL,
		resourceURLs: resourceURLs,
	}
}

// Backends returns the fan-out width.
func (d *Dispatcher) Backends() int { return len(d.resourceURLs) }

// ParseDelays parses the comma-separated delay list into exactly n
// entries. Missing or malformed entries default to 0.
func ParseDelays(delays string, n int) []int {
	parts := strings.Split(delays, ",")
	out := make([]int, n)
	for i := 0; i < n && i < len(parts); i++ {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			continue
		}
		out[i] = v
	}
	return out
}

// Dispatch starts the fan-out for a correlation and returns immediately
// with the group cancellation handle. Each dispatch outcome other than
// 2xx is delivered through record as a synthetic event; record runs on
// the dispatch goroutines and must be safe for concurrent use.
func (d *Dispatcher) Dispatch(correlationID, patientID string, delays []int, deadline time.Duration, record func(*models.CallbackEvent)) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	for i := range d.resourceURLs {
		resourceURL := d.resourceURLs[i%len(d.resourceURLs)]
		delay := 0
		if i < len(delays) {
			delay = delays[i]
		}
		cmd := &models.JournalCommand{
			PatientID:     patientID,
			Delay:         delay,
			CallbackURL:   d.callbackURL,
			CorrelationID: correlationID,
		}
		g.Go(func() error {
			d.callResource(gctx, resourceURL, cmd, deadline, record)
			return nil
		})
	}

	// The group owns no result; waiting here only releases resources.
	go func() { _ = g.Wait() }()

	return cancel
}

func (d *Dispatcher) callResource(ctx context.Context, resourceURL string, cmd *models.JournalCommand, deadline time.Duration, record func(*models.CallbackEvent)) {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	slog.Info("Dispatching to resource",
		"resource", resourceURL, "delay", cmd.Delay, "correlation_id", cmd.CorrelationID)

	body, err := json.Marshal(cmd)
	if err != nil {
		record(d.synthetic(resourceURL, cmd, models.StatusError))
		return
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, resourceURL+"/journals", bytes.NewReader(body))
	if err != nil {
		record(d.synthetic(resourceURL, cmd, models.StatusError))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			// Group cancelled (client disconnect); the correlation is
			// already gone, nothing to record.
			return
		}
		status := classifyTransportError(err)
		slog.Warn("Resource dispatch failed",
			"resource", resourceURL, "correlation_id", cmd.CorrelationID,
			"status", status, "error", err)
		record(d.synthetic(resourceURL, cmd, status))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("Resource accepted dispatch",
			"resource", resourceURL, "correlation_id", cmd.CorrelationID)
	case resp.StatusCode == http.StatusUnauthorized:
		slog.Info("Resource rejected dispatch",
			"resource", resourceURL, "correlation_id", cmd.CorrelationID)
		record(d.synthetic(resourceURL, cmd, models.StatusRejected))
	default:
		slog.Warn("Resource returned unexpected status",
			"resource", resourceURL, "correlation_id", cmd.CorrelationID,
			"http_status", resp.StatusCode)
		record(d.synthetic(resourceURL, cmd, models.StatusError))
	}
}

func (d *Dispatcher) synthetic(resourceURL string, cmd *models.JournalCommand, status string) *models.CallbackEvent {
	return &models.CallbackEvent{
		Source:        resourceURL,
		PatientID:     cmd.PatientID,
		CorrelationID: cmd.CorrelationID,
		Status:        status,
	}
}

// classifyTransportError maps a client-side transport error to a wire
// status: deadlines become TIMEOUT, peer resets CONNECTION_CLOSED, and
// anything else ERROR.
func classifyTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.StatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.StatusTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(err.Error(), "connection reset") {
		return models.StatusConnectionClosed
	}
	return models.StatusError
}
