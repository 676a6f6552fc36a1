package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inera/aggregator/pkg/models"
)

// DispatchDirect runs the WAIT_FOR_EVERYONE strategy: every backend is
// called on its synchronous /journals/direct endpoint and the caller
// blocks until all N complete. Notes are concatenated in arrival order.
func (d *Dispatcher) DispatchDirect(ctx context.Context, patientID string, delays []int, deadline time.Duration) (*models.AggregatedJournalResponse, error) {
	results := make(chan *models.CallbackEvent, len(d.resourceURLs))

	g, gctx := errgroup.WithContext(ctx)
	for i := range d.resourceURLs {
		resourceURL := d.resourceURLs[i%len(d.resourceURLs)]
		delay := 0
		if i < len(delays) {
			delay = delays[i]
		}
		g.Go(func() error {
			results <- d.callDirect(gctx, resourceURL, patientID, delay, deadline)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	resp := &models.AggregatedJournalResponse{
		PatientID: patientID,
		Notes:     []models.JournalNote{},
	}
	for ev := range results {
		switch {
		case ev.Status == models.StatusOK:
			resp.Respondents++
			resp.Notes = append(resp.Notes, ev.Notes...)
		case models.IsTechnicalFailure(ev.Status):
			resp.Errors++
		}
		// REJECTED contributes to neither tally.
	}
	return resp, nil
}

func (d *Dispatcher) callDirect(ctx context.Context, resourceURL, patientID string, delay int, deadline time.Duration) *models.CallbackEvent {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	failure := func(status string) *models.CallbackEvent {
		return &models.CallbackEvent{Source: resourceURL, PatientID: patientID, Status: status}
	}

	body, err := json.Marshal(&models.DirectJournalRequest{PatientID: patientID, Delay: delay})
	if err != nil {
		return failure(models.StatusError)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, resourceURL+"/journals/direct", bytes.NewReader(body))
	if err != nil {
		return failure(models.StatusError)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		status := classifyTransportError(err)
		slog.Warn("Direct resource call failed",
			"resource", resourceURL, "status", status, "error", err)
		return failure(status)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(models.StatusError)
	}

	var ev models.CallbackEvent
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		slog.Warn("Direct resource returned malformed body",
			"resource", resourceURL, "error", err)
		return failure(models.StatusError)
	}
	if ev.Source == "" {
		ev.Source = resourceURL
	}
	return &ev
}
