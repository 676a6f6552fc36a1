package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/inera/aggregator/pkg/models"
)

// streamHandler handles GET /aggregate/stream?correlationId=<id>.
// It serves the long-lived server-to-client event stream for one
// correlation. An unknown id yields an empty stream that closes
// immediately; the client may have arrived after termination. A client
// disconnect cancels the whole aggregation run.
func (s *Server) streamHandler(c *echo.Context) error {
	id := c.QueryParam("correlationId")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "correlationId is required")
	}

	events, err := s.aggregator.Subscribe(id)
	if err != nil {
		return mapServiceError(err)
	}

	w := c.Response()
	sseHeaders(w)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	ctx := c.Request().Context()
	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	sawSummary := false
	for {
		select {
		case <-ctx.Done():
			s.aggregator.CancelOnDisconnect(id)
			return nil

		case ev, ok := <-events:
			if !ok {
				// Channel closed. Without a summary this is a shutdown
				// drain; mark the stream as truncated.
				if !sawSummary {
					_ = writeSSEComment(w, "truncated")
					_ = rc.Flush()
				}
				return nil
			}
			if err := writeSSEData(w, ev); err != nil {
				s.aggregator.CancelOnDisconnect(id)
				return nil
			}
			_ = rc.Flush()
			if ev.Status == models.StatusComplete {
				sawSummary = true
			}

		case <-keepAlive.C:
			if err := writeSSEComment(w, "keep-alive"); err != nil {
				s.aggregator.CancelOnDisconnect(id)
				return nil
			}
			_ = rc.Flush()
		}
	}
}
