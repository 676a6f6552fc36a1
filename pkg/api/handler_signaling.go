package api

import (
	"encoding/json"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// SignalRequest is the body of POST /aggregate/webrtc/:id/signal.
type SignalRequest struct {
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload"`
}

// signalingCreateHandler handles POST /aggregate/webrtc/create.
func (s *Server) signalingCreateHandler(c *echo.Context) error {
	info, err := s.signaling.Create()
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, info)
}

// signalingStreamHandler handles GET /aggregate/webrtc/:id/stream?token=.
// It serves the SSE stream of signal payloads posted to the session
// after subscription.
func (s *Server) signalingStreamHandler(c *echo.Context) error {
	id := c.Param("id")
	token := c.QueryParam("token")

	signals, unsubscribe, err := s.signaling.Subscribe(id, token)
	if err != nil {
		return mapServiceError(err)
	}
	defer unsubscribe()

	w := c.Response()
	sseHeaders(w)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	ctx := c.Request().Context()
	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case payload, ok := <-signals:
			if !ok {
				// Session expired or drained.
				return nil
			}
			if err := writeSSERaw(w, payload); err != nil {
				return nil
			}
			_ = rc.Flush()

		case <-keepAlive.C:
			if err := writeSSEComment(w, "keep-alive"); err != nil {
				return nil
			}
			_ = rc.Flush()
		}
	}
}

// signalingSignalHandler handles POST /aggregate/webrtc/:id/signal.
func (s *Server) signalingSignalHandler(c *echo.Context) error {
	id := c.Param("id")

	var req SignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.signaling.Signal(id, req.Token, req.Payload); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusOK)
}
