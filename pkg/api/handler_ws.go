package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsWriteTimeout bounds a single WebSocket write so a stalled peer
// cannot block the signal pump.
const wsWriteTimeout = 10 * time.Second

// signalingWSHandler handles GET /aggregate/webrtc/:id/ws?token=.
// WebSocket transport for a signaling session: messages received from
// the peer are fanned out as signals, signals from other peers are
// pushed down the socket. Auth is identical to the SSE transport.
func (s *Server) signalingWSHandler(c *echo.Context) error {
	id := c.Param("id")
	token := c.QueryParam("token")

	signals, unsubscribe, err := s.signaling.Subscribe(id, token)
	if err != nil {
		return mapServiceError(err)
	}
	defer unsubscribe()

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Write pump: session fan-out to the socket.
	go func() {
		defer cancel()
		for payload := range signals {
			writeCtx, writeCancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			writeCancel()
			if err != nil {
				return
			}
		}
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}()

	// Read loop: socket into the session fan-out.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil
		}
		if err := s.signaling.Signal(id, token, json.RawMessage(data)); err != nil {
			// Session expired underneath the connection.
			return nil
		}
	}
}
