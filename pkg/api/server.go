// Package api exposes the gateway's HTTP surface: the aggregation
// endpoints, the SSE stream, the backend callback endpoint, and the
// signaling session endpoints.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/inera/aggregator/pkg/aggregator"
	"github.com/inera/aggregator/pkg/signaling"
)

// Server is the HTTP server wrapping the aggregation facade and the
// signaling session manager.
type Server struct {
	aggregator *aggregator.Service
	signaling  *signaling.Manager

	echo *echo.Echo
	http *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(agg *aggregator.Service, sig *signaling.Manager) *Server {
	s := &Server{
		aggregator: agg,
		signaling:  sig,
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.POST("/aggregate/journals", s.aggregateHandler)
	e.GET("/aggregate/stream", s.streamHandler)
	e.POST("/aggregate/callback", s.callbackHandler)

	e.POST("/aggregate/webrtc/create", s.signalingCreateHandler)
	e.GET("/aggregate/webrtc/:id/stream", s.signalingStreamHandler)
	e.POST("/aggregate/webrtc/:id/signal", s.signalingSignalHandler)
	e.GET("/aggregate/webrtc/:id/ws", s.signalingWSHandler)

	e.GET("/health", s.healthHandler)

	s.echo = e
	return s
}

// Start listens on addr and serves until Shutdown. Blocking.
// Read/write timeouts stay unset: the SSE streams are long-lived.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler { return s.echo }
