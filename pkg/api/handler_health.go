package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	LiveAggregations  int    `json:"live_aggregations"`
	SignalingSessions int    `json:"signaling_sessions"`
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:            "ok",
		LiveAggregations:  s.aggregator.Live(),
		SignalingSessions: s.signaling.Count(),
	})
}
