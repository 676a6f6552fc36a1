package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/inera/aggregator/pkg/models"
)

// callbackHandler handles POST /aggregate/callback. Backends post their
// results here. The response is 2xx in every case: a callback for an
// unknown correlation comes from a cancelled or completed run and is
// acknowledged and dropped.
func (s *Server) callbackHandler(c *echo.Context) error {
	var ev models.CallbackEvent
	if err := c.Bind(&ev); err != nil {
		slog.Warn("Malformed callback body", "error", err)
		return c.NoContent(http.StatusOK)
	}

	s.aggregator.HandleCallback(&ev)
	return c.NoContent(http.StatusOK)
}
