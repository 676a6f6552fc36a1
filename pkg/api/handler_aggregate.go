package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/inera/aggregator/pkg/models"
)

// aggregateHandler handles POST /aggregate/journals.
// For the SSE strategy it returns immediately with the correlation id;
// results arrive on /aggregate/stream. For WAIT_FOR_EVERYONE it blocks
// until every backend answered and returns the merged payload.
func (s *Server) aggregateHandler(c *echo.Context) error {
	var req models.JournalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patientId is required")
	}

	if req.Strategy == models.StrategyWaitForEveryone {
		resp, err := s.aggregator.AggregateDirect(c.Request().Context(), &req)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, resp)
	}

	resp := s.aggregator.Aggregate(&req)
	resp.Strategy = models.StrategySSE
	return c.JSON(http.StatusOK, resp)
}
