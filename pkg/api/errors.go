package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/inera/aggregator/pkg/aggregator"
	"github.com/inera/aggregator/pkg/signaling"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, signaling.ErrUnauthorized) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid session token")
	}
	if errors.Is(err, signaling.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found or expired")
	}
	if errors.Is(err, signaling.ErrConflict) {
		return echo.NewHTTPError(http.StatusConflict, "session already has both peers")
	}
	if errors.Is(err, aggregator.ErrConflict) {
		return echo.NewHTTPError(http.StatusConflict, "stream already has a subscriber")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
