package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/butlerhq/butlers/pkg/approval"
	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/schedule"
	"github.com/butlerhq/butlers/pkg/sessions"
	"github.com/butlerhq/butlers/pkg/state"
)

// mapError maps service-layer errors to HTTP error responses.
func mapError(err error) *echo.HTTPError {
	if errors.Is(err, state.ErrNotFound) ||
		errors.Is(err, sessions.ErrNotFound) ||
		errors.Is(err, schedule.ErrNotFound) ||
		errors.Is(err, approval.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	switch errclass.ClassOf(err) {
	case errclass.Validation:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errclass.OverloadRejected:
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errclass.Timeout:
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errclass.TargetUnavailable:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
