package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/butlerhq/butlers/pkg/sessions"
)

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	filter := sessions.ListFilter{
		TriggerSource: c.QueryParam("trigger_source"),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = n
	}
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since: must be RFC3339")
		}
		filter.Since = t
	}

	list, err := s.sessions.List(c.Request().Context(), filter)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": list})
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	sess, err := s.sessions.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// usageSummaryHandler handles GET /api/v1/usage/summary?window=.
func (s *Server) usageSummaryHandler(c *echo.Context) error {
	window := c.QueryParam("window")
	if window == "" {
		window = "today"
	}
	summary, err := s.reporter.Summarize(c.Request().Context(), window)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// usageDailyHandler handles GET /api/v1/usage/daily?days=.
func (s *Server) usageDailyHandler(c *echo.Context) error {
	days := 0
	if v := c.QueryParam("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid days")
		}
		days = n
	}
	rows, err := s.reporter.Daily(c.Request().Context(), days)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"daily": rows})
}

// usageTopHandler handles GET /api/v1/usage/top?window=&limit=.
func (s *Server) usageTopHandler(c *echo.Context) error {
	window := c.QueryParam("window")
	if window == "" {
		window = "week"
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	top, err := s.reporter.TopSessions(c.Request().Context(), window, limit)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": top})
}

// usageSchedulesHandler handles GET /api/v1/usage/schedules?window=.
func (s *Server) usageSchedulesHandler(c *echo.Context) error {
	window := c.QueryParam("window")
	if window == "" {
		window = "month"
	}
	costs, err := s.reporter.ScheduleCosts(c.Request().Context(), window)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"schedules": costs})
}
