package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// ScheduleRequest is the create/update body for runtime schedules.
type ScheduleRequest struct {
	Name   string `json:"name"`
	Cron   string `json:"cron"`
	Prompt string `json:"prompt"`
}

// listSchedulesHandler handles GET /api/v1/schedules.
func (s *Server) listSchedulesHandler(c *echo.Context) error {
	tasks, err := s.schedules.List(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"schedules": tasks})
}

// createScheduleHandler handles POST /api/v1/schedules.
func (s *Server) createScheduleHandler(c *echo.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed schedule request")
	}
	task, err := s.schedules.Create(c.Request().Context(), req.Name, req.Cron, req.Prompt)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, task)
}

// updateScheduleHandler handles PUT /api/v1/schedules/:name.
func (s *Server) updateScheduleHandler(c *echo.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed schedule request")
	}
	task, err := s.schedules.Update(c.Request().Context(), c.Param("name"), req.Cron, req.Prompt)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// deleteScheduleHandler handles DELETE /api/v1/schedules/:name.
func (s *Server) deleteScheduleHandler(c *echo.Context) error {
	if err := s.schedules.Delete(c.Request().Context(), c.Param("name")); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// enableScheduleHandler handles POST /api/v1/schedules/:name/enable.
func (s *Server) enableScheduleHandler(c *echo.Context) error {
	return s.setScheduleEnabled(c, true)
}

// disableScheduleHandler handles POST /api/v1/schedules/:name/disable.
func (s *Server) disableScheduleHandler(c *echo.Context) error {
	return s.setScheduleEnabled(c, false)
}

func (s *Server) setScheduleEnabled(c *echo.Context, enabled bool) error {
	if err := s.schedules.SetEnabled(c.Request().Context(), c.Param("name"), enabled); err != nil {
		return mapError(err)
	}
	status := "disabled"
	if enabled {
		status = "enabled"
	}
	return c.JSON(http.StatusOK, map[string]string{"status": status})
}
