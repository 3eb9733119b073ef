package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/butlerhq/butlers/pkg/spawner"
)

// TriggerRequest is the manual trigger body.
type TriggerRequest struct {
	Prompt string `json:"prompt"`
}

// triggerHandler handles POST /api/v1/trigger. It runs a session
// synchronously and returns the result.
func (s *Server) triggerHandler(c *echo.Context) error {
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed trigger request")
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}

	id, result, err := s.spawner.Spawn(c.Request().Context(),
		spawner.Trigger{Source: "trigger"}, req.Prompt)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": id,
		"result":     result,
	})
}

// tickHandler handles POST /api/v1/tick. External schedulers (cron, systemd
// timers) drive the tick; the butler never self-ticks.
func (s *Server) tickHandler(c *echo.Context) error {
	ran, err := s.ticker.Tick(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks_run": ran})
}
