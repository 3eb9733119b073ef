package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := s.db.Health(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"database": dbHealth,
	})
}

// statusHandler handles GET /api/v1/status.
func (s *Server) statusHandler(c *echo.Context) error {
	status := map[string]any{
		"butler":  s.manifest.Butler.Name,
		"runtime": s.manifest.Runtime.Type,
		"modules": s.manifest.ModuleNames(),
	}
	if s.modules != nil {
		status["tools"] = s.modules.ToolNames()
		if stripped := s.modules.StrippedTools(); len(stripped) > 0 {
			status["stripped_tools"] = stripped
		}
	}
	return c.JSON(http.StatusOK, status)
}
