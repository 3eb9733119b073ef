package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/butlerhq/butlers/pkg/observability"
)

// maxToolBody bounds tool argument payloads.
const maxToolBody = 1 << 20

// toolHandler handles POST /api/v1/tools/:name. Every tool call carries the
// caller's identity in X-Butler-Caller; tenant-scoped modules key on it.
func (s *Server) toolHandler(c *echo.Context) error {
	caller := c.Request().Header.Get("X-Butler-Caller")
	if caller == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "X-Butler-Caller header is required")
	}

	name := c.Param("name")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tool name is required")
	}
	tool, ok := s.modules.Tool(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown tool: "+name)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxToolBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	if !json.Valid(body) {
		return echo.NewHTTPError(http.StatusBadRequest, "tool arguments must be a JSON object")
	}
	args := json.RawMessage(body)

	ctx := c.Request().Context()

	// Gated tools flow through the approval gate; a pending_approval outcome
	// is a successful response, not an error.
	if s.gate != nil && s.gate.IsGated(name) {
		outcome, err := s.gate.Intercept(ctx, name, args)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusOK, outcome)
	}

	var result any
	info := observability.SpanInfo{
		Butler:        s.manifest.Butler.Name,
		Tool:          name,
		TriggerSource: "tool",
	}
	err = observability.Span(ctx, info, func(ctx context.Context) error {
		var callErr error
		result, callErr = tool.Handler(ctx, caller, args)
		return callErr
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"result": result})
}
