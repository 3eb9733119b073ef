package api

import (
	"encoding/json"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// getStateHandler handles GET /api/v1/state/:key.
func (s *Server) getStateHandler(c *echo.Context) error {
	key := c.Param("key")
	value, err := s.state.Get(c.Request().Context(), key)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"key": key, "value": value})
}

// setStateHandler handles PUT /api/v1/state/:key. The body is the JSON value.
func (s *Server) setStateHandler(c *echo.Context) error {
	key := c.Param("key")
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxToolBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if err := s.state.Set(c.Request().Context(), key, json.RawMessage(body)); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stored"})
}

// deleteStateHandler handles DELETE /api/v1/state/:key.
func (s *Server) deleteStateHandler(c *echo.Context) error {
	if err := s.state.Delete(c.Request().Context(), c.Param("key")); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// listStateHandler handles GET /api/v1/state?prefix=.
func (s *Server) listStateHandler(c *echo.Context) error {
	entries, err := s.state.List(c.Request().Context(), c.QueryParam("prefix"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}
