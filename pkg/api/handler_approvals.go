package api

import (
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

// listPendingApprovalsHandler handles GET /api/v1/approvals/pending.
func (s *Server) listPendingApprovalsHandler(c *echo.Context) error {
	pending, err := s.gate.Store().ListPending(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"pending": pending})
}

// approveHandler handles POST /api/v1/approvals/:id/approve. The actor
// identity comes from the X-Actor / X-Actor-Type headers; only human actors
// may decide.
func (s *Server) approveHandler(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid action id")
	}
	outcome, err := s.gate.Approve(c.Request().Context(), id,
		c.Request().Header.Get("X-Actor"), c.Request().Header.Get("X-Actor-Type"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, outcome)
}

// rejectHandler handles POST /api/v1/approvals/:id/reject.
func (s *Server) rejectHandler(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid action id")
	}
	outcome, err := s.gate.Reject(c.Request().Context(), id,
		c.Request().Header.Get("X-Actor"), c.Request().Header.Get("X-Actor-Type"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, outcome)
}
