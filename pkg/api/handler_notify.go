package api

import (
	"context"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/butlerhq/butlers/pkg/envelope"
)

// maxNotifyBody bounds inbound notify envelopes.
const maxNotifyBody = 1 << 20

// Notifier carries a notify.v1 envelope toward delivery. Regular butlers
// relay to the Switchboard; Messenger terminates the chain at its delivery
// adapters. The Switchboard butler installs no Notifier here because its
// service mounts the relay endpoint itself.
type Notifier interface {
	Notify(ctx context.Context, n *envelope.Notify) (*envelope.NotifyResponse, error)
}

// notifyHandler handles POST /api/v1/notify on non-Switchboard butlers.
func (s *Server) notifyHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxNotifyBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	notify, err := envelope.ParseNotify(body)
	if err != nil {
		return mapError(err)
	}
	if caller := c.Request().Header.Get("X-Butler-Caller"); caller != "" && notify.OriginButler != caller {
		return echo.NewHTTPError(http.StatusForbidden, "origin_butler must match the calling butler")
	}
	resp, err := s.notifier.Notify(c.Request().Context(), notify)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, resp)
}
