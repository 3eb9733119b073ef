package switchboard

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// maxIngestBody bounds inbound envelope payloads.
const maxIngestBody = 1 << 20

// RegisterRoutes mounts the Switchboard-only endpoints onto the butler's
// router.
func (s *Service) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")
	api.POST("/ingest", s.ingestHandler)
	api.POST("/heartbeat", s.heartbeatHandler)
	api.POST("/notify", s.notifyHandler)
	api.POST("/registry/announce", s.announceHandler)
	api.GET("/registry", s.listRegistryHandler)
}

// ingestHandler handles POST /api/v1/ingest.
func (s *Service) ingestHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxIngestBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	result, err := s.ingress.Admit(c.Request().Context(), body)
	if err != nil {
		return mapSwitchboardError(err)
	}
	status := http.StatusAccepted
	if result.Deduped {
		status = http.StatusOK
	}
	return c.JSON(status, result)
}

// heartbeatHandler handles POST /api/v1/heartbeat.
func (s *Service) heartbeatHandler(c *echo.Context) error {
	var hb envelope.Heartbeat
	if err := c.Bind(&hb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed heartbeat")
	}
	if err := s.heartbeats.Record(c.Request().Context(), &hb); err != nil {
		return mapSwitchboardError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "recorded"})
}

// notifyHandler handles POST /api/v1/notify: the relay origin butlers call
// to reach Messenger.
func (s *Service) notifyHandler(c *echo.Context) error {
	caller := c.Request().Header.Get("X-Butler-Caller")
	if caller == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "X-Butler-Caller header is required")
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxIngestBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	notify, err := envelope.ParseNotify(body)
	if err != nil {
		return mapSwitchboardError(err)
	}
	if notify.OriginButler != caller {
		return echo.NewHTTPError(http.StatusForbidden, "origin_butler must match the calling butler")
	}
	resp, err := s.RelayNotify(c.Request().Context(), notify)
	if err != nil {
		return mapSwitchboardError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// announceHandler handles POST /api/v1/registry/announce.
func (s *Service) announceHandler(c *echo.Context) error {
	var reg Registration
	if err := c.Bind(&reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed registration")
	}
	if err := s.registry.Announce(c.Request().Context(), &reg); err != nil {
		return mapSwitchboardError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "registered"})
}

// listRegistryHandler handles GET /api/v1/registry.
func (s *Service) listRegistryHandler(c *echo.Context) error {
	regs, err := s.registry.List(c.Request().Context())
	if err != nil {
		return mapSwitchboardError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"butlers": regs})
}

func mapSwitchboardError(err error) *echo.HTTPError {
	switch errclass.ClassOf(err) {
	case errclass.Validation, errclass.Classification:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errclass.OverloadRejected:
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errclass.Timeout:
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errclass.TargetUnavailable, errclass.Routing:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
