package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// routeExecuteHandler handles POST /api/v1/route.execute. Caller trust is
// checked before the envelope is even decoded; an untrusted caller causes no
// side effects at all.
func (s *Server) routeExecuteHandler(c *echo.Context) error {
	caller := c.Request().Header.Get("X-Butler-Caller")
	if !s.trustedRouteCaller(caller) {
		return echo.NewHTTPError(http.StatusForbidden, "caller is not authorized for route.execute")
	}

	var route envelope.Route
	if err := c.Bind(&route); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed route envelope")
	}
	if err := envelope.ValidateRoute(&route,
		s.manifest.Switchboard.RouteContractMin, s.manifest.Switchboard.RouteContractMax); err != nil {
		return mapError(err)
	}

	started := time.Now()
	result, err := s.routeExec.ExecuteRoute(c.Request().Context(), &route)

	resp := envelope.RouteResponse{
		SchemaVersion:  envelope.SchemaRouteResponseV1,
		RequestContext: route.RequestContext,
		Timing:         envelope.Timing{DurationMs: time.Since(started).Milliseconds()},
	}
	if err != nil {
		ce := errclass.From(err)
		resp.Status = "error"
		resp.Error = &envelope.ErrorDetail{
			Class:     string(ce.Class),
			Message:   ce.Message,
			Retryable: ce.Retryable(),
		}
		s.logger.Error("route execution failed",
			"request_id", route.RequestContext.RequestID,
			"subrequest_id", route.RequestContext.SubrequestID,
			"class", ce.Class,
			"error", err)
	} else {
		resp.Status = "ok"
		resp.Result = result
	}

	// Errors travel inside the envelope; the transport stays 200 so the
	// router can distinguish execution failure from delivery failure.
	return c.JSON(http.StatusOK, resp)
}

// trustedRouteCaller checks the manifest's trusted_route_callers allowlist.
func (s *Server) trustedRouteCaller(caller string) bool {
	if caller == "" {
		return false
	}
	for _, trusted := range s.manifest.Security.TrustedRouteCallers {
		if caller == trusted {
			return true
		}
	}
	return false
}
