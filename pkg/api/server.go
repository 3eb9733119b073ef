// Package api exposes a butler's HTTP surface: health, status, the tool
// surface, route.execute, the scheduler tick and the operational queries
// (state, schedules, sessions, usage, approvals).
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/butlerhq/butlers/pkg/approval"
	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/database"
	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/module"
	"github.com/butlerhq/butlers/pkg/observability"
	"github.com/butlerhq/butlers/pkg/schedule"
	"github.com/butlerhq/butlers/pkg/sessions"
	"github.com/butlerhq/butlers/pkg/spawner"
	"github.com/butlerhq/butlers/pkg/state"
)

// RouteExecutor executes a validated route.v1 envelope and returns the
// result text. Switchboard and Messenger install their own executors; every
// other butler uses the spawner-backed default.
type RouteExecutor interface {
	ExecuteRoute(ctx context.Context, r *envelope.Route) (string, error)
}

// Deps collects everything the server needs. Optional fields may be nil.
type Deps struct {
	Manifest  *config.Manifest
	DB        *database.Client
	State     *state.Store
	Schedules *schedule.Store
	Ticker    *schedule.Ticker
	Sessions  *sessions.Store
	Reporter  *sessions.Reporter
	Spawner   *spawner.Spawner
	Modules   *module.Registry
	Gate      *approval.Gate
	RouteExec RouteExecutor
	Notifier  Notifier
	Logger    *slog.Logger
}

// Server is one butler's HTTP surface.
type Server struct {
	manifest  *config.Manifest
	db        *database.Client
	state     *state.Store
	schedules *schedule.Store
	ticker    *schedule.Ticker
	sessions  *sessions.Store
	reporter  *sessions.Reporter
	spawner   *spawner.Spawner
	modules   *module.Registry
	gate      *approval.Gate
	routeExec RouteExecutor
	notifier  Notifier
	logger    *slog.Logger

	echo    *echo.Echo
	httpSrv *http.Server
}

// NewServer wires the HTTP surface. When deps.RouteExec is nil, route.v1
// envelopes run as agent sessions through the spawner.
func NewServer(deps Deps) *Server {
	s := &Server{
		manifest:  deps.Manifest,
		db:        deps.DB,
		state:     deps.State,
		schedules: deps.Schedules,
		ticker:    deps.Ticker,
		sessions:  deps.Sessions,
		reporter:  deps.Reporter,
		spawner:   deps.Spawner,
		modules:   deps.Modules,
		gate:      deps.Gate,
		routeExec: deps.RouteExec,
		notifier:  deps.Notifier,
		logger:    deps.Logger.With("component", "api"),
	}
	if s.routeExec == nil {
		s.routeExec = &spawnerExecutor{spawner: deps.Spawner}
	}
	s.echo = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())
	e.Use(s.requestLogger())

	e.GET("/healthz", s.healthHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		observability.MetricsHandler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	api := e.Group("/api/v1")
	if token := os.Getenv("BUTLER_FLEET_TOKEN"); token != "" {
		api.Use(fleetAuth(token))
	}
	api.GET("/status", s.statusHandler)
	api.POST("/trigger", s.triggerHandler)
	api.POST("/route.execute", s.routeExecuteHandler)
	api.POST("/tick", s.tickHandler)
	api.POST("/tools/:name", s.toolHandler)

	// Switchboard mounts its own /notify through the service routes.
	if s.notifier != nil {
		api.POST("/notify", s.notifyHandler)
	}

	api.GET("/state", s.listStateHandler)
	api.GET("/state/:key", s.getStateHandler)
	api.PUT("/state/:key", s.setStateHandler)
	api.DELETE("/state/:key", s.deleteStateHandler)

	api.GET("/schedules", s.listSchedulesHandler)
	api.POST("/schedules", s.createScheduleHandler)
	api.PUT("/schedules/:name", s.updateScheduleHandler)
	api.DELETE("/schedules/:name", s.deleteScheduleHandler)
	api.POST("/schedules/:name/enable", s.enableScheduleHandler)
	api.POST("/schedules/:name/disable", s.disableScheduleHandler)

	api.GET("/sessions", s.listSessionsHandler)
	api.GET("/sessions/:id", s.getSessionHandler)
	api.GET("/usage/summary", s.usageSummaryHandler)
	api.GET("/usage/daily", s.usageDailyHandler)
	api.GET("/usage/top", s.usageTopHandler)
	api.GET("/usage/schedules", s.usageSchedulesHandler)

	if s.gate != nil {
		api.GET("/approvals/pending", s.listPendingApprovalsHandler)
		api.POST("/approvals/:id/approve", s.approveHandler)
		api.POST("/approvals/:id/reject", s.rejectHandler)
	}

	return e
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.manifest.Butler.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", addr, "butler", s.manifest.Butler.Name)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// spawnerExecutor runs route envelopes as agent sessions.
type spawnerExecutor struct {
	spawner *spawner.Spawner
}

func (e *spawnerExecutor) ExecuteRoute(ctx context.Context, r *envelope.Route) (string, error) {
	rc := r.RequestContext
	trigger := spawner.Trigger{
		Source:       "external",
		RequestID:    rc.RequestID,
		SubrequestID: rc.SubrequestID,
		SegmentID:    rc.SegmentID,
	}
	if rc.TraceContext != nil {
		trigger.TraceID = rc.TraceContext.Traceparent
	}
	_, result, err := e.spawner.Spawn(ctx, trigger, r.Input.Prompt)
	return result, err
}
