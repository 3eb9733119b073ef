// bootstrap.go assembles one butler process from its manifest.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/butlerhq/butlers/pkg/api"
	"github.com/butlerhq/butlers/pkg/approval"
	"github.com/butlerhq/butlers/pkg/calendar"
	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/contacts"
	"github.com/butlerhq/butlers/pkg/database"
	"github.com/butlerhq/butlers/pkg/egress"
	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/memory"
	"github.com/butlerhq/butlers/pkg/messenger"
	"github.com/butlerhq/butlers/pkg/module"
	"github.com/butlerhq/butlers/pkg/observability"
	"github.com/butlerhq/butlers/pkg/retention"
	"github.com/butlerhq/butlers/pkg/runtime"
	"github.com/butlerhq/butlers/pkg/schedule"
	"github.com/butlerhq/butlers/pkg/sessions"
	"github.com/butlerhq/butlers/pkg/spawner"
	"github.com/butlerhq/butlers/pkg/state"
	"github.com/butlerhq/butlers/pkg/switchboard"
)

// tickInterval drives the schedule engine.
const tickInterval = time.Minute

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// runButler boots one butler from its config directory and serves until the
// context is cancelled.
func runButler(ctx context.Context, configDir string) error {
	// Load .env from the config directory
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "path", envPath)
	}

	// 1. Initialize configuration
	manifest, err := config.Initialize(ctx, configDir)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	logger := slog.Default().With("butler", manifest.Butler.Name)
	logger.Info("Starting butler", "port", manifest.Butler.Port, "modules", manifest.ModuleNames())

	// 2. Initialize tracing
	shutdownTracing, err := observability.InitTracing(ctx, "butler-"+manifest.Butler.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer", "error", err)
		}
	}()

	// 3. Connect to the database and run this butler's migration plan
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load database config: %w", err)
	}
	plan := database.PlanFor(manifest.Butler.Name, manifest.ModuleNames())
	db, err := database.NewClient(ctx, dbCfg, manifest.DB.Schema, plan)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	pool := db.Pool()
	logger.Info("Connected to PostgreSQL", "schema", manifest.DB.Schema)

	// 4. Core stores and startup recovery
	stateStore := state.NewStore(pool)
	scheduleStore := schedule.NewStore(pool, manifest.Location())
	if err := scheduleStore.SyncConfig(ctx, manifest.Schedules); err != nil {
		return fmt.Errorf("failed to sync config schedules: %w", err)
	}
	sessionStore := sessions.NewStore(pool)
	if recovered, err := sessionStore.RecoverOrphans(ctx); err != nil {
		logger.Error("Failed to recover orphaned sessions", "error", err)
	} else if recovered > 0 {
		logger.Info("Recovered orphaned sessions", "count", recovered)
	}
	reporter := sessions.NewReporter(sessionStore, manifest.Pricing, manifest.Location())

	// 5. Runtime adapter and memory
	adapter, err := runtime.New(manifest.Runtime, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime adapter: %w", err)
	}
	completer := switchboard.NewCompleter(adapter, manifest.Runtime.Model, 30*time.Second)

	var memModule *memory.Module
	if _, ok := manifest.Modules["memory"]; ok {
		memModule = memory.NewModule(manifest.Butler.Name, memory.NewStore(pool), completer, logger)
	}

	var digester spawner.MemoryDigester
	if memModule != nil {
		digester = memModule
	}
	spawn := spawner.New(manifest, adapter, sessionStore, digester, logger)

	// 6. Role-specific services
	var (
		sbService *switchboard.Service
		routeExec api.RouteExecutor
		notifier  api.Notifier
	)
	switch {
	case manifest.IsSwitchboard():
		caller := api.NewClient(manifest.Butler.Name, manifest.Runtime.SessionTimeoutDuration())
		sbRegistry := switchboard.NewRegistry(pool, time.Duration(manifest.Switchboard.LivenessTTLs)*time.Second)
		classifier := switchboard.NewClassifier(completer, sbRegistry.RoutableTargets, logger)
		router := switchboard.NewRouter(sbRegistry, caller, switchboard.NewRoutingLog(pool),
			switchboard.DefaultRouterConfig(), logger)
		sbService = switchboard.NewService(manifest, switchboard.NewInbox(pool), classifier,
			router, sbRegistry, switchboard.NewHeartbeats(pool), caller, logger)
	case manifest.IsMessenger():
		providers, err := buildProviders(manifest)
		if err != nil {
			return err
		}
		msgService := messenger.NewService(messenger.NewStore(pool), messenger.NewResolver(pool),
			manifest.Delivery, providers, logger)
		routeExec = msgService
		notifier = messenger.NewLocalNotifier(msgService)
	default:
		if manifest.Switchboard.URL != "" {
			notifier = egress.NewSwitchboardNotifier(manifest.Switchboard.URL, manifest.Butler.Name)
		}
	}

	// 7. Capability modules
	registry := module.NewRegistry(manifest.IsMessenger(), logger)
	gate, err := registerModules(registry, manifest, pool, memModule, notifier, logger)
	if err != nil {
		return err
	}
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start modules: %w", err)
	}
	defer registry.Shutdown(context.Background())

	// 8. HTTP surface
	ticker := schedule.NewTicker(scheduleStore, spawn, logger)
	server := api.NewServer(api.Deps{
		Manifest:  manifest,
		DB:        db,
		State:     stateStore,
		Schedules: scheduleStore,
		Ticker:    ticker,
		Sessions:  sessionStore,
		Reporter:  reporter,
		Spawner:   spawn,
		Modules:   registry,
		Gate:      gate,
		RouteExec: routeExec,
		Notifier:  notifier,
		Logger:    logger,
	})
	if sbService != nil {
		sbService.RegisterRoutes(server.Echo())
		sbService.Start(ctx)
	}

	// 9. Background loops: schedule ticks, retention and registry announcements
	go runTickLoop(ctx, ticker, logger)
	sweeper := retention.NewSweeper(0, retentionTasks(manifest, pool, gate), logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()
	if !manifest.IsSwitchboard() && manifest.Switchboard.URL != "" {
		go runAnnouncer(ctx, manifest, registry, logger)
	}

	// 10. Serve until shutdown
	if err := server.Start(ctx); err != nil {
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error draining http server", "error", err)
	}
	logger.Info("Butler stopped")
	return nil
}

// registerModules wires every capability module the manifest enables and
// returns the approval gate when approvals are configured.
func registerModules(registry *module.Registry, manifest *config.Manifest, pool *pgxpool.Pool,
	memModule *memory.Module, notifier api.Notifier, logger *slog.Logger) (*approval.Gate, error) {

	register := func(m module.Module) error {
		if err := registry.Register(m); err != nil {
			return fmt.Errorf("failed to register module %s: %w", m.Name(), err)
		}
		return nil
	}

	if memModule != nil {
		if err := register(memModule); err != nil {
			return nil, err
		}
	}
	if _, ok := manifest.Modules["contacts"]; ok {
		if err := register(contacts.NewModule(contacts.NewStore(pool))); err != nil {
			return nil, err
		}
	}
	if _, ok := manifest.Modules["calendar"]; ok {
		if err := register(calendar.NewModule(calendar.NewStore(pool), manifest.Location())); err != nil {
			return nil, err
		}
	}
	egressEnabled := false
	if _, ok := manifest.Modules["telegram"]; ok && notifier != nil {
		if err := register(egress.NewTelegramModule(manifest.Butler.Name, notifier)); err != nil {
			return nil, err
		}
		egressEnabled = true
	}
	if _, ok := manifest.Modules["email"]; ok && notifier != nil {
		if err := register(egress.NewEmailModule(manifest.Butler.Name, notifier)); err != nil {
			return nil, err
		}
		egressEnabled = true
	}

	var gate *approval.Gate
	_, approvalsEnabled := manifest.Modules["approvals"]
	// Egress channels always get a gate: user-scoped send and reply tools are
	// gated by identity default, independent of approvals configuration.
	if approvalsEnabled || egressEnabled || len(manifest.Approvals.GatedTools) > 0 {
		exec := func(ctx context.Context, toolName string, args json.RawMessage) (any, error) {
			tool, ok := registry.Tool(toolName)
			if !ok {
				return nil, errclass.New(errclass.Validation, "unknown tool: %s", toolName)
			}
			return tool.Handler(ctx, manifest.Butler.Name, args)
		}
		gate = approval.NewGate(approval.NewStore(pool), manifest.Approvals, exec, logger)
		if approvalsEnabled {
			if err := register(approval.NewModule(gate)); err != nil {
				return nil, err
			}
		}
	}
	return gate, nil
}

// retentionTasks assembles the sweep list for this butler's role. Sessions,
// delivery requests, delivery attempts and dead letters are audit records
// and are never swept.
func retentionTasks(manifest *config.Manifest, pool *pgxpool.Pool, gate *approval.Gate) []retention.Task {
	var tasks []retention.Task
	if manifest.IsSwitchboard() {
		tasks = append(tasks,
			retention.DeleteOlderThan(pool, "message_inbox", "message_inbox", "received_at", 30*24*time.Hour),
			retention.DeleteOlderThan(pool, "message_dedupe", "message_dedupe", "received_at", 30*24*time.Hour),
			retention.DeleteOlderThan(pool, "routing_log", "routing_log", "started_at", 365*24*time.Hour),
			retention.DeleteOlderThan(pool, "heartbeat_log", "connector_heartbeat_log", "received_at", 7*24*time.Hour),
			retention.DeleteOlderThan(pool, "stats_hourly", "connector_stats_hourly", "bucket", 30*24*time.Hour),
			retention.DeleteOlderThan(pool, "stats_daily", "connector_stats_daily", "bucket", 365*24*time.Hour),
			retention.DeleteOlderThan(pool, "fanout_daily", "connector_fanout_daily", "bucket", 365*24*time.Hour),
		)
	}
	if manifest.IsMessenger() {
		tasks = append(tasks,
			retention.DeleteOlderThan(pool, "delivery_receipts", "delivery_receipts", "received_at", 60*24*time.Hour),
		)
	}
	if gate != nil {
		tasks = append(tasks, retention.Func("expire_approvals", gate.Store().ExpireStale))
	}
	return tasks
}

// runTickLoop drives due schedules once per minute.
func runTickLoop(ctx context.Context, ticker *schedule.Ticker, logger *slog.Logger) {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := ticker.Tick(ctx); err != nil {
				logger.Error("Schedule tick failed", "error", err)
			}
		}
	}
}

// buildProviders assembles Messenger's delivery providers from the manifest's
// module configuration.
func buildProviders(manifest *config.Manifest) ([]messenger.Provider, error) {
	var providers []messenger.Provider
	if cfg, ok := manifest.Modules["telegram"]; ok {
		token := moduleString(cfg, "token", getEnv("BUTLER_TELEGRAM_TOKEN", ""))
		p, err := messenger.NewTelegramProvider(token)
		if err != nil {
			return nil, fmt.Errorf("failed to build telegram provider: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg, ok := manifest.Modules["email"]; ok {
		p, err := messenger.NewEmailProvider(messenger.EmailConfig{
			Host:     moduleString(cfg, "smtp_host", getEnv("SMTP_HOST", "")),
			Port:     moduleInt(cfg, "smtp_port", 587),
			From:     moduleString(cfg, "from", getEnv("BUTLER_EMAIL_ADDRESS", "")),
			Password: moduleString(cfg, "password", getEnv("BUTLER_EMAIL_PASSWORD", "")),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build email provider: %w", err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("messenger requires at least one delivery channel module")
	}
	return providers, nil
}

// moduleString reads a string key from a free-form module config block.
func moduleString(cfg config.ModuleConfig, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// moduleInt reads an integer key from a free-form module config block. YAML
// decodes numbers as int.
func moduleInt(cfg config.ModuleConfig, key string, fallback int) int {
	if v, ok := cfg[key].(int); ok && v > 0 {
		return v
	}
	return fallback
}
