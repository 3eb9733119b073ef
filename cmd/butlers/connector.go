// connector.go boots the transport-only connector processes. Connectors run
// beside the fleet, not inside a butler: they only read their channel and
// POST envelopes to the Switchboard.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/connectors"
)

func runConnector(ctx context.Context, kind, configDir, stateDir string) error {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "path", envPath)
	}
	manifest, err := config.Initialize(ctx, configDir)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	switchboardURL := manifest.Switchboard.URL
	if manifest.IsSwitchboard() {
		switchboardURL = fmt.Sprintf("http://localhost:%d", manifest.Butler.Port)
	}
	if switchboardURL == "" {
		return fmt.Errorf("switchboard.url is required to run a connector")
	}
	logger := slog.Default().With("connector", kind)

	var (
		connector connectors.Connector
		emitter   *connectors.Emitter
	)
	switch kind {
	case "telegram":
		cfg := manifest.Modules["telegram"]
		tc := connectors.TelegramConfig{
			Token:    moduleString(cfg, "token", getEnv("BUTLER_TELEGRAM_TOKEN", "")),
			Endpoint: moduleString(cfg, "endpoint", "bot"),
		}
		if tc.Token == "" {
			return fmt.Errorf("telegram connector requires a bot token")
		}
		cursor := connectors.NewCursorFile(stateDir, "telegram", tc.Endpoint)
		emitter = connectors.NewEmitter(switchboardURL, "telegram", "telegram", tc.Endpoint, cursor)
		connector = connectors.NewTelegramConnector(tc, emitter, logger)
	case "email":
		cfg := manifest.Modules["email"]
		ec := connectors.EmailConfig{
			Maildir:  moduleString(cfg, "maildir", getEnv("MAILDIR", "")),
			Endpoint: moduleString(cfg, "address", getEnv("BUTLER_EMAIL_ADDRESS", "")),
		}
		if ec.Maildir == "" || ec.Endpoint == "" {
			return fmt.Errorf("email connector requires a maildir path and mailbox address")
		}
		cursor := connectors.NewCursorFile(stateDir, "email", ec.Endpoint)
		emitter = connectors.NewEmitter(switchboardURL, "email", "email", ec.Endpoint, cursor)
		connector = connectors.NewEmailConnector(ec, emitter, logger)
	default:
		return fmt.Errorf("unknown connector %q", kind)
	}

	logger.Info("Connector starting", "endpoint", connector.EndpointIdentity(), "switchboard", switchboardURL)
	return connectors.NewRunner(connector, emitter, logger).Run(ctx)
}
