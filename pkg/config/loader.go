package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const (
	manifestFile    = "butler.yaml"
	personalityFile = "CLAUDE.md"
)

// Initialize loads, resolves and validates a butler manifest directory.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read butler.yaml and extract the env declaration block
//  2. Reject literal secrets and resolve ${NAME} env references
//  3. Parse the resolved YAML into the Manifest
//  4. Merge built-in defaults for unset values
//  5. Load the personality document (CLAUDE.md)
//  6. Validate the complete manifest
func Initialize(_ context.Context, configDir string) (*Manifest, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing butler configuration")

	m, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(m); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"butler", m.Butler.Name,
		"port", m.Butler.Port,
		"modules", m.ModuleNames(),
		"schedules", len(m.Schedules))
	return m, nil
}

func load(configDir string) (*Manifest, error) {
	path := filepath.Join(configDir, manifestFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(manifestFile, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(manifestFile, err)
	}

	// First pass: the env declaration block only. It must parse before
	// reference resolution because ${NAME} refs are validated against it.
	var envOnly struct {
		Env EnvConfig `yaml:"env"`
	}
	if err := yaml.Unmarshal(raw, &envOnly); err != nil {
		return nil, NewLoadError(manifestFile, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// Secrets must arrive through the environment, never as literals.
	if err := rejectLiteralSecrets(raw); err != nil {
		return nil, NewLoadError(manifestFile, err)
	}

	resolved, err := ResolveEnvRefs(raw, envOnly.Env)
	if err != nil {
		return nil, NewLoadError(manifestFile, err)
	}

	var m Manifest
	m.Modules = make(map[string]ModuleConfig)
	if err := yaml.Unmarshal(resolved, &m); err != nil {
		return nil, NewLoadError(manifestFile, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	m.ConfigDir = configDir

	// Merge built-in defaults for any unset values.
	if err := mergo.Merge(&m, defaultManifest(), mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("failed to merge manifest defaults: %w", err)
	}

	// Personality document is optional at load; spawner falls back to an
	// empty system prompt prefix when absent.
	personality, err := os.ReadFile(filepath.Join(configDir, personalityFile))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, NewLoadError(personalityFile, err)
		}
		slog.Warn("No personality document found", "path", filepath.Join(configDir, personalityFile))
	}
	m.Personality = string(personality)

	return &m, nil
}

// defaultManifest returns built-in defaults applied under user configuration.
func defaultManifest() Manifest {
	return Manifest{
		Runtime: RuntimeConfig{
			Type:                  "claude_code",
			MaxConcurrentSessions: 1,
			SessionTimeout:        "10m",
		},
		Switchboard: SwitchboardConfig{
			LivenessTTLs:     60,
			RouteContractMin: 1,
			RouteContractMax: 1,
		},
		Security: SecurityConfig{
			TrustedRouteCallers: []string{"switchboard"},
		},
		Ingress: IngressConfig{
			QueueSize:      256,
			OverflowPolicy: "reject",
			WorkerCount:    4,
			ChannelRPS:     10,
		},
	}
}

func validate(m *Manifest) error {
	v := &validator{m: m}
	return v.validateAll()
}
