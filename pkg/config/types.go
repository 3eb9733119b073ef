package config

import (
	"sort"
	"time"
)

// Manifest is the validated in-memory form of a butler's butler.yaml plus
// its personality document (CLAUDE.md).
type Manifest struct {
	Butler      ButlerConfig            `yaml:"butler"`
	DB          DBConfig                `yaml:"db"`
	Runtime     RuntimeConfig           `yaml:"runtime"`
	Switchboard SwitchboardConfig       `yaml:"switchboard"`
	Security    SecurityConfig          `yaml:"security"`
	Env         EnvConfig               `yaml:"env"`
	Modules     map[string]ModuleConfig `yaml:"modules"`
	Approvals   ApprovalsConfig         `yaml:"approvals"`
	Schedules   []ScheduleEntry         `yaml:"schedules"`
	Pricing     map[string]ModelPricing `yaml:"pricing"`
	Ingress     IngressConfig           `yaml:"ingress"`
	Delivery    DeliveryConfig          `yaml:"delivery"`
	Timezone    string                  `yaml:"timezone"`

	// Personality is the butler's CLAUDE.md text, loaded from the config dir.
	Personality string `yaml:"-"`
	// ConfigDir is the directory the manifest was loaded from.
	ConfigDir string `yaml:"-"`
}

// ButlerConfig is the butler identity block.
type ButlerConfig struct {
	Name        string `yaml:"name"`
	Port        int    `yaml:"port"`
	Description string `yaml:"description"`
}

// DBConfig names the butler's database and schema.
type DBConfig struct {
	Name   string `yaml:"name"`
	Schema string `yaml:"schema"`
}

// RuntimeConfig selects and tunes the ephemeral LLM runtime.
type RuntimeConfig struct {
	Type                  string `yaml:"type"` // claude_code | codex | opencode | anthropic
	Model                 string `yaml:"model"`
	MaxConcurrentSessions int    `yaml:"max_concurrent_sessions"`
	SessionTimeout        string `yaml:"session_timeout"` // Parsed to time.Duration
}

// SessionTimeoutDuration parses the configured session timeout, defaulting
// to 10 minutes on absence or parse failure.
func (r RuntimeConfig) SessionTimeoutDuration() time.Duration {
	if r.SessionTimeout == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(r.SessionTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// SwitchboardConfig holds switchboard integration parameters.
type SwitchboardConfig struct {
	URL              string `yaml:"url"`
	Advertise        bool   `yaml:"advertise"`
	LivenessTTLs     int    `yaml:"liveness_ttl_s"`
	RouteContractMin int    `yaml:"route_contract_min"`
	RouteContractMax int    `yaml:"route_contract_max"`
}

// SecurityConfig restricts who may call route.execute.
type SecurityConfig struct {
	TrustedRouteCallers []string `yaml:"trusted_route_callers"`
}

// EnvConfig declares the environment variables a butler and its modules may
// see. Only declared variables are exposed to spawned child processes.
type EnvConfig struct {
	Required []string `yaml:"required"`
	Optional []string `yaml:"optional"`
}

// ModuleConfig is the free-form per-module configuration block.
type ModuleConfig map[string]any

// ApprovalsConfig lists tools gated behind human approval.
type ApprovalsConfig struct {
	GatedTools []GatedTool `yaml:"gated_tools"`
}

// GatedTool names a gated tool and the pending-action expiry.
type GatedTool struct {
	Tool    string `yaml:"tool"`
	ExpiryS int    `yaml:"expiry_s"`
}

// ScheduleEntry is a declarative schedule from the manifest.
type ScheduleEntry struct {
	Name   string `yaml:"name"`
	Cron   string `yaml:"cron"`
	Prompt string `yaml:"prompt"`
}

// ModelPricing gives USD prices per million tokens for cost accounting.
// Costs are always derived at query time; nothing persists a cost.
type ModelPricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// DeliveryConfig tunes Messenger's outbound engine. Ignored on other butlers.
type DeliveryConfig struct {
	WorkerCount     int `yaml:"worker_count"`
	GlobalRPS       int `yaml:"global_rps"`
	ChannelRPS      int `yaml:"channel_rps"`
	RecipientPerMin int `yaml:"recipient_per_min"`
	MaxAttempts     int `yaml:"max_attempts"`
}

// IngressConfig tunes Switchboard's admission queue. Ignored on other butlers.
type IngressConfig struct {
	QueueSize      int    `yaml:"queue_size"`
	OverflowPolicy string `yaml:"overflow_policy"` // shed | defer | reject
	WorkerCount    int    `yaml:"worker_count"`
	ChannelRPS     int    `yaml:"channel_rps"`
}

// KnownModules is the capability module set a manifest may enable.
var KnownModules = map[string]bool{
	"memory":    true,
	"contacts":  true,
	"telegram":  true,
	"email":     true,
	"calendar":  true,
	"approvals": true,
}

// DeclaredEnv returns the union of required and optional env var names.
func (m *Manifest) DeclaredEnv() []string {
	out := make([]string, 0, len(m.Env.Required)+len(m.Env.Optional))
	out = append(out, m.Env.Required...)
	out = append(out, m.Env.Optional...)
	return out
}

// ModuleNames returns enabled module names in a stable order.
func (m *Manifest) ModuleNames() []string {
	names := make([]string, 0, len(m.Modules))
	for name := range m.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Location resolves the configured timezone, defaulting to UTC when unset
// or unknown.
func (m *Manifest) Location() *time.Location {
	if m.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsSwitchboard reports whether this manifest describes the Switchboard butler.
func (m *Manifest) IsSwitchboard() bool { return m.Butler.Name == "switchboard" }

// IsMessenger reports whether this manifest describes the Messenger butler.
func (m *Manifest) IsMessenger() bool { return m.Butler.Name == "messenger" }
