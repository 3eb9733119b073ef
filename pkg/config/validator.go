package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// validator performs comprehensive validation on a loaded manifest.
type validator struct {
	m *Manifest
}

func (v *validator) validateAll() error {
	checks := []func() error{
		v.validateIdentity,
		v.validateRuntime,
		v.validateModules,
		v.validateSchedules,
		v.validateSwitchboard,
		v.validateIngress,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) validateIdentity() error {
	if v.m.Butler.Name == "" {
		return NewValidationError("butler.name", "required")
	}
	if v.m.Butler.Port <= 0 || v.m.Butler.Port > 65535 {
		return NewValidationError("butler.port", fmt.Sprintf("must be 1-65535, got %d", v.m.Butler.Port))
	}
	if v.m.DB.Schema == "" {
		return NewValidationError("db.schema", "required")
	}
	return nil
}

func (v *validator) validateRuntime() error {
	switch v.m.Runtime.Type {
	case "claude_code", "codex", "opencode", "anthropic":
	default:
		return NewValidationError("runtime.type",
			fmt.Sprintf("unknown runtime %q: must be claude_code, codex, opencode or anthropic", v.m.Runtime.Type))
	}
	if v.m.Runtime.MaxConcurrentSessions < 1 {
		return NewValidationError("runtime.max_concurrent_sessions", "must be at least 1")
	}
	return nil
}

func (v *validator) validateModules() error {
	for name := range v.m.Modules {
		if !KnownModules[name] {
			return NewValidationError("modules."+name, "unknown module")
		}
	}
	return nil
}

func (v *validator) validateSchedules() error {
	seen := map[string]bool{}
	for i, entry := range v.m.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if entry.Name == "" {
			return NewValidationError(field+".name", "required")
		}
		if seen[entry.Name] {
			return NewValidationError(field+".name", "duplicate schedule name "+entry.Name)
		}
		seen[entry.Name] = true
		if entry.Prompt == "" {
			return NewValidationError(field+".prompt", "required")
		}
		if _, err := cron.ParseStandard(entry.Cron); err != nil {
			return NewValidationError(field+".cron", fmt.Sprintf("invalid cron expression %q: %v", entry.Cron, err))
		}
	}
	return nil
}

func (v *validator) validateSwitchboard() error {
	sw := v.m.Switchboard
	if sw.RouteContractMin > sw.RouteContractMax {
		return NewValidationError("switchboard.route_contract_min",
			fmt.Sprintf("min %d exceeds max %d", sw.RouteContractMin, sw.RouteContractMax))
	}
	if !v.m.IsSwitchboard() && sw.URL == "" && sw.Advertise {
		return NewValidationError("switchboard.url", "required when advertise is enabled")
	}
	return nil
}

func (v *validator) validateIngress() error {
	switch v.m.Ingress.OverflowPolicy {
	case "shed", "defer", "reject":
		return nil
	default:
		return NewValidationError("ingress.overflow_policy",
			fmt.Sprintf("must be shed, defer or reject, got %q", v.m.Ingress.OverflowPolicy))
	}
}
