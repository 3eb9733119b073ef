package approval

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/module"
)

// Module exposes the approval decision surface as tools. Decision-bearing
// operations require a human actor; a butler cannot approve its own actions.
type Module struct {
	gate *Gate
}

// NewModule wires the approvals module around an existing gate.
func NewModule(gate *Gate) *Module {
	return &Module{gate: gate}
}

// Name implements module.Module.
func (m *Module) Name() string { return "approvals" }

// Dependencies implements module.Module.
func (m *Module) Dependencies() []string { return nil }

// Init implements module.Module.
func (m *Module) Init(ctx context.Context) error { return nil }

// Shutdown implements module.Module.
func (m *Module) Shutdown(ctx context.Context) error { return nil }

// Tools implements module.Module.
func (m *Module) Tools() []module.Tool {
	return []module.Tool{
		{Name: "approvals_pending", Description: "List actions awaiting approval", Handler: m.pendingTool},
		{Name: "approvals_approve", Description: "Approve and execute a pending action", Handler: m.approveTool},
		{Name: "approvals_reject", Description: "Reject a pending action", Handler: m.rejectTool},
		{Name: "approvals_add_rule", Description: "Create a standing pre-authorization rule", Handler: m.addRuleTool},
		{Name: "approvals_revoke_rule", Description: "Revoke a standing rule", Handler: m.revokeRuleTool},
		{Name: "approvals_list_rules", Description: "List standing rules for a tool", Handler: m.listRulesTool},
	}
}

// decisionArgs is the shared shape of approve/reject calls.
type decisionArgs struct {
	ActionID  string `json:"action_id"`
	Actor     string `json:"actor"`
	ActorType string `json:"actor_type"`
}

func (m *Module) pendingTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	actions, err := m.gate.Store().ListPending(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pending": actions}, nil
}

func (m *Module) approveTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	req, id, err := parseDecision(args)
	if err != nil {
		return nil, err
	}
	return m.gate.Approve(ctx, id, req.Actor, req.ActorType)
}

func (m *Module) rejectTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	req, id, err := parseDecision(args)
	if err != nil {
		return nil, err
	}
	return m.gate.Reject(ctx, id, req.Actor, req.ActorType)
}

func (m *Module) addRuleTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var req struct {
		Tool           string          `json:"tool"`
		ArgConstraints json.RawMessage `json:"arg_constraints,omitempty"`
		UseLimit       *int            `json:"use_limit,omitempty"`
		ExpiresAt      string          `json:"expires_at,omitempty"`
		Actor          string          `json:"actor"`
		ActorType      string          `json:"actor_type"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	if err := requireHuman(req.Actor, req.ActorType); err != nil {
		return nil, err
	}
	if req.Tool == "" {
		return nil, errclass.New(errclass.Validation, "tool is required")
	}
	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return nil, errclass.New(errclass.Validation, "expires_at must be RFC 3339")
		}
		expiresAt = &t
	}
	rule, err := m.gate.Store().AddRule(ctx, req.Tool, req.ArgConstraints, req.UseLimit, expiresAt, req.Actor)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (m *Module) revokeRuleTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var req struct {
		RuleID    string `json:"rule_id"`
		Actor     string `json:"actor"`
		ActorType string `json:"actor_type"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	if err := requireHuman(req.Actor, req.ActorType); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(req.RuleID)
	if err != nil {
		return nil, errclass.New(errclass.Validation, "rule_id must be a UUID")
	}
	if err := m.gate.Store().DeactivateRule(ctx, id); err != nil {
		return nil, err
	}
	return map[string]string{"status": "revoked"}, nil
}

func (m *Module) listRulesTool(ctx context.Context, _ string, args json.RawMessage) (any, error) {
	var req struct {
		Tool       string `json:"tool"`
		ActiveOnly bool   `json:"active_only,omitempty"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	if req.Tool == "" {
		return nil, errclass.New(errclass.Validation, "tool is required")
	}
	rules, err := m.gate.Store().ListRules(ctx, req.Tool, req.ActiveOnly)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rules": rules}, nil
}

func parseDecision(args json.RawMessage) (*decisionArgs, uuid.UUID, error) {
	var req decisionArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, uuid.Nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
	}
	id, err := uuid.Parse(req.ActionID)
	if err != nil {
		return nil, uuid.Nil, errclass.New(errclass.Validation, "action_id must be a UUID")
	}
	return &req, id, nil
}
