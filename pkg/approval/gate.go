package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// Executor runs the underlying tool once an action is authorized. Both the
// direct path (standing rule match) and the deferred path (human approval)
// execute through the same function.
type Executor func(ctx context.Context, toolName string, args json.RawMessage) (any, error)

// Outcome is what a gated call returns to its caller.
type Outcome struct {
	Status   string    `json:"status"` // executed | pending_approval | rejected | expired
	ActionID uuid.UUID `json:"action_id,omitempty"`
	Result   any       `json:"result,omitempty"`
}

const defaultExpiry = 24 * time.Hour

// User-scoped send and reply tools act as the user's identity and are gated
// unconditionally. Manifest configuration adds gated tools; it cannot remove
// these.
var defaultGated = regexp.MustCompile(`^user_[a-z]+_(send|reply)`)

// Gate intercepts gated tool calls.
type Gate struct {
	store  *Store
	gated  map[string]time.Duration
	exec   Executor
	logger *slog.Logger
}

// NewGate builds the gate from the manifest's gated tool list.
func NewGate(store *Store, cfg config.ApprovalsConfig, exec Executor, logger *slog.Logger) *Gate {
	gated := make(map[string]time.Duration, len(cfg.GatedTools))
	for _, gt := range cfg.GatedTools {
		expiry := defaultExpiry
		if gt.ExpiryS > 0 {
			expiry = time.Duration(gt.ExpiryS) * time.Second
		}
		gated[gt.Tool] = expiry
	}
	return &Gate{store: store, gated: gated, exec: exec, logger: logger.With("component", "approvals")}
}

// Store exposes the underlying approval store.
func (g *Gate) Store() *Store { return g.store }

// IsGated reports whether a tool requires approval.
func (g *Gate) IsGated(tool string) bool {
	_, ok := g.expiryFor(tool)
	return ok
}

// expiryFor resolves whether a tool is gated and with what pending expiry:
// manifest entries first, then the built-in user-identity default.
func (g *Gate) expiryFor(tool string) (time.Duration, bool) {
	if expiry, ok := g.gated[tool]; ok {
		return expiry, true
	}
	if defaultGated.MatchString(tool) {
		return defaultExpiry, true
	}
	return 0, false
}

// Intercept runs a gated tool call. A matching standing rule executes
// immediately; otherwise the action parks as pending_approval. Pending is a
// result, not an error: the calling agent reports it and moves on.
func (g *Gate) Intercept(ctx context.Context, toolName string, args json.RawMessage) (*Outcome, error) {
	expiry, gated := g.expiryFor(toolName)
	if !gated {
		result, err := g.exec(ctx, toolName, args)
		if err != nil {
			return nil, err
		}
		return &Outcome{Status: "executed", Result: result}, nil
	}

	rule, err := g.matchRule(ctx, toolName, args)
	if err != nil {
		return nil, err
	}
	if rule != nil {
		g.logger.Info("standing rule authorized action",
			"tool", toolName, "rule_id", rule.RuleID)
		result, execErr := g.exec(ctx, toolName, args)
		resultText := stringifyResult(result)
		if execErr != nil {
			resultText = fmt.Sprintf("error: %v", execErr)
		}
		// Auto-approvals leave the same audit trail as human decisions.
		actionID, auditErr := g.store.RecordAutoApproved(ctx, toolName, args, rule.RuleID, resultText)
		if auditErr != nil {
			g.logger.Error("failed to record auto-approved action",
				"tool", toolName, "rule_id", rule.RuleID, "error", auditErr)
		}
		if execErr != nil {
			return nil, execErr
		}
		return &Outcome{Status: "executed", ActionID: actionID, Result: result}, nil
	}

	action, err := g.store.CreatePending(ctx, toolName, args, expiry)
	if err != nil {
		return nil, err
	}
	g.logger.Info("action parked pending approval",
		"tool", toolName, "action_id", action.ActionID, "expires_at", action.ExpiresAt)
	return &Outcome{Status: "pending_approval", ActionID: action.ActionID}, nil
}

// matchRule finds and consumes the oldest standing rule authorizing this
// call. Rules are evaluated in creation order.
func (g *Gate) matchRule(ctx context.Context, toolName string, args json.RawMessage) (*Rule, error) {
	rules, err := g.store.ListRules(ctx, toolName, true)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if !ConstraintsMatch(rule.ArgConstraints, args) {
			continue
		}
		ok, err := g.store.consumeRule(ctx, rule.RuleID)
		if err != nil {
			return nil, err
		}
		if ok {
			return rule, nil
		}
		// Lost the race on this rule's last use; try the next one.
	}
	return nil, nil
}

// Approve executes a pending action. Only human actors may decide; butlers
// cannot approve their own gated actions. Deciding an already-terminal action
// is an idempotent no-op that reports the stable terminal state.
func (g *Gate) Approve(ctx context.Context, id uuid.UUID, actor, actorType string) (*Outcome, error) {
	if err := requireHuman(actor, actorType); err != nil {
		return nil, err
	}
	won, err := g.store.decide(ctx, id, "approved", actor)
	if err != nil {
		return nil, err
	}
	action, err := g.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !won {
		return terminalOutcome(action)
	}

	result, execErr := g.exec(ctx, action.ToolName, action.Args)
	resultText := ""
	if execErr != nil {
		resultText = fmt.Sprintf("error: %v", execErr)
	} else {
		resultText = stringifyResult(result)
	}
	if err := g.store.markExecuted(ctx, id, resultText); err != nil {
		g.logger.Error("failed to record execution result", "action_id", id, "error", err)
	}
	if execErr != nil {
		return nil, execErr
	}
	g.logger.Info("approved action executed", "action_id", id, "tool", action.ToolName, "actor", actor)
	return &Outcome{Status: "executed", ActionID: id, Result: result}, nil
}

// Reject declines a pending action. Deciding an already-terminal action is an
// idempotent no-op that reports the stable terminal state.
func (g *Gate) Reject(ctx context.Context, id uuid.UUID, actor, actorType string) (*Outcome, error) {
	if err := requireHuman(actor, actorType); err != nil {
		return nil, err
	}
	won, err := g.store.decide(ctx, id, "rejected", actor)
	if err != nil {
		return nil, err
	}
	if won {
		g.logger.Info("action rejected", "action_id", id, "actor", actor)
		return &Outcome{Status: "rejected", ActionID: id}, nil
	}
	action, err := g.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	return terminalOutcome(action)
}

// terminalOutcome maps an already-decided action to the outcome its first
// decision produced, so repeated decisions on a terminal action always see
// the same answer.
func terminalOutcome(action *Action) (*Outcome, error) {
	switch action.Status {
	case "approved", "executed":
		return &Outcome{Status: "executed", ActionID: action.ActionID, Result: action.Result}, nil
	case "rejected":
		return &Outcome{Status: "rejected", ActionID: action.ActionID}, nil
	case "expired":
		return &Outcome{Status: "expired", ActionID: action.ActionID}, nil
	default:
		return nil, errclass.New(errclass.Validation, "action %s is %s", action.ActionID, action.Status)
	}
}

func requireHuman(actor, actorType string) error {
	if actor == "" {
		return errclass.New(errclass.Validation, "decision actor is required")
	}
	if actorType != "human" {
		return errclass.New(errclass.Validation, "approval decisions require a human actor, got %q", actorType)
	}
	return nil
}

// ConstraintsMatch reports whether every constraint key equals the
// corresponding argument value. An empty constraint object matches any args.
func ConstraintsMatch(constraints, args json.RawMessage) bool {
	var want map[string]any
	if err := json.Unmarshal(constraints, &want); err != nil {
		return false
	}
	if len(want) == 0 {
		return true
	}
	var got map[string]any
	if err := json.Unmarshal(args, &got); err != nil {
		return false
	}
	for key, wv := range want {
		gv, ok := got[key]
		if !ok {
			return false
		}
		wj, _ := json.Marshal(wv)
		gj, _ := json.Marshal(gv)
		if string(wj) != string(gj) {
			return false
		}
	}
	return true
}

func stringifyResult(result any) string {
	if result == nil {
		return ""
	}
	if s, ok := result.(string); ok {
		return s
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(b)
}
