// Package approval implements the human approval gate: gated tools park as
// pending actions until a human decides, and standing rules pre-authorize
// recurring actions with use limits and expiry.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/butlerhq/butlers/pkg/errclass"
)

// ErrNotFound is returned when an action or rule id does not exist.
var ErrNotFound = errors.New("approval record not found")

// Action is one gated tool invocation awaiting or past decision.
type Action struct {
	ActionID    uuid.UUID       `json:"action_id"`
	ToolName    string          `json:"tool_name"`
	Args        json.RawMessage `json:"args"`
	Status      string          `json:"status"` // pending | approved | rejected | expired | executed
	RequestedAt time.Time       `json:"requested_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	Result      string          `json:"result,omitempty"`
}

// Rule is a standing pre-authorization for a gated tool.
type Rule struct {
	RuleID         uuid.UUID       `json:"rule_id"`
	ToolName       string          `json:"tool_name"`
	ArgConstraints json.RawMessage `json:"arg_constraints"`
	Active         bool            `json:"active"`
	UseCount       int             `json:"use_count"`
	UseLimit       *int            `json:"use_limit,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Owner          string          `json:"owner"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store persists approval actions and standing rules.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an approval store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreatePending records a gated action awaiting decision.
func (s *Store) CreatePending(ctx context.Context, toolName string, args json.RawMessage, expiry time.Duration) (*Action, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate action id: %w", err)
	}
	a := &Action{
		ActionID:    id,
		ToolName:    toolName,
		Args:        args,
		Status:      "pending",
		RequestedAt: time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(expiry),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_actions (action_id, tool_name, args, status, requested_at, expires_at)
		VALUES ($1, $2, $3, 'pending', $4, $5)`,
		a.ActionID, a.ToolName, a.Args, a.RequestedAt, a.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending action: %w", err)
	}
	return a, nil
}

// RecordAutoApproved writes the audit row for a rule-authorized execution.
// The action is born terminal with the rule as the deciding actor, so the
// audit trail reads the same whether a human or a standing rule approved.
func (s *Store) RecordAutoApproved(ctx context.Context, toolName string, args json.RawMessage,
	ruleID uuid.UUID, result string) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate action id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_actions (action_id, tool_name, args, status,
			requested_at, expires_at, decided_by, decided_at, result)
		VALUES ($1, $2, $3, 'executed', now(), now(), $4, now(), $5)`,
		id, toolName, args, "rule:"+ruleID.String(), result)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to record auto-approved action: %w", err)
	}
	return id, nil
}

// GetAction returns one action by id.
func (s *Store) GetAction(ctx context.Context, id uuid.UUID) (*Action, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT action_id, tool_name, args, status, requested_at, expires_at,
			COALESCE(decided_by, ''), decided_at, COALESCE(result, '')
		FROM approval_actions WHERE action_id = $1`, id)
	var a Action
	err := row.Scan(&a.ActionID, &a.ToolName, &a.Args, &a.Status, &a.RequestedAt,
		&a.ExpiresAt, &a.DecidedBy, &a.DecidedAt, &a.Result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action %s: %w", id, err)
	}
	return &a, nil
}

// ListPending returns pending, unexpired actions oldest first.
func (s *Store) ListPending(ctx context.Context) ([]*Action, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT action_id, tool_name, args, status, requested_at, expires_at,
			COALESCE(decided_by, ''), decided_at, COALESCE(result, '')
		FROM approval_actions
		WHERE status = 'pending' AND expires_at > now()
		ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ActionID, &a.ToolName, &a.Args, &a.Status, &a.RequestedAt,
			&a.ExpiresAt, &a.DecidedBy, &a.DecidedAt, &a.Result); err != nil {
			return nil, fmt.Errorf("failed to scan pending action: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// decide transitions a pending action. The conditional update makes repeated
// decisions no-ops; the caller inspects the current row to report idempotent
// success or a conflict.
func (s *Store) decide(ctx context.Context, id uuid.UUID, status, actor string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_actions
		SET status = $2, decided_by = $3, decided_at = now(), updated_at = now()
		WHERE action_id = $1 AND status = 'pending' AND expires_at > now()`,
		id, status, actor)
	if err != nil {
		return false, fmt.Errorf("failed to decide action %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// markExecuted records the result of an approved action's execution.
func (s *Store) markExecuted(ctx context.Context, id uuid.UUID, result string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE approval_actions
		SET status = 'executed', result = $2, updated_at = now()
		WHERE action_id = $1 AND status = 'approved'`,
		id, result)
	if err != nil {
		return fmt.Errorf("failed to mark action executed: %w", err)
	}
	return nil
}

// ExpireStale sweeps pending actions past their expiry.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_actions
		SET status = 'expired', updated_at = now()
		WHERE status = 'pending' AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale actions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AddRule creates a standing rule.
func (s *Store) AddRule(ctx context.Context, toolName string, constraints json.RawMessage,
	useLimit *int, expiresAt *time.Time, owner string) (*Rule, error) {
	if owner == "" {
		return nil, errclass.New(errclass.Validation, "standing rule owner is required")
	}
	if len(constraints) == 0 {
		constraints = json.RawMessage(`{}`)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate rule id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO standing_rules (rule_id, tool_name, arg_constraints, use_limit, expires_at, owner)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, toolName, constraints, useLimit, expiresAt, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to add standing rule: %w", err)
	}
	return &Rule{
		RuleID: id, ToolName: toolName, ArgConstraints: constraints,
		Active: true, UseLimit: useLimit, ExpiresAt: expiresAt, Owner: owner,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ListRules returns rules for a tool in creation order, active first when
// activeOnly is set.
func (s *Store) ListRules(ctx context.Context, toolName string, activeOnly bool) ([]*Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule_id, tool_name, arg_constraints, active, use_count, use_limit,
			expires_at, owner, created_at
		FROM standing_rules
		WHERE tool_name = $1 AND (NOT $2 OR active)
		ORDER BY created_at`, toolName, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list standing rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.RuleID, &r.ToolName, &r.ArgConstraints, &r.Active,
			&r.UseCount, &r.UseLimit, &r.ExpiresAt, &r.Owner, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan standing rule: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeactivateRule revokes a rule. Revoking a missing rule is ErrNotFound.
func (s *Store) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE standing_rules SET active = FALSE, updated_at = now() WHERE rule_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// consumeRule increments a rule's use count, deactivating it when the use
// limit is reached. The conditional update loses races safely: a rule at its
// limit consumes for exactly one caller.
func (s *Store) consumeRule(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE standing_rules
		SET use_count = use_count + 1,
			active = (use_limit IS NULL OR use_count + 1 < use_limit),
			updated_at = now()
		WHERE rule_id = $1 AND active
		  AND (use_limit IS NULL OR use_count < use_limit)
		  AND (expires_at IS NULL OR expires_at > now())`, id)
	if err != nil {
		return false, fmt.Errorf("failed to consume rule %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}
