// Package sessions records every agent session a butler runs: trigger,
// outcome, token usage and trace identity. Costs are never stored; they are
// derived from the pricing table at query time.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/butlerhq/butlers/pkg/errclass"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// Session is one recorded agent session.
type Session struct {
	ID              uuid.UUID  `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	TriggerSource   string     `json:"trigger_source"` // tick | schedule:<name> | trigger | external
	Prompt          string     `json:"prompt"`
	Model           string     `json:"model"`
	ParentSessionID *uuid.UUID `json:"parent_session_id,omitempty"`
	RequestID       string     `json:"request_id,omitempty"`
	SubrequestID    string     `json:"subrequest_id,omitempty"`
	SegmentID       string     `json:"segment_id,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Success         *bool      `json:"success,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	ToolCalls       int        `json:"tool_calls"`
	InputTokens     int64      `json:"input_tokens"`
	OutputTokens    int64      `json:"output_tokens"`
	DurationMS      int64      `json:"duration_ms"`
	TraceID         string     `json:"trace_id,omitempty"`
}

// Outcome carries the terminal fields written when a session completes.
type Outcome struct {
	Success      bool
	Result       string
	Error        string
	ToolCalls    int
	InputTokens  int64
	OutputTokens int64
	DurationMS   int64
}

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	TriggerSource string
	Since         time.Time
	Limit         int
}

// Store persists sessions in the butler's schema.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a session store on the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create opens a session row. The id is assigned here (UUIDv7 so ids sort by
// creation time) and returned for the eventual Complete call.
func (s *Store) Create(ctx context.Context, sess *Session) (uuid.UUID, error) {
	if sess.TriggerSource == "" {
		return uuid.Nil, errclass.New(errclass.Validation, "trigger_source is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, started_at, trigger_source, prompt, model,
			parent_session_id, request_id, subrequest_id, segment_id, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, sess.StartedAt, sess.TriggerSource, sess.Prompt, sess.Model,
		sess.ParentSessionID, sess.RequestID, sess.SubrequestID, sess.SegmentID,
		sess.TraceID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create session: %w", err)
	}
	sess.ID = id
	return id, nil
}

// Complete writes the terminal fields of a session. It is idempotent: a
// session already completed keeps its first outcome.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, out Outcome) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET completed_at = now(), success = $2, result = $3, error = $4,
			tool_calls = $5, input_tokens = $6, output_tokens = $7, duration_ms = $8
		WHERE id = $1 AND completed_at IS NULL`,
		id, out.Success, out.Result, out.Error,
		out.ToolCalls, out.InputTokens, out.OutputTokens, out.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to complete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Already completed or unknown; distinguish for the caller's log line.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check session %s: %w", id, err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// Get returns one session by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// List returns sessions matching the filter, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Session, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE ($1 = '' OR trigger_source = $1)
		  AND ($2::timestamptz IS NULL OR started_at >= $2)
		ORDER BY started_at DESC
		LIMIT $3`,
		f.TriggerSource, nullableTime(f.Since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecoverOrphans marks sessions that were never completed (the process died
// mid-session) as failed. Called once at startup, before the tool surface
// comes up.
func (s *Store) RecoverOrphans(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET completed_at = now(), success = FALSE,
			error = 'orphaned: process terminated before completion',
			duration_ms = EXTRACT(EPOCH FROM (now() - started_at))::bigint * 1000
		WHERE completed_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphan sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

const selectColumns = `
	SELECT id, started_at, trigger_source, prompt, model, parent_session_id,
		request_id, subrequest_id, segment_id, completed_at, success,
		COALESCE(result, ''), COALESCE(error, ''), tool_calls,
		input_tokens, output_tokens, duration_ms, COALESCE(trace_id, '')
	FROM sessions`

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.StartedAt, &sess.TriggerSource, &sess.Prompt,
		&sess.Model, &sess.ParentSessionID, &sess.RequestID, &sess.SubrequestID,
		&sess.SegmentID, &sess.CompletedAt, &sess.Success, &sess.Result,
		&sess.Error, &sess.ToolCalls, &sess.InputTokens, &sess.OutputTokens,
		&sess.DurationMS, &sess.TraceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return &sess, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
