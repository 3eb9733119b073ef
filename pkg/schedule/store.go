// Package schedule manages a butler's scheduled tasks and the tick engine
// that runs them. Config-declared schedules are synced on startup; runtime
// schedules are managed through the tool surface. Ticks claim due tasks with
// a conditional update so overlapping ticks never double-run a task.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// ErrNotFound is returned when a task name does not exist.
var ErrNotFound = errors.New("scheduled task not found")

// Task is one scheduled prompt.
type Task struct {
	Name       string     `json:"name"`
	Cron       string     `json:"cron"`
	Prompt     string     `json:"prompt"`
	Enabled    bool       `json:"enabled"`
	Source     string     `json:"source"` // config | runtime
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastResult string     `json:"last_result,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
}

// Store persists scheduled tasks.
type Store struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

// NewStore creates a schedule store. Cron expressions are evaluated in loc.
func NewStore(pool *pgxpool.Pool, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{pool: pool, loc: loc}
}

// parser accepts standard five-field cron expressions.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the next fire time of a cron expression after `after`, in
// the store's timezone.
func (s *Store) NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, errclass.New(errclass.Validation, "invalid cron expression %q: %v", expr, err)
	}
	return sched.Next(after.In(s.loc)), nil
}

// SyncConfig reconciles config-declared schedules: upserts every manifest
// entry as source=config and removes config-sourced tasks the manifest no
// longer declares. Runtime-created tasks are untouched.
func (s *Store) SyncConfig(ctx context.Context, entries []config.ScheduleEntry) error {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		next, err := s.NextRun(e.Cron, time.Now())
		if err != nil {
			return fmt.Errorf("failed to sync schedule %s: %w", e.Name, err)
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO scheduled_tasks (name, cron, prompt, enabled, source, next_run_at)
			VALUES ($1, $2, $3, TRUE, 'config', $4)
			ON CONFLICT (name) DO UPDATE
			SET cron = EXCLUDED.cron, prompt = EXCLUDED.prompt,
				source = 'config', next_run_at = EXCLUDED.next_run_at,
				updated_at = now()`,
			e.Name, e.Cron, e.Prompt, next)
		if err != nil {
			return fmt.Errorf("failed to upsert schedule %s: %w", e.Name, err)
		}
		names = append(names, e.Name)
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM scheduled_tasks
		WHERE source = 'config' AND NOT (name = ANY($1))`, names)
	if err != nil {
		return fmt.Errorf("failed to prune removed config schedules: %w", err)
	}
	return nil
}

// Create adds a runtime-sourced task.
func (s *Store) Create(ctx context.Context, name, expr, prompt string) (*Task, error) {
	if name == "" || prompt == "" {
		return nil, errclass.New(errclass.Validation, "schedule name and prompt are required")
	}
	next, err := s.NextRun(expr, time.Now())
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_tasks (name, cron, prompt, enabled, source, next_run_at)
		VALUES ($1, $2, $3, TRUE, 'runtime', $4)`,
		name, expr, prompt, next)
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule %s: %w", name, err)
	}
	return s.Get(ctx, name)
}

// Update modifies a task's cron or prompt. Config-sourced tasks reject
// edits; they are owned by the manifest.
func (s *Store) Update(ctx context.Context, name, expr, prompt string) (*Task, error) {
	existing, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing.Source == "config" {
		return nil, errclass.New(errclass.Validation,
			"schedule %s is declared in config and cannot be edited at runtime", name)
	}
	if expr == "" {
		expr = existing.Cron
	}
	if prompt == "" {
		prompt = existing.Prompt
	}
	next, err := s.NextRun(expr, time.Now())
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET cron = $2, prompt = $3, next_run_at = $4, updated_at = now()
		WHERE name = $1`,
		name, expr, prompt, next)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule %s: %w", name, err)
	}
	return s.Get(ctx, name)
}

// SetEnabled toggles a task. Works for both sources; disabling a config task
// survives until the next SyncConfig.
func (s *Store) SetEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET enabled = $2, updated_at = now() WHERE name = $1`,
		name, enabled)
	if err != nil {
		return fmt.Errorf("failed to toggle schedule %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a runtime task. Config tasks cannot be deleted at runtime.
func (s *Store) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM scheduled_tasks WHERE name = $1 AND source = 'runtime'`, name)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Get(ctx, name)
		if err != nil {
			return err
		}
		if existing.Source == "config" {
			return errclass.New(errclass.Validation,
				"schedule %s is declared in config and cannot be deleted at runtime", name)
		}
	}
	return nil
}

// Get returns one task by name.
func (s *Store) Get(ctx context.Context, name string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, cron, prompt, enabled, source, last_run_at,
			COALESCE(last_result, ''), next_run_at
		FROM scheduled_tasks WHERE name = $1`, name)
	var t Task
	err := row.Scan(&t.Name, &t.Cron, &t.Prompt, &t.Enabled, &t.Source,
		&t.LastRunAt, &t.LastResult, &t.NextRunAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule %s: %w", name, err)
	}
	return &t, nil
}

// List returns all tasks ordered by name.
func (s *Store) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, cron, prompt, enabled, source, last_run_at,
			COALESCE(last_result, ''), next_run_at
		FROM scheduled_tasks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.Name, &t.Cron, &t.Prompt, &t.Enabled, &t.Source,
			&t.LastRunAt, &t.LastResult, &t.NextRunAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
