package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Runner executes a scheduled prompt and returns a short result string.
// The tick engine does not interpret the result beyond persisting it.
type Runner interface {
	RunScheduled(ctx context.Context, taskName, prompt string) (string, error)
}

// claimTTL bounds how long a claim blocks re-delivery if a tick dies
// mid-run. A task claimed longer ago than this is considered abandoned.
const claimTTL = 15 * time.Minute

// Ticker drives due scheduled tasks through a Runner.
type Ticker struct {
	store  *Store
	runner Runner
	logger *slog.Logger
}

// NewTicker wires the tick engine.
func NewTicker(store *Store, runner Runner, logger *slog.Logger) *Ticker {
	return &Ticker{store: store, runner: runner, logger: logger.With("component", "schedule")}
}

// Tick claims and runs every due task once. Task failures are isolated: one
// failing task never blocks the others, and the tick itself only errors on
// infrastructure failure. Returns the number of tasks run.
func (t *Ticker) Tick(ctx context.Context) (int, error) {
	claimed, err := t.claimDue(ctx)
	if err != nil {
		return 0, err
	}
	for _, task := range claimed {
		t.runOne(ctx, task)
	}
	return len(claimed), nil
}

// claimDue atomically claims all due, enabled, unclaimed tasks.
func (t *Ticker) claimDue(ctx context.Context) ([]*Task, error) {
	rows, err := t.store.pool.Query(ctx, `
		UPDATE scheduled_tasks
		SET claimed_at = now()
		WHERE enabled
		  AND next_run_at <= now()
		  AND (claimed_at IS NULL OR claimed_at < now() - ($1::text)::interval)
		RETURNING name, cron, prompt, enabled, source, last_run_at,
			COALESCE(last_result, ''), next_run_at`,
		fmt.Sprintf("%d seconds", int(claimTTL.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var task Task
		if err := rows.Scan(&task.Name, &task.Cron, &task.Prompt, &task.Enabled,
			&task.Source, &task.LastRunAt, &task.LastResult, &task.NextRunAt); err != nil {
			return nil, fmt.Errorf("failed to scan claimed task: %w", err)
		}
		out = append(out, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING yields rows in no particular order; overdue tasks
	// run most-overdue first.
	sortByNextRun(out)
	return out, nil
}

func sortByNextRun(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i].NextRunAt, tasks[j].NextRunAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
}

// runOne executes a single claimed task and releases the claim. The release
// uses a background context so a cancelled tick still records the outcome.
func (t *Ticker) runOne(ctx context.Context, task *Task) {
	started := time.Now()
	result, err := t.runner.RunScheduled(ctx, task.Name, task.Prompt)
	if err != nil {
		result = fmt.Sprintf("error: %v", err)
		t.logger.Error("scheduled task failed",
			"task", task.Name, "error", err, "duration", time.Since(started))
	} else {
		t.logger.Info("scheduled task completed",
			"task", task.Name, "duration", time.Since(started))
	}

	next, nerr := t.store.NextRun(task.Cron, time.Now())
	if nerr != nil {
		// Cron was valid at creation; treat parse failure as disable-worthy.
		t.logger.Error("failed to compute next run, disabling task",
			"task", task.Name, "error", nerr)
	}

	// COALESCE keeps the column's NOT NULL intact when the cron could not be
	// re-parsed: the stale next_run_at stays, and the disable flag stops it
	// from firing again.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, uerr := t.store.pool.Exec(releaseCtx, `
		UPDATE scheduled_tasks
		SET claimed_at = NULL, last_run_at = now(), last_result = $2,
			next_run_at = COALESCE($3, next_run_at), enabled = enabled AND $4,
			updated_at = now()
		WHERE name = $1`,
		task.Name, truncate(result, 4000), nullableNext(next, nerr), nerr == nil)
	if uerr != nil {
		t.logger.Error("failed to release task claim", "task", task.Name, "error", uerr)
	}
}

// nullableNext maps an uncomputable next run to NULL so the release UPDATE
// can COALESCE it away rather than violate the NOT NULL column.
func nullableNext(next time.Time, err error) *time.Time {
	if err != nil || next.IsZero() {
		return nil
	}
	return &next
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
