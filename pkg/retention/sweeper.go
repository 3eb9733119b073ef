// Package retention enforces data retention windows. Each sweep task is
// idempotent and safe to run from multiple replicas.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultInterval is how often the sweeper runs all tasks.
const defaultInterval = time.Hour

// Task is one retention sweep. It returns how many rows it removed.
type Task struct {
	Name  string
	Sweep func(ctx context.Context) (int64, error)
}

// Sweeper periodically runs retention tasks.
type Sweeper struct {
	interval time.Duration
	tasks    []Task
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates the sweeper. interval <= 0 selects the default.
func NewSweeper(interval time.Duration, tasks []Task, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{
		interval: interval,
		tasks:    tasks,
		logger:   logger.With("component", "retention"),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil || len(s.tasks) == 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("Retention sweeper started", "tasks", len(s.tasks), "interval", s.interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Sweeper) runAll(ctx context.Context) {
	for _, task := range s.tasks {
		count, err := task.Sweep(ctx)
		if err != nil {
			s.logger.Error("Retention sweep failed", "task", task.Name, "error", err)
			continue
		}
		if count > 0 {
			s.logger.Info("Retention sweep removed rows", "task", task.Name, "count", count)
		}
	}
}

// DeleteOlderThan builds a task that deletes rows whose timestamp column has
// fallen outside the retention window. Table and column names come from
// compiled-in callers, never from user input.
func DeleteOlderThan(pool *pgxpool.Pool, name, table, tsColumn string, keep time.Duration) Task {
	return Task{
		Name: name,
		Sweep: func(ctx context.Context) (int64, error) {
			query := fmt.Sprintf(`DELETE FROM %s WHERE %s < now() - make_interval(secs => $1)`, table, tsColumn)
			tag, err := pool.Exec(ctx, query, keep.Seconds())
			if err != nil {
				return 0, fmt.Errorf("failed to sweep %s: %w", table, err)
			}
			return tag.RowsAffected(), nil
		},
	}
}

// Func wraps an existing store method as a task.
func Func(name string, fn func(ctx context.Context) (int64, error)) Task {
	return Task{Name: name, Sweep: fn}
}
