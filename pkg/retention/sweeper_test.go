package retention

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSweeperRunsAllTasks(t *testing.T) {
	var swept, failed atomic.Int64
	tasks := []Task{
		Func("failing", func(ctx context.Context) (int64, error) {
			failed.Add(1)
			return 0, errors.New("table missing")
		}),
		Func("ok", func(ctx context.Context) (int64, error) {
			swept.Add(1)
			return 3, nil
		}),
	}
	s := NewSweeper(time.Hour, tasks, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	// The first sweep runs immediately on start.
	assert.Eventually(t, func() bool {
		return swept.Load() == 1 && failed.Load() == 1
	}, time.Second, 10*time.Millisecond)
	cancel()
	s.Stop()
}

// A failing task must not block the tasks after it.
func TestSweeperIsolatesFailures(t *testing.T) {
	var ran atomic.Bool
	s := NewSweeper(time.Hour, []Task{
		Func("broken", func(ctx context.Context) (int64, error) { return 0, errors.New("nope") }),
		Func("after", func(ctx context.Context) (int64, error) { ran.Store(true); return 0, nil }),
	}, slog.Default())
	s.runAll(context.Background())
	assert.True(t, ran.Load())
}

func TestSweeperNoTasksIsNoop(t *testing.T) {
	s := NewSweeper(0, nil, slog.Default())
	s.Start(context.Background())
	assert.Nil(t, s.cancel)
	s.Stop()
}
