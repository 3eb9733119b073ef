package sessions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/errclass"
)

var testPricing = map[string]config.ModelPricing{
	"claude-sonnet-4": {InputPerMTok: 3.0, OutputPerMTok: 15.0},
}

func TestCost(t *testing.T) {
	// 1M input at $3/MTok + 500k output at $15/MTok.
	got := Cost(testPricing, "claude-sonnet-4", 1_000_000, 500_000)
	assert.InDelta(t, 3.0+7.5, got, 1e-9)
}

func TestCostUnknownModel(t *testing.T) {
	assert.Zero(t, Cost(testPricing, "mystery-model", 1_000_000, 1_000_000))
}

func TestWindowStart(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	now := time.Date(2026, 3, 15, 1, 30, 0, 0, time.UTC) // 02:30 in Berlin

	t.Run("today uses local midnight", func(t *testing.T) {
		start, err := WindowStart("today", now, loc)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, loc), start)
	})

	t.Run("week is seven days back", func(t *testing.T) {
		start, err := WindowStart("week", now, loc)
		require.NoError(t, err)
		assert.Equal(t, now.In(loc).AddDate(0, 0, -7), start)
	})

	t.Run("all is unbounded", func(t *testing.T) {
		start, err := WindowStart("all", now, loc)
		require.NoError(t, err)
		assert.True(t, start.IsZero())
	})

	t.Run("unknown window is a validation error", func(t *testing.T) {
		_, err := WindowStart("fortnight", now, loc)
		require.Error(t, err)
		assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
	})
}

func TestSortTopSessions(t *testing.T) {
	s := []TopSession{
		{Model: "a", CostUSD: 0.5},
		{Model: "b", CostUSD: 2.0},
		{Model: "c", CostUSD: 1.0},
	}
	sortTopSessions(s)
	assert.Equal(t, "b", s[0].Model)
	assert.Equal(t, "c", s[1].Model)
	assert.Equal(t, "a", s[2].Model)
}
