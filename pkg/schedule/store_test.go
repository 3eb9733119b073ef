package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/errclass"
)

func TestNextRun(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	s := NewStore(nil, loc)

	t.Run("daily at 8 local", func(t *testing.T) {
		after := time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC) // 07:00 EDT
		next, err := s.NextRun("0 8 * * *", after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 6, 1, 8, 0, 0, 0, loc), next.In(loc))
	})

	t.Run("already past today fires tomorrow", func(t *testing.T) {
		after := time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC) // 09:00 EDT
		next, err := s.NextRun("0 8 * * *", after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 6, 2, 8, 0, 0, 0, loc), next.In(loc))
	})

	t.Run("invalid expression is a validation error", func(t *testing.T) {
		_, err := s.NextRun("not a cron", time.Now())
		require.Error(t, err)
		assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
	})

	t.Run("six fields rejected", func(t *testing.T) {
		_, err := s.NextRun("0 0 8 * * *", time.Now())
		assert.Error(t, err)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcde", truncate("abcdefgh", 5))
}
