package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortByNextRunOrdersMostOverdueFirst(t *testing.T) {
	at := func(min int) *time.Time {
		ts := time.Date(2026, 6, 1, 8, min, 0, 0, time.UTC)
		return &ts
	}
	tasks := []*Task{
		{Name: "noon_digest", NextRunAt: at(30)},
		{Name: "morning_watering", NextRunAt: at(0)},
		{Name: "never_computed", NextRunAt: nil},
		{Name: "midmorning_check", NextRunAt: at(15)},
	}

	sortByNextRun(tasks)

	var names []string
	for _, task := range tasks {
		names = append(names, task.Name)
	}
	assert.Equal(t, []string{"morning_watering", "midmorning_check", "noon_digest", "never_computed"}, names)
}

func TestNullableNext(t *testing.T) {
	next := time.Date(2026, 6, 2, 8, 0, 0, 0, time.UTC)

	got := nullableNext(next, nil)
	require.NotNil(t, got)
	assert.Equal(t, next, *got)

	assert.Nil(t, nullableNext(time.Time{}, nil), "zero time never reaches the database")
	assert.Nil(t, nullableNext(next, assert.AnError), "parse failure never reaches the database")
}
