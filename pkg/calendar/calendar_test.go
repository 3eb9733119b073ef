package calendar

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/errclass"
)

func TestParseTime(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	m := NewModule(nil, loc)

	t.Run("rfc3339", func(t *testing.T) {
		got, err := m.parseTime("2026-08-24T10:30:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC), got.UTC())
	})

	t.Run("wall clock uses butler location", func(t *testing.T) {
		got, err := m.parseTime("2026-08-24 10:30")
		require.NoError(t, err)
		assert.Equal(t, "Europe/Berlin", got.Location().String())
		assert.Equal(t, 10, got.Hour())
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.parseTime("next tuesday")
		assert.Error(t, err)
	})
}

func TestNewModuleDefaultsToUTC(t *testing.T) {
	m := NewModule(nil, nil)
	got, err := m.parseTime("2026-01-02 08:00")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.Location())
}

func TestAddToolValidation(t *testing.T) {
	m := NewModule(nil, nil)

	cases := []struct {
		name string
		args string
	}{
		{"missing title", `{"starts_at": "2026-08-24T10:00:00Z"}`},
		{"bad starts_at", `{"title": "dentist", "starts_at": "sometime"}`},
		{"bad ends_at", `{"title": "dentist", "starts_at": "2026-08-24T10:00:00Z", "ends_at": "later"}`},
		{"ends before starts", `{"title": "dentist", "starts_at": "2026-08-24T10:00:00Z", "ends_at": "2026-08-24T09:00:00Z"}`},
		{"ends equals starts", `{"title": "dentist", "starts_at": "2026-08-24T10:00:00Z", "ends_at": "2026-08-24T10:00:00Z"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.addTool(context.Background(), "general", json.RawMessage(tc.args))
			require.Error(t, err)
			assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
		})
	}
}

func TestListToolValidation(t *testing.T) {
	m := NewModule(nil, nil)
	_, err := m.listTool(context.Background(), "general",
		json.RawMessage(`{"from": "whenever", "to": "2026-08-24T10:00:00Z"}`))
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
}

func TestCancelToolRejectsBadID(t *testing.T) {
	m := NewModule(nil, nil)
	_, err := m.cancelTool(context.Background(), "general", json.RawMessage(`{"event_id": "not-a-uuid"}`))
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
}

func TestToolSurface(t *testing.T) {
	m := NewModule(nil, nil)
	var names []string
	for _, tool := range m.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"calendar_add_event", "calendar_upcoming", "calendar_list", "calendar_cancel_event",
	}, names)
}
