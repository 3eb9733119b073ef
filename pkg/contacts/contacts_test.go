package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/errclass"
)

func TestToolSurface(t *testing.T) {
	m := NewModule(nil)
	var names []string
	for _, tool := range m.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"contacts_add", "contacts_set_info", "contacts_list", "contacts_find", "contacts_remove",
	}, names)
}

func TestAddToolRequiresName(t *testing.T) {
	m := NewModule(nil)
	_, err := m.addTool(context.Background(), "general", json.RawMessage(`{"is_owner": true}`))
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
}

func TestSetInfoToolValidation(t *testing.T) {
	m := NewModule(nil)

	cases := []struct {
		name string
		args string
	}{
		{"bad uuid", `{"contact_id": "nope", "channel": "telegram", "identifier": "123"}`},
		{"missing channel", `{"contact_id": "0198b1f0-0000-7000-8000-000000000000", "identifier": "123"}`},
		{"missing identifier", `{"contact_id": "0198b1f0-0000-7000-8000-000000000000", "channel": "telegram"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.setInfoTool(context.Background(), "general", json.RawMessage(tc.args))
			require.Error(t, err)
			assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
		})
	}
}

func TestFindToolRequiresCriteria(t *testing.T) {
	m := NewModule(nil)

	_, err := m.findTool(context.Background(), "general", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))

	// A channel alone is not enough to look anyone up.
	_, err = m.findTool(context.Background(), "general", json.RawMessage(`{"channel": "telegram"}`))
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
}

func TestRemoveToolRejectsBadID(t *testing.T) {
	m := NewModule(nil)
	_, err := m.removeTool(context.Background(), "general", json.RawMessage(`{"contact_id": "42"}`))
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
}

func TestMapNotFound(t *testing.T) {
	err := mapNotFound(ErrNotFound)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
	assert.True(t, errors.Is(err, ErrNotFound))

	other := errors.New("connection refused")
	assert.Equal(t, other, mapNotFound(other))
}
