package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/errclass"
)

func testModule() *Module {
	gate := NewGate(nil, config.ApprovalsConfig{}, nil, slog.Default())
	return NewModule(gate)
}

func TestModuleToolSurface(t *testing.T) {
	m := testModule()
	var names []string
	for _, tool := range m.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"approvals_pending", "approvals_approve", "approvals_reject",
		"approvals_add_rule", "approvals_revoke_rule", "approvals_list_rules",
	}, names)
}

func TestParseDecision(t *testing.T) {
	t.Run("bad uuid", func(t *testing.T) {
		_, _, err := parseDecision(json.RawMessage(`{"action_id": "nope", "actor": "alex", "actor_type": "human"}`))
		require.Error(t, err)
		assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
	})

	t.Run("ok", func(t *testing.T) {
		req, id, err := parseDecision(json.RawMessage(
			`{"action_id": "0198b1f0-0000-7000-8000-000000000000", "actor": "alex", "actor_type": "human"}`))
		require.NoError(t, err)
		assert.Equal(t, "alex", req.Actor)
		assert.Equal(t, "0198b1f0-0000-7000-8000-000000000000", id.String())
	})
}

func TestDecisionToolsRequireHumanActor(t *testing.T) {
	m := testModule()
	args := json.RawMessage(
		`{"action_id": "0198b1f0-0000-7000-8000-000000000000", "actor": "general", "actor_type": "butler"}`)

	_, err := m.approveTool(context.Background(), "general", args)
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))

	_, err = m.rejectTool(context.Background(), "general", args)
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
}

func TestAddRuleToolValidation(t *testing.T) {
	m := testModule()

	cases := []struct {
		name string
		args string
	}{
		{"butler actor", `{"tool": "user_telegram_send", "actor": "general", "actor_type": "butler"}`},
		{"missing tool", `{"actor": "alex", "actor_type": "human"}`},
		{"bad expires_at", `{"tool": "user_telegram_send", "actor": "alex", "actor_type": "human", "expires_at": "tomorrow"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.addRuleTool(context.Background(), "general", json.RawMessage(tc.args))
			require.Error(t, err)
			assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
		})
	}
}

func TestRevokeRuleToolValidation(t *testing.T) {
	m := testModule()

	_, err := m.revokeRuleTool(context.Background(), "general",
		json.RawMessage(`{"rule_id": "7", "actor": "alex", "actor_type": "human"}`))
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))

	_, err = m.revokeRuleTool(context.Background(), "general",
		json.RawMessage(`{"rule_id": "0198b1f0-0000-7000-8000-000000000000", "actor": "general", "actor_type": "butler"}`))
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
}

func TestListRulesToolRequiresTool(t *testing.T) {
	m := testModule()
	_, err := m.listRulesTool(context.Background(), "general", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
}
