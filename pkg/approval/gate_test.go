package approval

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/errclass"
)

func TestConstraintsMatch(t *testing.T) {
	tests := []struct {
		name        string
		constraints string
		args        string
		want        bool
	}{
		{
			name:        "empty constraints match anything",
			constraints: `{}`,
			args:        `{"to": "alice", "amount": 20}`,
			want:        true,
		},
		{
			name:        "exact key match",
			constraints: `{"to": "alice"}`,
			args:        `{"to": "alice", "amount": 20}`,
			want:        true,
		},
		{
			name:        "value mismatch",
			constraints: `{"to": "alice"}`,
			args:        `{"to": "bob"}`,
			want:        false,
		},
		{
			name:        "missing key",
			constraints: `{"to": "alice"}`,
			args:        `{"amount": 20}`,
			want:        false,
		},
		{
			name:        "numeric equality",
			constraints: `{"amount": 20}`,
			args:        `{"amount": 20, "to": "alice"}`,
			want:        true,
		},
		{
			name:        "nested object equality",
			constraints: `{"filter": {"channel": "telegram"}}`,
			args:        `{"filter": {"channel": "telegram"}}`,
			want:        true,
		},
		{
			name:        "invalid constraint json never matches",
			constraints: `{broken`,
			args:        `{}`,
			want:        false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConstraintsMatch(json.RawMessage(tt.constraints), json.RawMessage(tt.args))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequireHuman(t *testing.T) {
	assert.NoError(t, requireHuman("alice", "human"))

	err := requireHuman("switchboard", "butler")
	assert.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))

	err = requireHuman("", "human")
	assert.Error(t, err)
}

func TestStringifyResult(t *testing.T) {
	assert.Equal(t, "", stringifyResult(nil))
	assert.Equal(t, "done", stringifyResult("done"))
	assert.JSONEq(t, `{"ok":true}`, stringifyResult(map[string]any{"ok": true}))
}

func TestIsGatedUserScopedDefault(t *testing.T) {
	g := NewGate(nil, config.ApprovalsConfig{}, nil, slog.Default())

	// User-scoped send and reply tools are gated with nothing configured.
	assert.True(t, g.IsGated("user_telegram_send"))
	assert.True(t, g.IsGated("user_email_reply"))
	assert.True(t, g.IsGated("user_telegram_send_v2"))

	// Bot-scoped and non-egress tools are not.
	assert.False(t, g.IsGated("bot_telegram_send"))
	assert.False(t, g.IsGated("memory_context"))
}

func TestConfigAddsButCannotRemoveGating(t *testing.T) {
	cfg := config.ApprovalsConfig{GatedTools: []config.GatedTool{
		{Tool: "calendar_delete_event", ExpiryS: 60},
	}}
	g := NewGate(nil, cfg, nil, slog.Default())

	assert.True(t, g.IsGated("calendar_delete_event"))
	assert.True(t, g.IsGated("user_telegram_send"), "identity default survives configuration")

	expiry, ok := g.expiryFor("calendar_delete_event")
	require.True(t, ok)
	assert.Equal(t, time.Minute, expiry)
	expiry, ok = g.expiryFor("user_telegram_send")
	require.True(t, ok)
	assert.Equal(t, defaultExpiry, expiry)
}

func TestTerminalOutcomeIdempotent(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		status     string
		wantStatus string
		wantErr    bool
	}{
		{status: "executed", wantStatus: "executed"},
		{status: "approved", wantStatus: "executed"},
		{status: "rejected", wantStatus: "rejected"},
		{status: "expired", wantStatus: "expired"},
		{status: "pending", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			out, err := terminalOutcome(&Action{ActionID: id, Status: tt.status, Result: "sent"})
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, id, out.ActionID)
		})
	}
}
