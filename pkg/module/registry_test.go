package module

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModule struct {
	name     string
	deps     []string
	tools    []Tool
	initLog  *[]string
	downLog  *[]string
	initErr  error
}

func (m *fakeModule) Name() string           { return m.name }
func (m *fakeModule) Dependencies() []string { return m.deps }
func (m *fakeModule) Tools() []Tool          { return m.tools }

func (m *fakeModule) Init(context.Context) error {
	if m.initLog != nil {
		*m.initLog = append(*m.initLog, m.name)
	}
	return m.initErr
}

func (m *fakeModule) Shutdown(context.Context) error {
	if m.downLog != nil {
		*m.downLog = append(*m.downLog, m.name)
	}
	return nil
}

func TestStartOrderFollowsDependencies(t *testing.T) {
	var inits []string
	r := NewRegistry(false, slog.Default())
	require.NoError(t, r.Register(&fakeModule{name: "telegram", deps: []string{"contacts"}, initLog: &inits}))
	require.NoError(t, r.Register(&fakeModule{name: "contacts", initLog: &inits}))
	require.NoError(t, r.Register(&fakeModule{name: "memory", initLog: &inits}))

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, []string{"contacts", "memory", "telegram"}, inits)
}

func TestShutdownReversesInitOrder(t *testing.T) {
	var inits, downs []string
	r := NewRegistry(false, slog.Default())
	require.NoError(t, r.Register(&fakeModule{name: "a", initLog: &inits, downLog: &downs}))
	require.NoError(t, r.Register(&fakeModule{name: "b", deps: []string{"a"}, initLog: &inits, downLog: &downs}))

	require.NoError(t, r.Start(context.Background()))
	r.Shutdown(context.Background())
	assert.Equal(t, []string{"a", "b"}, inits)
	assert.Equal(t, []string{"b", "a"}, downs)
}

func TestMissingDependencyFailsStart(t *testing.T) {
	r := NewRegistry(false, slog.Default())
	require.NoError(t, r.Register(&fakeModule{name: "telegram", deps: []string{"contacts"}}))
	err := r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contacts")
}

func TestCycleFailsStart(t *testing.T) {
	r := NewRegistry(false, slog.Default())
	require.NoError(t, r.Register(&fakeModule{name: "a", deps: []string{"b"}}))
	require.NoError(t, r.Register(&fakeModule{name: "b", deps: []string{"a"}}))
	err := r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestEgressToolsStripped(t *testing.T) {
	tools := []Tool{
		{Name: "user_telegram_send"},
		{Name: "user_telegram_reply"},
		{Name: "bot_telegram_react"},
		{Name: "contacts_lookup"},
	}
	r := NewRegistry(false, slog.Default())
	require.NoError(t, r.Register(&fakeModule{name: "telegram", tools: tools}))
	require.NoError(t, r.Start(context.Background()))

	assert.Equal(t, []string{"contacts_lookup"}, r.ToolNames())
	assert.Equal(t, []string{"bot_telegram_react", "user_telegram_reply", "user_telegram_send"}, r.StrippedTools())
}

func TestEgressToolsKeptOnMessenger(t *testing.T) {
	r := NewRegistry(true, slog.Default())
	require.NoError(t, r.Register(&fakeModule{name: "telegram", tools: []Tool{{Name: "user_telegram_send"}}}))
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, []string{"user_telegram_send"}, r.ToolNames())
	assert.Empty(t, r.StrippedTools())
}

func TestIsEgressTool(t *testing.T) {
	assert.True(t, IsEgressTool("user_email_send"))
	assert.True(t, IsEgressTool("bot_telegram_react"))
	assert.False(t, IsEgressTool("memory_store"))
	assert.False(t, IsEgressTool("user_telegram_poll"))
	assert.False(t, IsEgressTool("telegram_send"))

	// Suffixed variants are still egress; the match is prefix-based.
	assert.True(t, IsEgressTool("user_telegram_send_v2"))
	assert.True(t, IsEgressTool("bot_email_reply_all"))
}
