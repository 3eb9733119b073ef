package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFile), []byte(manifest), 0o600))
	return dir
}

const minimalManifest = `
butler:
  name: general
  port: 8080
db:
  schema: butler_general
`

func TestInitializeMergesDefaults(t *testing.T) {
	dir := writeConfig(t, minimalManifest)
	require.NoError(t, os.WriteFile(filepath.Join(dir, personalityFile), []byte("You are the house butler.\n"), 0o600))

	m, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "general", m.Butler.Name)
	assert.Equal(t, 8080, m.Butler.Port)
	assert.Equal(t, "claude_code", m.Runtime.Type)
	assert.Equal(t, 1, m.Runtime.MaxConcurrentSessions)
	assert.Equal(t, "10m", m.Runtime.SessionTimeout)
	assert.Equal(t, 60, m.Switchboard.LivenessTTLs)
	assert.Equal(t, 1, m.Switchboard.RouteContractMin)
	assert.Equal(t, 1, m.Switchboard.RouteContractMax)
	assert.Equal(t, []string{"switchboard"}, m.Security.TrustedRouteCallers)
	assert.Equal(t, 256, m.Ingress.QueueSize)
	assert.Equal(t, "reject", m.Ingress.OverflowPolicy)
	assert.Equal(t, "You are the house butler.\n", m.Personality)
	assert.Equal(t, dir, m.ConfigDir)
}

func TestInitializeWithoutPersonality(t *testing.T) {
	m, err := Initialize(context.Background(), writeConfig(t, minimalManifest))
	require.NoError(t, err)
	assert.Empty(t, m.Personality)
}

func TestInitializeMissingManifest(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeResolvesEnvRefs(t *testing.T) {
	t.Setenv("TG_TOKEN", "12345:abc")
	m, err := Initialize(context.Background(), writeConfig(t, `
butler:
  name: messenger
  port: 8090
db:
  schema: butler_messenger
env:
  required: [TG_TOKEN]
modules:
  telegram:
    token: ${TG_TOKEN}
`))
	require.NoError(t, err)
	assert.Equal(t, "12345:abc", m.Modules["telegram"]["token"])
}

func TestInitializeRejectsUndeclaredEnvRef(t *testing.T) {
	t.Setenv("TG_TOKEN", "12345:abc")
	_, err := Initialize(context.Background(), writeConfig(t, `
butler:
  name: messenger
  port: 8090
db:
  schema: butler_messenger
modules:
  telegram:
    token: ${TG_TOKEN}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not declared")
}

func TestInitializeRejectsUnsetRequiredEnv(t *testing.T) {
	_, err := Initialize(context.Background(), writeConfig(t, `
butler:
  name: general
  port: 8080
db:
  schema: butler_general
env:
  required: [DEFINITELY_NOT_SET_ANYWHERE]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not set")
}

func TestInitializeRejectsLiteralSecrets(t *testing.T) {
	_, err := Initialize(context.Background(), writeConfig(t, `
butler:
  name: messenger
  port: 8090
db:
  schema: butler_messenger
modules:
  telegram:
    token: 12345:abc
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "literal secret")
}

func TestInitializeValidationFailures(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		wantMsg  string
	}{
		{
			name: "missing name",
			manifest: `
butler:
  port: 8080
db:
  schema: s
`,
			wantMsg: "butler.name",
		},
		{
			name: "bad port",
			manifest: `
butler:
  name: general
  port: 99999
db:
  schema: s
`,
			wantMsg: "butler.port",
		},
		{
			name: "unknown module",
			manifest: minimalManifest + `
modules:
  weather: {}
`,
			wantMsg: "unknown module",
		},
		{
			name: "bad cron",
			manifest: minimalManifest + `
schedules:
  - name: morning
    cron: "not a cron"
    prompt: say hello
`,
			wantMsg: "invalid cron",
		},
		{
			name: "bad overflow policy",
			manifest: minimalManifest + `
ingress:
  overflow_policy: drop
`,
			wantMsg: "overflow_policy",
		},
		{
			name: "advertise without switchboard url",
			manifest: minimalManifest + `
switchboard:
  advertise: true
`,
			wantMsg: "switchboard.url",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Initialize(context.Background(), writeConfig(t, tc.manifest))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestEnvRefs(t *testing.T) {
	refs := EnvRefs([]byte("a: ${B_TOKEN}\nb: ${A_KEY}\nc: ${B_TOKEN}\nd: $NOT_A_REF\n"))
	assert.Equal(t, []string{"A_KEY", "B_TOKEN"}, refs)
}
