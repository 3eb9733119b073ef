package spawner

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/runtime"
	"github.com/butlerhq/butlers/pkg/sessions"
)

func testManifest() *config.Manifest {
	return &config.Manifest{
		Butler:      config.ButlerConfig{Name: "gardener"},
		Runtime:     config.RuntimeConfig{Type: "claude_code", Model: "claude-sonnet-4", MaxConcurrentSessions: 2},
		Env:         config.EnvConfig{Required: []string{"GARDENER_API_KEY"}, Optional: []string{"WEATHER_TOKEN"}},
		Personality: "You are the gardener butler.",
	}
}

type fakeRecorder struct {
	created   []*sessions.Session
	completed []sessions.Outcome
}

func (r *fakeRecorder) Create(_ context.Context, sess *sessions.Session) (uuid.UUID, error) {
	r.created = append(r.created, sess)
	return uuid.New(), nil
}

func (r *fakeRecorder) Complete(_ context.Context, _ uuid.UUID, out sessions.Outcome) error {
	r.completed = append(r.completed, out)
	return nil
}

type fakeAdapter struct {
	output string
	err    error
}

func (fakeAdapter) Name() string { return "fake" }

func (a fakeAdapter) Invoke(context.Context, runtime.Invocation) (*runtime.Result, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &runtime.Result{Output: a.output}, nil
}

func TestEnvSnapshotOnlyDeclared(t *testing.T) {
	t.Setenv("GARDENER_API_KEY", "abc")
	t.Setenv("WEATHER_TOKEN", "xyz")
	t.Setenv("UNDECLARED_SECRET", "leak")

	s := New(testManifest(), nil, nil, nil, slog.Default())
	env := s.envSnapshot()

	assert.Contains(t, env, "GARDENER_API_KEY=abc")
	assert.Contains(t, env, "WEATHER_TOKEN=xyz")
	for _, kv := range env {
		assert.NotContains(t, kv, "UNDECLARED_SECRET")
	}
}

func TestEnvSnapshotSkipsUnset(t *testing.T) {
	m := testManifest()
	m.Env.Optional = []string{"NEVER_SET_VAR_12345"}
	s := New(m, nil, nil, nil, slog.Default())
	for _, kv := range s.envSnapshot() {
		assert.NotContains(t, kv, "NEVER_SET_VAR_12345")
	}
}

func TestComposeSystemPromptWithoutMemory(t *testing.T) {
	s := New(testManifest(), nil, nil, nil, slog.Default())
	got := s.composeSystemPrompt(context.Background(), "water the ferns")
	assert.Equal(t, "You are the gardener butler.", got)
}

type failingDigester struct{}

func (failingDigester) Digest(context.Context, string) (string, error) {
	return "", assert.AnError
}

func (failingDigester) RecordEpisode(context.Context, string, string, uuid.UUID) error {
	return assert.AnError
}

func TestComposeSystemPromptMemoryFailOpen(t *testing.T) {
	s := New(testManifest(), nil, nil, failingDigester{}, slog.Default())
	got := s.composeSystemPrompt(context.Background(), "water the ferns")
	assert.Equal(t, "You are the gardener butler.", got)
}

type fixedDigester struct {
	digest   string
	episodes []string
}

func (d *fixedDigester) Digest(context.Context, string) (string, error) {
	return d.digest, nil
}

func (d *fixedDigester) RecordEpisode(_ context.Context, prompt, result string, _ uuid.UUID) error {
	d.episodes = append(d.episodes, prompt+" => "+result)
	return nil
}

func TestComposeSystemPromptWithMemory(t *testing.T) {
	s := New(testManifest(), nil, nil, &fixedDigester{digest: "The ferns like morning water."}, slog.Default())
	got := s.composeSystemPrompt(context.Background(), "water the ferns")
	assert.Contains(t, got, "You are the gardener butler.")
	assert.Contains(t, got, "## Relevant memory")
	assert.Contains(t, got, "The ferns like morning water.")
}

func TestRunScheduledTriggerSource(t *testing.T) {
	rec := &fakeRecorder{}
	s := New(testManifest(), fakeAdapter{output: "done"}, rec, nil, slog.Default())

	result, err := s.RunScheduled(context.Background(), "morning_watering", "water the ferns")
	require.NoError(t, err)
	assert.Equal(t, "done", result)

	require.Len(t, rec.created, 1)
	assert.Equal(t, "schedule:morning_watering", rec.created[0].TriggerSource)
}

func TestSpawnRecordsEpisode(t *testing.T) {
	rec := &fakeRecorder{}
	mem := &fixedDigester{}
	s := New(testManifest(), fakeAdapter{output: "ferns watered"}, rec, mem, slog.Default())

	_, result, err := s.Spawn(context.Background(), Trigger{Source: "trigger"}, "water the ferns")
	require.NoError(t, err)
	assert.Equal(t, "ferns watered", result)

	require.Len(t, mem.episodes, 1)
	assert.Equal(t, "water the ferns => ferns watered", mem.episodes[0])
}

func TestSpawnEpisodeWriteFailOpen(t *testing.T) {
	rec := &fakeRecorder{}
	s := New(testManifest(), fakeAdapter{output: "done"}, rec, failingDigester{}, slog.Default())

	_, result, err := s.Spawn(context.Background(), Trigger{Source: "trigger"}, "water the ferns")
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	require.Len(t, rec.completed, 1)
	assert.True(t, rec.completed[0].Success)
}

func TestSpawnSkipsEpisodeOnFailure(t *testing.T) {
	rec := &fakeRecorder{}
	mem := &fixedDigester{}
	s := New(testManifest(), fakeAdapter{err: assert.AnError}, rec, mem, slog.Default())

	_, _, err := s.Spawn(context.Background(), Trigger{Source: "external"}, "water the ferns")
	require.Error(t, err)
	assert.Empty(t, mem.episodes)
}
