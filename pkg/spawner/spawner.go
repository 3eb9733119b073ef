// Package spawner turns trigger events into recorded agent sessions. It owns
// the concurrency gate: at most max_concurrent_sessions run at once, and a
// full gate rejects immediately with overload_rejected rather than queueing.
package spawner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/runtime"
	"github.com/butlerhq/butlers/pkg/sessions"
)

// MemoryDigester supplies a memory digest for the session system prompt and
// records completed sessions as episodes. Both directions are fail-open: the
// session runs without memory, and an episode write failure never fails the
// session that produced it.
type MemoryDigester interface {
	Digest(ctx context.Context, prompt string) (string, error)
	RecordEpisode(ctx context.Context, prompt, result string, sessionID uuid.UUID) error
}

// SessionRecorder persists session lifecycle records.
type SessionRecorder interface {
	Create(ctx context.Context, sess *sessions.Session) (uuid.UUID, error)
	Complete(ctx context.Context, id uuid.UUID, out sessions.Outcome) error
}

// Trigger describes what caused a session.
type Trigger struct {
	Source       string // tick | schedule:<name> | trigger | external
	RequestID    string
	SubrequestID string
	SegmentID    string
	TraceID      string
}

// Spawner runs agent sessions through the configured runtime adapter.
type Spawner struct {
	manifest *config.Manifest
	adapter  runtime.Adapter
	store    SessionRecorder
	memory   MemoryDigester // nil when the memory module is disabled
	slots    chan struct{}
	logger   *slog.Logger
}

// New wires a spawner. memory may be nil.
func New(manifest *config.Manifest, adapter runtime.Adapter, store SessionRecorder,
	memory MemoryDigester, logger *slog.Logger) *Spawner {
	max := manifest.Runtime.MaxConcurrentSessions
	if max <= 0 {
		max = 1
	}
	return &Spawner{
		manifest: manifest,
		adapter:  adapter,
		store:    store,
		memory:   memory,
		slots:    make(chan struct{}, max),
		logger:   logger.With("component", "spawner"),
	}
}

// Spawn runs one agent session to completion and returns its result text.
// The returned session id identifies the recorded session even on failure.
func (s *Spawner) Spawn(ctx context.Context, trigger Trigger, prompt string) (uuid.UUID, string, error) {
	started := time.Now()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		return uuid.Nil, "", errclass.New(errclass.OverloadRejected,
			"session limit reached (%d concurrent)", cap(s.slots))
	}

	sess := &sessions.Session{
		TriggerSource: trigger.Source,
		Prompt:        prompt,
		Model:         s.manifest.Runtime.Model,
		RequestID:     trigger.RequestID,
		SubrequestID:  trigger.SubrequestID,
		SegmentID:     trigger.SegmentID,
		TraceID:       trigger.TraceID,
	}
	id, err := s.store.Create(ctx, sess)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to open session: %w", err)
	}
	log := s.logger.With("session_id", id, "trigger", trigger.Source)
	log.Info("session started")

	result, invokeErr := s.adapter.Invoke(ctx, runtime.Invocation{
		Prompt:       prompt,
		SystemPrompt: s.composeSystemPrompt(ctx, prompt),
		Model:        s.manifest.Runtime.Model,
		Env:          s.envSnapshot(),
		WorkDir:      s.manifest.ConfigDir,
		Timeout:      s.manifest.Runtime.SessionTimeoutDuration(),
	})

	out := sessions.Outcome{DurationMS: time.Since(started).Milliseconds()}
	var resultText string
	if invokeErr != nil {
		out.Success = false
		out.Error = invokeErr.Error()
		log.Error("session failed", "error", invokeErr, "duration", time.Since(started))
	} else {
		out.Success = true
		out.Result = result.Output
		out.ToolCalls = result.ToolCalls
		out.InputTokens = result.InputTokens
		out.OutputTokens = result.OutputTokens
		resultText = result.Output
		log.Info("session completed",
			"tool_calls", result.ToolCalls,
			"input_tokens", result.InputTokens,
			"output_tokens", result.OutputTokens,
			"duration", time.Since(started))
	}

	// Record the terminal state even if the trigger's context is gone.
	completeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Complete(completeCtx, id, out); err != nil {
		log.Error("failed to record session outcome", "error", err)
	}

	if invokeErr == nil && s.memory != nil {
		if err := s.memory.RecordEpisode(completeCtx, prompt, resultText, id); err != nil {
			log.Warn("failed to record session episode", "error", err)
		}
	}

	return id, resultText, invokeErr
}

// RunScheduled adapts the spawner to the schedule tick engine.
func (s *Spawner) RunScheduled(ctx context.Context, taskName, prompt string) (string, error) {
	_, result, err := s.Spawn(ctx, Trigger{Source: "schedule:" + taskName}, prompt)
	return result, err
}

// composeSystemPrompt layers the personality document and the memory digest.
// Memory failure never blocks a session.
func (s *Spawner) composeSystemPrompt(ctx context.Context, prompt string) string {
	var parts []string
	if p := strings.TrimSpace(s.manifest.Personality); p != "" {
		parts = append(parts, p)
	}
	if s.memory != nil {
		digest, err := s.memory.Digest(ctx, prompt)
		if err != nil {
			s.logger.Warn("memory digest unavailable, continuing without it", "error", err)
		} else if digest != "" {
			parts = append(parts, "## Relevant memory\n\n"+digest)
		}
	}
	return strings.Join(parts, "\n\n")
}

// envSnapshot builds the child environment from the manifest's declared
// variables only. Undeclared parent variables never leak into a session.
func (s *Spawner) envSnapshot() []string {
	declared := s.manifest.DeclaredEnv()
	env := make([]string, 0, len(declared)+2)
	for _, name := range declared {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	// Minimal process plumbing the agent CLIs need.
	for _, name := range []string{"PATH", "HOME"} {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}
