// Package runtime abstracts the ephemeral agent runtimes a butler can spawn.
// Subprocess adapters shell out to an agent CLI (claude_code, codex,
// opencode); the anthropic adapter calls the Messages API directly for
// butlers that need a single completion rather than a tool-using session.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/butlerhq/butlers/pkg/config"
)

// Invocation is one agent session request.
type Invocation struct {
	Prompt       string
	SystemPrompt string
	Model        string
	// Env is the credential snapshot for the child process, KEY=VALUE form.
	// Only the manifest-declared variables ever appear here.
	Env     []string
	WorkDir string
	Timeout time.Duration
}

// Result is the terminal outcome of an invocation.
type Result struct {
	Output       string
	ToolCalls    int
	InputTokens  int64
	OutputTokens int64
}

// Adapter runs agent sessions on one runtime.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// New builds the adapter selected by the manifest runtime block.
func New(cfg config.RuntimeConfig, logger *slog.Logger) (Adapter, error) {
	switch cfg.Type {
	case "claude_code":
		return newSubprocess("claude_code", claudeCodeCommand, logger), nil
	case "codex":
		return newSubprocess("codex", codexCommand, logger), nil
	case "opencode":
		return newSubprocess("opencode", opencodeCommand, logger), nil
	case "anthropic":
		return newAnthropic(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown runtime type %q", cfg.Type)
	}
}
