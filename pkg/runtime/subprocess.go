package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/butlerhq/butlers/pkg/errclass"
)

// commandBuilder maps an invocation onto a CLI argv.
type commandBuilder func(inv Invocation) (bin string, args []string)

func claudeCodeCommand(inv Invocation) (string, []string) {
	args := []string{"-p", inv.Prompt, "--output-format", "json"}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", inv.SystemPrompt)
	}
	return "claude", args
}

func codexCommand(inv Invocation) (string, []string) {
	args := []string{"exec", "--json", inv.Prompt}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	return "codex", args
}

func opencodeCommand(inv Invocation) (string, []string) {
	args := []string{"run", "--print-logs", "--format", "json", inv.Prompt}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	return "opencode", args
}

// cliResult is the JSON shape the agent CLIs print on completion. Fields the
// CLI omits stay zero; the session record tolerates that.
type cliResult struct {
	Result   string `json:"result"`
	NumTurns int    `json:"num_turns"`
	Usage    struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	IsError bool   `json:"is_error"`
	Subtype string `json:"subtype"`
}

type subprocessAdapter struct {
	name    string
	build   commandBuilder
	logger  *slog.Logger
	timeout time.Duration
}

func newSubprocess(name string, build commandBuilder, logger *slog.Logger) *subprocessAdapter {
	return &subprocessAdapter{
		name:   name,
		build:  build,
		logger: logger.With("runtime", name),
	}
}

func (a *subprocessAdapter) Name() string { return a.name }

// Invoke runs one agent session as a child process. The child sees only the
// env snapshot in the invocation, never the parent environment.
func (a *subprocessAdapter) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	bin, args := a.build(inv)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = inv.Env
	cmd.Dir = inv.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, errclass.Wrap(errclass.Timeout, ctx.Err(),
			fmt.Sprintf("%s session exceeded %s", a.name, inv.Timeout))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			a.logger.Error("agent process failed",
				"exit_code", exitErr.ExitCode(),
				"stderr", truncateOutput(stderr.String(), 2000),
				"duration", time.Since(started))
			return nil, errclass.Wrap(errclass.Internal, err,
				fmt.Sprintf("%s exited %d", a.name, exitErr.ExitCode()))
		}
		// Binary missing or not executable.
		return nil, errclass.Wrap(errclass.TargetUnavailable, err,
			fmt.Sprintf("failed to start %s", a.name))
	}

	return parseCLIOutput(a.name, stdout.Bytes())
}

func parseCLIOutput(name string, out []byte) (*Result, error) {
	var parsed cliResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &parsed); err != nil {
		return nil, errclass.Wrap(errclass.Internal, err,
			fmt.Sprintf("failed to parse %s output", name))
	}
	if parsed.IsError {
		return nil, errclass.New(errclass.Internal, "%s reported error: %s",
			name, firstNonEmpty(parsed.Result, parsed.Subtype))
	}
	return &Result{
		Output:       parsed.Result,
		ToolCalls:    parsed.NumTurns,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
