package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/errclass"
)

func TestParseCLIOutput(t *testing.T) {
	out := []byte(`{
		"result": "watered the ferns",
		"num_turns": 4,
		"usage": {"input_tokens": 1200, "output_tokens": 340},
		"is_error": false
	}`)
	res, err := parseCLIOutput("claude_code", out)
	require.NoError(t, err)
	assert.Equal(t, "watered the ferns", res.Output)
	assert.Equal(t, 4, res.ToolCalls)
	assert.Equal(t, int64(1200), res.InputTokens)
	assert.Equal(t, int64(340), res.OutputTokens)
}

func TestParseCLIOutputError(t *testing.T) {
	out := []byte(`{"result": "", "is_error": true, "subtype": "error_max_turns"}`)
	_, err := parseCLIOutput("claude_code", out)
	require.Error(t, err)
	assert.Equal(t, errclass.Internal, errclass.ClassOf(err))
	assert.Contains(t, err.Error(), "error_max_turns")
}

func TestParseCLIOutputGarbage(t *testing.T) {
	_, err := parseCLIOutput("codex", []byte("not json at all"))
	require.Error(t, err)
	assert.Equal(t, errclass.Internal, errclass.ClassOf(err))
}

func TestCommandBuilders(t *testing.T) {
	inv := Invocation{Prompt: "check the post", Model: "claude-sonnet-4", SystemPrompt: "be brief"}

	bin, args := claudeCodeCommand(inv)
	assert.Equal(t, "claude", bin)
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "--append-system-prompt")

	bin, args = codexCommand(inv)
	assert.Equal(t, "codex", bin)
	assert.Equal(t, "exec", args[0])

	bin, _ = opencodeCommand(inv)
	assert.Equal(t, "opencode", bin)
}
