package runtime

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/errclass"
)

const defaultMaxTokens = 8192

// anthropicAdapter runs single-completion sessions against the Messages API.
// It has no tool loop; butlers that need tools use a subprocess runtime.
type anthropicAdapter struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

func newAnthropic(cfg config.RuntimeConfig, logger *slog.Logger) (*anthropicAdapter, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errclass.New(errclass.Validation, "ANTHROPIC_API_KEY is required for the anthropic runtime")
	}
	return &anthropicAdapter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  cfg.Model,
		logger: logger.With("runtime", "anthropic"),
	}, nil
}

func (a *anthropicAdapter) Name() string { return "anthropic" }

func (a *anthropicAdapter) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	model := inv.Model
	if model == "" {
		model = a.model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(inv.Prompt)),
		},
	}
	if inv.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: inv.SystemPrompt}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errclass.Wrap(errclass.Timeout, err, "messages request timed out")
		}
		return nil, errclass.Wrap(errclass.TargetUnavailable, err, "messages request failed")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Result{
		Output:       text.String(),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}
