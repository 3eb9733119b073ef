package messenger

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"github.com/butlerhq/butlers/pkg/errclass"
)

// telegramSendRPS stays under Telegram's ~30 msg/s global cap.
const telegramSendRPS = 25

// TelegramProvider delivers sends, replies and reactions through the Bot API.
type TelegramProvider struct {
	api     telegramAPI
	limiter *rate.Limiter
}

// telegramAPI is the slice of bot.Bot the provider uses; tests inject fakes.
type telegramAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SetMessageReaction(ctx context.Context, params *bot.SetMessageReactionParams) (bool, error)
}

// NewTelegramProvider creates the provider from a bot token.
func NewTelegramProvider(token string) (*TelegramProvider, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramProvider{
		api:     b,
		limiter: rate.NewLimiter(telegramSendRPS, telegramSendRPS),
	}, nil
}

// Channel implements Provider.
func (p *TelegramProvider) Channel() string { return "telegram" }

// Deliver implements Provider.
func (p *TelegramProvider) Deliver(ctx context.Context, out *Outbound) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", errclass.Wrap(errclass.Timeout, err, "rate limit wait cancelled")
	}
	switch out.Intent {
	case "react":
		return p.react(ctx, out)
	default:
		return p.send(ctx, out)
	}
}

func (p *TelegramProvider) send(ctx context.Context, out *Outbound) (string, error) {
	var chatID int64
	var replyTo int
	// Replies address the origin thread; fresh sends address the resolved
	// contact identifier.
	if out.ThreadIdentity != "" {
		if c, m, err := parseTelegramThread(out.ThreadIdentity); err == nil {
			chatID, replyTo = c, m
		}
	}
	if chatID == 0 {
		parsed, err := strconv.ParseInt(out.Target, 10, 64)
		if err != nil {
			return "", errclass.New(errclass.Validation, "telegram target %q is not a chat id", out.Target)
		}
		chatID = parsed
	}
	params := &bot.SendMessageParams{ChatID: chatID, Text: out.Message}
	if out.Intent == "reply" && replyTo != 0 {
		params.ReplyParameters = &models.ReplyParameters{MessageID: replyTo}
	}
	sent, err := p.api.SendMessage(ctx, params)
	if err != nil {
		return "", classifyTelegramError(err)
	}
	return strconv.Itoa(sent.ID), nil
}

func (p *TelegramProvider) react(ctx context.Context, out *Outbound) (string, error) {
	chatID, messageID, err := parseTelegramThread(out.ThreadIdentity)
	if err != nil {
		return "", err
	}
	_, err = p.api.SetMessageReaction(ctx, &bot.SetMessageReactionParams{
		ChatID:    chatID,
		MessageID: messageID,
		Reaction: []models.ReactionType{{
			Type:              models.ReactionTypeTypeEmoji,
			ReactionTypeEmoji: &models.ReactionTypeEmoji{Type: "emoji", Emoji: out.Emoji},
		}},
	})
	if err != nil {
		return "", classifyTelegramError(err)
	}
	return fmt.Sprintf("react:%d:%d", chatID, messageID), nil
}

// parseTelegramThread splits a "chat_id:message_id" thread identity.
func parseTelegramThread(thread string) (int64, int, error) {
	chat, msg, ok := strings.Cut(thread, ":")
	if !ok {
		return 0, 0, errclass.New(errclass.Validation, "telegram thread identity %q is not chat_id:message_id", thread)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, errclass.New(errclass.Validation, "invalid telegram chat id %q", chat)
	}
	messageID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, errclass.New(errclass.Validation, "invalid telegram message id %q", msg)
	}
	return chatID, messageID, nil
}

var telegramRetryAfterPattern = regexp.MustCompile(`retry.?after[^0-9]*([0-9]+)`)

// classifyTelegramError maps Bot API failures onto the executor error
// classes. A 429 carries the provider's retry_after as a wait floor.
func classifyTelegramError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") {
		wrapped := errclass.Wrap(errclass.TargetUnavailable, err, "telegram throttled")
		if m := telegramRetryAfterPattern.FindStringSubmatch(msg); m != nil {
			if secs, perr := strconv.Atoi(m[1]); perr == nil {
				return &RetryAfterError{After: time.Duration(secs) * time.Second, Err: wrapped}
			}
		}
		return wrapped
	}
	if strings.Contains(msg, "bad request") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "not found") {
		return errclass.Wrap(errclass.Validation, err, "telegram rejected the request")
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return errclass.Wrap(errclass.Timeout, err, "telegram call timed out")
	}
	return errclass.Wrap(errclass.TargetUnavailable, err, "telegram call failed")
}
