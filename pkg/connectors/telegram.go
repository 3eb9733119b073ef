package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/butlerhq/butlers/pkg/envelope"
)

// TelegramConfig configures one telegram long-poll connector instance.
type TelegramConfig struct {
	Token string
	// Endpoint identifies the bot account, e.g. "@housebot". Concurrent
	// instances must use distinct endpoints.
	Endpoint string
}

// TelegramConnector long-polls the Bot API and submits each message as an
// ingest.v1 envelope. The persisted cursor is the last accepted update id;
// redelivered updates at or below it are dropped locally, everything else is
// deduped by Switchboard.
type TelegramConnector struct {
	cfg     TelegramConfig
	emitter *Emitter
	resume  atomic.Int64
	logger  *slog.Logger
}

// NewTelegramConnector wires the connector. The emitter owns cursor
// persistence and heartbeat counters.
func NewTelegramConnector(cfg TelegramConfig, emitter *Emitter, logger *slog.Logger) *TelegramConnector {
	return &TelegramConnector{
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.With("connector", "telegram", "endpoint", cfg.Endpoint),
	}
}

// Name implements Connector.
func (t *TelegramConnector) Name() string { return "telegram" }

// Channel implements Connector.
func (t *TelegramConnector) Channel() string { return "telegram" }

// EndpointIdentity implements Connector.
func (t *TelegramConnector) EndpointIdentity() string { return t.cfg.Endpoint }

// Run long-polls until ctx ends.
func (t *TelegramConnector) Run(ctx context.Context) error {
	cursor, err := t.emitter.ResumeCursor()
	if err != nil {
		return err
	}
	if cursor != "" {
		pos, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse resume cursor %q: %w", cursor, err)
		}
		t.resume.Store(pos)
	}

	b, err := bot.New(t.cfg.Token, bot.WithDefaultHandler(t.handleUpdate))
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}

	t.logger.Info("telegram connector polling", "resume_after", t.resume.Load())
	b.Start(ctx)
	return ctx.Err()
}

func (t *TelegramConnector) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	// The provider replays updates at-least-once; the cursor is the
	// acceptance floor.
	if update.ID <= t.resume.Load() {
		return
	}

	env, err := telegramIngest(t.cfg.Endpoint, update)
	if err != nil {
		t.logger.Warn("skipping unmappable update", "update_id", update.ID, "error", err)
		return
	}
	cursor := strconv.FormatInt(update.ID, 10)
	deduped, err := t.emitter.Submit(ctx, env, cursor)
	if err != nil {
		t.logger.Error("ingest submission failed", "update_id", update.ID, "error", err)
		return
	}
	t.resume.Store(update.ID)
	if deduped {
		t.logger.Debug("update deduped by switchboard", "update_id", update.ID)
	}
}

// telegramIngest normalizes one Bot API update into ingest.v1.
func telegramIngest(endpoint string, update *models.Update) (*envelope.Ingest, error) {
	msg := update.Message
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return nil, fmt.Errorf("update %d carries no text", update.ID)
	}

	sender := fmt.Sprintf("chat:%d", msg.Chat.ID)
	if msg.From != nil {
		sender = fmt.Sprintf("user:%d", msg.From.ID)
	}
	raw, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw update: %w", err)
	}

	return &envelope.Ingest{
		SchemaVersion: envelope.SchemaIngestV1,
		Source: envelope.IngestSource{
			Channel:          "telegram",
			Provider:         "telegram_bot_api",
			EndpointIdentity: endpoint,
		},
		Event: envelope.IngestEvent{
			ExternalEventID:  strconv.FormatInt(update.ID, 10),
			ExternalThreadID: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.ID),
			ObservedAt:       time.Unix(int64(msg.Date), 0).UTC(),
		},
		Sender:  envelope.IngestSender{Identity: sender},
		Payload: envelope.IngestPayload{Raw: string(raw), NormalizedText: text},
	}, nil
}
