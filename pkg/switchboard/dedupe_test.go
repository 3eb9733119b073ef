package switchboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/envelope"
)

func telegramIngest(botIdentity, updateID string) *envelope.Ingest {
	return &envelope.Ingest{
		SchemaVersion: envelope.SchemaIngestV1,
		Source: envelope.IngestSource{
			Channel: "telegram", Provider: "telegram", EndpointIdentity: botIdentity,
		},
		Event:   envelope.IngestEvent{ExternalEventID: updateID},
		Sender:  envelope.IngestSender{Identity: "user:42"},
		Payload: envelope.IngestPayload{NormalizedText: "hello"},
	}
}

func TestDedupeKeyTelegram(t *testing.T) {
	key, err := DedupeKey(telegramIngest("bot_a", "1001"))
	require.NoError(t, err)
	assert.Equal(t, "telegram:bot_a:1001", key)

	// Same update id on a different bot is a different message.
	other, err := DedupeKey(telegramIngest("bot_b", "1001"))
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestDedupeKeyTelegramMissingEventID(t *testing.T) {
	env := telegramIngest("bot_a", "")
	_, err := DedupeKey(env)
	assert.Error(t, err)
}

func TestDedupeKeyEmail(t *testing.T) {
	env := &envelope.Ingest{
		Source: envelope.IngestSource{Channel: "email", EndpointIdentity: "butler@example.com"},
		Event:  envelope.IngestEvent{ExternalEventID: "<msg-1@mail.example.com>"},
	}
	key, err := DedupeKey(env)
	require.NoError(t, err)
	assert.Equal(t, "email:butler@example.com:<msg-1@mail.example.com>", key)
}

func TestDedupeKeyAPIWithIdempotencyKey(t *testing.T) {
	env := &envelope.Ingest{
		Source:  envelope.IngestSource{Channel: "api"},
		Sender:  envelope.IngestSender{Identity: "cli"},
		Control: envelope.IngestControl{IdempotencyKey: "req-77"},
	}
	key, err := DedupeKey(env)
	require.NoError(t, err)
	assert.Equal(t, "api:cli:req-77", key)
}

func TestDedupeKeyAPIContentHash(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	mk := func(text string, observed time.Time) *envelope.Ingest {
		return &envelope.Ingest{
			Source:  envelope.IngestSource{Channel: "api"},
			Sender:  envelope.IngestSender{Identity: "cli"},
			Event:   envelope.IngestEvent{ObservedAt: observed},
			Payload: envelope.IngestPayload{NormalizedText: text},
		}
	}
	k1, err := DedupeKey(mk("water the ferns", at))
	require.NoError(t, err)
	k2, err := DedupeKey(mk("water the ferns", at))
	require.NoError(t, err)
	k3, err := DedupeKey(mk("prune the roses", at))
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestDedupeKeyAPIContentHashTimeWindow(t *testing.T) {
	mk := func(observed time.Time) *envelope.Ingest {
		return &envelope.Ingest{
			Source:  envelope.IngestSource{Channel: "api"},
			Sender:  envelope.IngestSender{Identity: "cli"},
			Event:   envelope.IngestEvent{ObservedAt: observed},
			Payload: envelope.IngestPayload{NormalizedText: "water the ferns"},
		}
	}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Same window: a retry collapses onto the original.
	k1, err := DedupeKey(mk(base.Add(10 * time.Second)))
	require.NoError(t, err)
	k2, err := DedupeKey(mk(base.Add(2 * time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	// Later window: the same text is a fresh request.
	k3, err := DedupeKey(mk(base.Add(time.Hour)))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}
