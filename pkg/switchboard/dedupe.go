// Package switchboard implements the ingress orchestrator: it accepts
// canonical ingest envelopes from connectors, deduplicates and records them,
// classifies them into routed subrequests, fans out to target butlers and
// aggregates the responses.
package switchboard

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// dedupeWindow buckets content-hash keys in time: an identical message sent
// again in a later window is a new request, not a duplicate.
const dedupeWindow = 5 * time.Minute

// DedupeKey derives the channel-specific duplicate-suppression key for an
// ingest envelope. The key is stable across connector restarts and
// redeliveries of the same provider event.
func DedupeKey(env *envelope.Ingest) (string, error) {
	switch env.Source.Channel {
	case "telegram":
		// Telegram update ids are unique per bot identity.
		if env.Event.ExternalEventID == "" {
			return "", errclass.New(errclass.Validation, "telegram ingest requires external_event_id")
		}
		return fmt.Sprintf("telegram:%s:%s", env.Source.EndpointIdentity, env.Event.ExternalEventID), nil
	case "email":
		// Message-ID is globally unique; scope by mailbox anyway so a message
		// delivered to two monitored mailboxes stays two requests.
		if env.Event.ExternalEventID == "" {
			return "", errclass.New(errclass.Validation, "email ingest requires external_event_id (Message-ID)")
		}
		return fmt.Sprintf("email:%s:%s", env.Source.EndpointIdentity, env.Event.ExternalEventID), nil
	case "api":
		if key := env.Control.IdempotencyKey; key != "" {
			return fmt.Sprintf("api:%s:%s", env.Sender.Identity, key), nil
		}
		// No caller key: hash sender and content so exact retries collapse.
		return fmt.Sprintf("api:%s:%s", env.Sender.Identity, contentHash(env)), nil
	default:
		if env.Event.ExternalEventID != "" {
			return fmt.Sprintf("%s:%s:%s", env.Source.Channel, env.Source.EndpointIdentity, env.Event.ExternalEventID), nil
		}
		return fmt.Sprintf("%s:%s:%s", env.Source.Channel, env.Sender.Identity, contentHash(env)), nil
	}
}

func contentHash(env *envelope.Ingest) string {
	h := sha256.New()
	h.Write([]byte(env.Payload.NormalizedText))
	h.Write([]byte{0})
	h.Write([]byte(env.Event.ExternalThreadID))
	h.Write([]byte{0})
	var bucket [8]byte
	binary.BigEndian.PutUint64(bucket[:], uint64(env.Event.ObservedAt.UTC().Truncate(dedupeWindow).Unix()))
	h.Write(bucket[:])
	return hex.EncodeToString(h.Sum(nil))
}
