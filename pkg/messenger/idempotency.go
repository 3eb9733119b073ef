package messenger

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/butlerhq/butlers/pkg/envelope"
)

// IdempotencyKey derives the canonical delivery key for a notify request.
// Retries of the same logical delivery always hash to the same key; the
// unique index on delivery_requests.idempotency_key is the enforcement point.
func IdempotencyKey(n *envelope.Notify, resolvedTarget string) string {
	h := sha256.New()
	for _, part := range []string{
		requestKey(n),
		n.OriginButler,
		n.Delivery.Intent,
		n.Delivery.Channel,
		resolvedTarget,
		ContentHash(n),
		hashString(n.Delivery.Subject),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// requestKey prefers the request lineage id so replies and reacts tied to a
// routed request dedupe across origin-butler retries.
func requestKey(n *envelope.Notify) string {
	if n.RequestContext != nil && n.RequestContext.RequestID != "" {
		return n.RequestContext.RequestID
	}
	return ""
}

// ContentHash hashes the user-visible content of a delivery.
func ContentHash(n *envelope.Notify) string {
	h := sha256.New()
	h.Write([]byte(n.Delivery.Message))
	h.Write([]byte{0})
	h.Write([]byte(n.Delivery.Emoji))
	return hex.EncodeToString(h.Sum(nil))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
