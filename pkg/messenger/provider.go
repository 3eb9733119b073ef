// Package messenger implements the outbound delivery plane: notify.v1
// validation, idempotency-keyed delivery records, layered admission control,
// retry with per-provider circuit breakers and a full delivery audit trail.
package messenger

import (
	"context"
	"fmt"
	"time"
)

// Outbound is a validated, target-resolved delivery ready for a channel
// provider. Message already carries the origin prefix.
type Outbound struct {
	Intent         string
	Target         string // channel-native recipient identifier
	ThreadIdentity string
	Message        string
	Subject        string
	Emoji          string
}

// Provider delivers one outbound effect on a single channel. Implementations
// classify their errors with errclass so the retry loop can tell transient
// throttles from terminal rejections.
type Provider interface {
	Channel() string
	Deliver(ctx context.Context, out *Outbound) (providerDeliveryID string, err error)
}

// RetryAfterError carries a provider-specified wait floor. The retry loop
// never re-attempts earlier than After.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("provider throttled, retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }
