package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// SwitchboardNotifier relays notify.v1 envelopes through Switchboard, which
// wraps them as route.v1 payloads for Messenger.
type SwitchboardNotifier struct {
	switchboardURL string
	caller         string
	http           *http.Client
}

// NewSwitchboardNotifier builds the relay. caller travels in X-Butler-Caller
// and must match the envelope's origin_butler.
func NewSwitchboardNotifier(switchboardURL, caller string) *SwitchboardNotifier {
	return &SwitchboardNotifier{
		switchboardURL: switchboardURL,
		caller:         caller,
		http:           &http.Client{Timeout: 30 * time.Second},
	}
}

// Notify implements Notifier.
func (n *SwitchboardNotifier) Notify(ctx context.Context, notify *envelope.Notify) (*envelope.NotifyResponse, error) {
	body, err := json.Marshal(notify)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notify envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.switchboardURL+"/api/v1/notify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Butler-Caller", n.caller)

	resp, err := n.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errclass.Wrap(errclass.Timeout, err, "notify relay deadline exceeded")
		}
		return nil, errclass.Wrap(errclass.TargetUnavailable, err, "switchboard unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errclass.Wrap(errclass.TargetUnavailable, err, "failed to read notify response")
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errclass.New(errclass.OverloadRejected, "notify relay rejected under load")
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, errclass.New(errclass.Timeout, "notify relay timed out")
	case resp.StatusCode >= 500:
		return nil, errclass.New(errclass.TargetUnavailable, "notify relay returned %d", resp.StatusCode)
	default:
		return nil, errclass.New(errclass.Validation, "notify relay returned %d: %s", resp.StatusCode, respBody)
	}

	var out envelope.NotifyResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, errclass.Wrap(errclass.Internal, err, "malformed notify response")
	}
	return &out, nil
}
