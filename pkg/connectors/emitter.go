package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// Emitter submits normalized events to Switchboard's ingest boundary and
// reports connector liveness. It owns the resume cursor: the cursor advances
// only after Switchboard has accepted (or deduped) the event.
type Emitter struct {
	switchboardURL string
	connector      string
	channel        string
	endpoint       string
	cursor         *CursorFile
	http           *http.Client

	// Heartbeat counters are deltas since the previous heartbeat.
	accepted atomic.Int64
	deduped  atomic.Int64

	lastCursor atomic.Value // string
}

// NewEmitter wires an emitter for one (connector, endpoint) instance.
func NewEmitter(switchboardURL, connector, channel, endpoint string, cursor *CursorFile) *Emitter {
	e := &Emitter{
		switchboardURL: switchboardURL,
		connector:      connector,
		channel:        channel,
		endpoint:       endpoint,
		cursor:         cursor,
		http:           &http.Client{Timeout: 30 * time.Second},
	}
	e.lastCursor.Store("")
	return e
}

// ResumeCursor loads the persisted resume position.
func (e *Emitter) ResumeCursor() (string, error) {
	pos, err := e.cursor.Load()
	if err != nil {
		return "", err
	}
	e.lastCursor.Store(pos)
	return pos, nil
}

// Submit posts one ingest.v1 envelope. On acceptance (fresh or deduped) the
// cursor is persisted; any error leaves the cursor untouched so the event is
// redelivered after restart.
func (e *Emitter) Submit(ctx context.Context, env *envelope.Ingest, cursor string) (deduped bool, err error) {
	body, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("failed to encode ingest envelope: %w", err)
	}
	status, respBody, err := e.post(ctx, "/api/v1/ingest", body)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusAccepted:
		e.accepted.Add(1)
	case http.StatusOK:
		deduped = true
		e.deduped.Add(1)
	case http.StatusBadRequest:
		// A rejected envelope will never become acceptable: advance past it.
		err = errclass.New(errclass.Validation, "ingest rejected: %s", truncate(respBody))
	case http.StatusTooManyRequests:
		return false, errclass.New(errclass.OverloadRejected, "ingest shed under load")
	default:
		return false, errclass.New(errclass.TargetUnavailable, "ingest returned %d: %s", status, truncate(respBody))
	}

	if cursor != "" {
		if storeErr := e.cursor.Store(cursor); storeErr != nil {
			return deduped, storeErr
		}
		e.lastCursor.Store(cursor)
	}
	return deduped, err
}

// SendHeartbeat posts connector.heartbeat.v1 with counter deltas since the
// previous successful heartbeat. A failed post restores the deltas so they
// fold into the next one.
func (e *Emitter) SendHeartbeat(ctx context.Context) error {
	accepted := e.accepted.Swap(0)
	deduped := e.deduped.Swap(0)
	hb := envelope.Heartbeat{
		SchemaVersion:    envelope.SchemaHeartbeatV1,
		Connector:        e.connector,
		Channel:          e.channel,
		EndpointIdentity: e.endpoint,
		Cursor:           e.lastCursor.Load().(string),
		EventsAccepted:   accepted,
		EventsDeduped:    deduped,
		SentAt:           time.Now().UTC(),
	}
	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}
	status, respBody, err := e.post(ctx, "/api/v1/heartbeat", body)
	if err == nil && status != http.StatusOK {
		err = errclass.New(errclass.TargetUnavailable, "heartbeat returned %d: %s", status, truncate(respBody))
	}
	if err != nil {
		e.accepted.Add(accepted)
		e.deduped.Add(deduped)
		return err
	}
	return nil
}

func (e *Emitter) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.switchboardURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, errclass.Wrap(errclass.Timeout, err, "request deadline exceeded")
		}
		return 0, nil, errclass.Wrap(errclass.TargetUnavailable, err, "switchboard unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, nil, errclass.Wrap(errclass.TargetUnavailable, err, "failed to read response")
	}
	return resp.StatusCode, respBody, nil
}

func truncate(b []byte) string {
	const max = 300
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max])
}
