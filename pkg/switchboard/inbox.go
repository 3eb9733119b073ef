package switchboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/butlerhq/butlers/pkg/envelope"
)

// Lifecycle states of an inbox record. PROGRESS means accepted and being
// routed; PARSED means every subrequest reached a terminal success; ERRORED
// means at least one subrequest failed terminally.
const (
	LifecycleProgress = "PROGRESS"
	LifecycleParsed   = "PARSED"
	LifecycleErrored  = "ERRORED"
)

// InboxRecord is one accepted inbound message.
type InboxRecord struct {
	RequestContext envelope.RequestContext `json:"request_context"`
	DedupeKey      string                  `json:"dedupe_key"`
	NormalizedText string                  `json:"normalized_text"`
	LifecycleState string                  `json:"lifecycle_state"`
	ReceivedAt     time.Time               `json:"received_at"`
	Deduped        bool                    `json:"deduped"`
}

// Inbox persists inbound messages in the month-partitioned message_inbox.
type Inbox struct {
	pool *pgxpool.Pool
}

// NewInbox creates the inbox store.
func NewInbox(pool *pgxpool.Pool) *Inbox {
	return &Inbox{pool: pool}
}

// Accept records an ingest envelope, assigning a fresh UUIDv7 request id and
// building the immutable request context. A duplicate dedupe key returns the
// original record with Deduped set; nothing new is inserted.
func (i *Inbox) Accept(ctx context.Context, env *envelope.Ingest, dedupeKey string) (*InboxRecord, error) {
	requestID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}
	receivedAt := time.Now().UTC()

	rc := envelope.RequestContext{
		RequestID:              requestID.String(),
		ReceivedAt:             receivedAt,
		SourceChannel:          env.Source.Channel,
		SourceEndpointIdentity: env.Source.EndpointIdentity,
		SourceSenderIdentity:   env.Sender.Identity,
		SourceThreadIdentity:   env.Event.ExternalThreadID,
		TraceContext:           env.Control.TraceContext,
	}
	rcJSON, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request context: %w", err)
	}

	// The inbox itself is partitioned by received_at and cannot enforce key
	// uniqueness across partitions; message_dedupe does. Reserving the key
	// and inserting the record in one transaction keeps them consistent.
	tx, err := i.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin inbox transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO message_dedupe (dedupe_key, request_id, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		dedupeKey, requestID, receivedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve dedupe key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		original, err := i.getByDedupeKey(ctx, dedupeKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load original for duplicate %s: %w", dedupeKey, err)
		}
		original.Deduped = true
		return original, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO message_inbox (request_id, dedupe_key, request_context,
			raw_payload, normalized_text, lifecycle_state, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		requestID, dedupeKey, rcJSON, env.Payload.Raw, env.Payload.NormalizedText,
		LifecycleProgress, receivedAt); err != nil {
		return nil, fmt.Errorf("failed to insert inbox record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit inbox record: %w", err)
	}

	return &InboxRecord{
		RequestContext: rc,
		DedupeKey:      dedupeKey,
		NormalizedText: env.Payload.NormalizedText,
		LifecycleState: LifecycleProgress,
		ReceivedAt:     receivedAt,
	}, nil
}

func (i *Inbox) getByDedupeKey(ctx context.Context, dedupeKey string) (*InboxRecord, error) {
	return i.scanOne(i.pool.QueryRow(ctx, `
		SELECT m.request_context, m.dedupe_key, m.normalized_text, m.lifecycle_state, m.received_at
		FROM message_dedupe d
		JOIN message_inbox m ON m.request_id = d.request_id
		WHERE d.dedupe_key = $1`, dedupeKey))
}

// Get returns one inbox record by request id.
func (i *Inbox) Get(ctx context.Context, requestID string) (*InboxRecord, error) {
	rec, err := i.scanOne(i.pool.QueryRow(ctx, `
		SELECT request_context, dedupe_key, normalized_text, lifecycle_state, received_at
		FROM message_inbox WHERE request_id = $1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inbox record %s not found", requestID)
	}
	return rec, err
}

func (i *Inbox) scanOne(row pgx.Row) (*InboxRecord, error) {
	var rec InboxRecord
	var rcJSON []byte
	if err := row.Scan(&rcJSON, &rec.DedupeKey, &rec.NormalizedText,
		&rec.LifecycleState, &rec.ReceivedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rcJSON, &rec.RequestContext); err != nil {
		return nil, fmt.Errorf("failed to decode request context: %w", err)
	}
	return &rec, nil
}

// SetClassification stores the classifier's decomposition on the record.
func (i *Inbox) SetClassification(ctx context.Context, requestID string, decomposition any) error {
	data, err := json.Marshal(decomposition)
	if err != nil {
		return fmt.Errorf("failed to encode classification: %w", err)
	}
	if _, err := i.pool.Exec(ctx, `
		UPDATE message_inbox SET classification_result = $2 WHERE request_id = $1`,
		requestID, data); err != nil {
		return fmt.Errorf("failed to store classification: %w", err)
	}
	return nil
}

// Complete records the dispatch outcomes and the terminal lifecycle state.
func (i *Inbox) Complete(ctx context.Context, requestID string, outcomes any, summary, lifecycle string) error {
	data, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("failed to encode outcomes: %w", err)
	}
	if _, err := i.pool.Exec(ctx, `
		UPDATE message_inbox
		SET dispatch_outcomes = $2, response_summary = $3, lifecycle_state = $4,
			completed_at = now()
		WHERE request_id = $1`,
		requestID, data, summary, lifecycle); err != nil {
		return fmt.Errorf("failed to complete inbox record: %w", err)
	}
	return nil
}
