package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Delivery statuses.
const (
	StatusInFlight          = "in_flight"
	StatusSucceeded         = "succeeded"
	StatusFailedRetryable   = "failed_retryable"
	StatusFailedTerminal    = "failed_terminal"
	StatusDeadLettered      = "dead_lettered"
	StatusPendingIdentifier = "pending_missing_identifier"
)

// DeliveryRecord is one row of the canonical delivery audit.
type DeliveryRecord struct {
	DeliveryID         uuid.UUID
	IdempotencyKey     string
	OriginButler       string
	Channel            string
	Intent             string
	ResolvedTarget     string
	ContentHash        string
	Status             string
	ProviderDeliveryID string
	ErrorClass         string
	ErrorMessage       string
	RequestID          string
	ThreadIdentity     string
	CreatedAt          time.Time
	TerminalAt         *time.Time
}

// Store persists delivery requests, attempts, receipts and the dead letter
// queue in the Messenger schema.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates the delivery store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Claim inserts an in-flight delivery row for the key. When the key already
// exists the original row comes back with claimed=false; the unique index on
// idempotency_key makes the claim race-free across processes.
func (s *Store) Claim(ctx context.Context, rec *DeliveryRecord) (*DeliveryRecord, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_requests (delivery_id, idempotency_key, origin_butler,
			channel, intent, resolved_target, content_hash, status, request_id, thread_identity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, '')::uuid, NULLIF($10, ''))
		ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.DeliveryID, rec.IdempotencyKey, rec.OriginButler, rec.Channel, rec.Intent,
		rec.ResolvedTarget, rec.ContentHash, rec.Status, rec.RequestID, rec.ThreadIdentity)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim delivery: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}
	existing, err := s.GetByKey(ctx, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByKey loads one delivery by idempotency key.
func (s *Store) GetByKey(ctx context.Context, key string) (*DeliveryRecord, error) {
	return s.scanOne(s.pool.QueryRow(ctx, selectDelivery+` WHERE idempotency_key = $1`, key))
}

// Get loads one delivery by id.
func (s *Store) Get(ctx context.Context, deliveryID uuid.UUID) (*DeliveryRecord, error) {
	return s.scanOne(s.pool.QueryRow(ctx, selectDelivery+` WHERE delivery_id = $1`, deliveryID))
}

const selectDelivery = `
	SELECT delivery_id, idempotency_key, origin_butler, channel, intent,
		resolved_target, content_hash, status,
		COALESCE(provider_delivery_id, ''), COALESCE(error_class, ''),
		COALESCE(error_message, ''), COALESCE(request_id::text, ''),
		COALESCE(thread_identity, ''), created_at, terminal_at
	FROM delivery_requests`

func (s *Store) scanOne(row pgx.Row) (*DeliveryRecord, error) {
	var rec DeliveryRecord
	err := row.Scan(&rec.DeliveryID, &rec.IdempotencyKey, &rec.OriginButler,
		&rec.Channel, &rec.Intent, &rec.ResolvedTarget, &rec.ContentHash,
		&rec.Status, &rec.ProviderDeliveryID, &rec.ErrorClass, &rec.ErrorMessage,
		&rec.RequestID, &rec.ThreadIdentity, &rec.CreatedAt, &rec.TerminalAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}
	return &rec, nil
}

// MarkSucceeded finalizes a delivery with the provider's id.
func (s *Store) MarkSucceeded(ctx context.Context, deliveryID uuid.UUID, providerDeliveryID string) error {
	return s.finalize(ctx, deliveryID, StatusSucceeded, providerDeliveryID, "", "")
}

// MarkFailed finalizes a delivery in a failure state.
func (s *Store) MarkFailed(ctx context.Context, deliveryID uuid.UUID, status, errorClass, errorMessage string) error {
	return s.finalize(ctx, deliveryID, status, "", errorClass, errorMessage)
}

// MarkParked parks a delivery that has no resolvable identifier. Parked rows
// carry no terminal timestamp; a later contact update can replay them.
func (s *Store) MarkParked(ctx context.Context, deliveryID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_requests SET status = $2 WHERE delivery_id = $1`,
		deliveryID, StatusPendingIdentifier)
	if err != nil {
		return fmt.Errorf("failed to park delivery: %w", err)
	}
	return nil
}

func (s *Store) finalize(ctx context.Context, deliveryID uuid.UUID, status, providerDeliveryID, errorClass, errorMessage string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_requests
		SET status = $2,
			provider_delivery_id = NULLIF($3, ''),
			error_class = NULLIF($4, ''),
			error_message = NULLIF($5, ''),
			terminal_at = now()
		WHERE delivery_id = $1 AND terminal_at IS NULL`,
		deliveryID, status, providerDeliveryID, errorClass, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finalize delivery: %w", err)
	}
	return nil
}

// Reopen re-arms a delivery that ended in a retryable failure so a duplicate
// request can re-execute under the same key. Returns false when the row is
// not in a reopenable state, meaning another process already owns it.
func (s *Store) Reopen(ctx context.Context, deliveryID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_requests
		SET status = $2, terminal_at = NULL, error_class = NULL, error_message = NULL
		WHERE delivery_id = $1 AND status = $3`,
		deliveryID, StatusInFlight, StatusFailedRetryable)
	if err != nil {
		return false, fmt.Errorf("failed to reopen delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordAttempt appends one provider attempt to the audit trail.
func (s *Store) RecordAttempt(ctx context.Context, deliveryID uuid.UUID, attempt int,
	outcome, errorClass string, retryable bool, latency time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (delivery_id, attempt, outcome, error_class, retryable, latency_ms)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		deliveryID, attempt, outcome, errorClass, retryable, latency.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// RecordReceipt stores a provider webhook receipt against a delivery.
func (s *Store) RecordReceipt(ctx context.Context, providerDeliveryID, receiptType string, payload json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_receipts (delivery_id, provider_delivery_id, receipt_type, payload)
		SELECT delivery_id, $1, $2, $3 FROM delivery_requests WHERE provider_delivery_id = $1`,
		providerDeliveryID, receiptType, payload)
	if err != nil {
		return fmt.Errorf("failed to record receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no delivery matches provider id %q", providerDeliveryID)
	}
	return nil
}

// DeadLetter quarantines an exhausted delivery with its replayable payload.
func (s *Store) DeadLetter(ctx context.Context, deliveryID uuid.UUID, key, reason string,
	attempts int, payload json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_dead_letter (delivery_id, idempotency_key, reason, attempts, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		deliveryID, key, reason, attempts, payload)
	if err != nil {
		return fmt.Errorf("failed to dead-letter delivery: %w", err)
	}
	return s.finalize(ctx, deliveryID, StatusDeadLettered, "", "", reason)
}
