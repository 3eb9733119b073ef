// Package state implements the key/value state store backed by the butler's
// own schema. Values are JSON documents; keys are dot-separated paths by
// convention but the store treats them as opaque strings.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/butlerhq/butlers/pkg/errclass"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("state key not found")

// Entry is one stored key with its JSON value.
type Entry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Store reads and writes butler state.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a state store on the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var value json.RawMessage
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, creating or replacing it.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return errclass.New(errclass.Validation, "value for %s is not valid JSON", key)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO state (key, value, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", key, err)
	}
	return nil
}

// List returns all entries whose key starts with prefix, ordered by key.
// An empty prefix lists everything.
func (s *Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value FROM state
		WHERE key LIKE $1 || '%'
		ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func validateKey(key string) error {
	if key == "" {
		return errclass.New(errclass.Validation, "state key must not be empty")
	}
	if strings.ContainsAny(key, " \t\n") {
		return errclass.New(errclass.Validation, "state key must not contain whitespace: %q", key)
	}
	return nil
}
