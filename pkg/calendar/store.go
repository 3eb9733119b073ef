// Package calendar keeps a butler-local event calendar. Events are plain
// rows the agent reads and writes through tools; there is no external
// calendar provider behind them.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned for unknown or canceled events.
var ErrNotFound = errors.New("calendar event not found")

// Event is one calendar entry.
type Event struct {
	EventID   uuid.UUID  `json:"event_id"`
	Title     string     `json:"title"`
	Details   string     `json:"details,omitempty"`
	Location  string     `json:"location,omitempty"`
	StartsAt  time.Time  `json:"starts_at"`
	EndsAt    *time.Time `json:"ends_at,omitempty"`
	AllDay    bool       `json:"all_day"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
}

// Store persists calendar events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a calendar store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Add creates an event.
func (s *Store) Add(ctx context.Context, e *Event) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate event id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO calendar_events (event_id, title, details, location, starts_at, ends_at, all_day, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, e.Title, e.Details, e.Location, e.StartsAt, e.EndsAt, e.AllDay, e.CreatedBy)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to add event: %w", err)
	}
	return id, nil
}

// Between returns non-canceled events starting inside [from, to), soonest
// first.
func (s *Store) Between(ctx context.Context, from, to time.Time, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, title, details, location, starts_at, ends_at, all_day, created_by, created_at
		FROM calendar_events
		WHERE NOT canceled AND starts_at >= $1 AND starts_at < $2
		ORDER BY starts_at, event_id
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.EventID, &e.Title, &e.Details, &e.Location,
			&e.StartsAt, &e.EndsAt, &e.AllDay, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Get returns one event.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_id, title, details, location, starts_at, ends_at, all_day, created_by, created_at
		FROM calendar_events WHERE event_id = $1 AND NOT canceled`, id)
	var e Event
	err := row.Scan(&e.EventID, &e.Title, &e.Details, &e.Location,
		&e.StartsAt, &e.EndsAt, &e.AllDay, &e.CreatedBy, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &e, nil
}

// Cancel marks an event canceled. Canceling twice is ErrNotFound.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calendar_events SET canceled = TRUE, updated_at = now()
		WHERE event_id = $1 AND NOT canceled`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
