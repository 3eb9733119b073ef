// Package contacts manages the butler's address book: people and their
// per-channel identifiers. Messenger resolves delivery targets against the
// same tables.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a contact does not exist or is deleted.
var ErrNotFound = errors.New("contact not found")

// Info is one channel identifier for a contact.
type Info struct {
	Channel    string `json:"channel"`
	Identifier string `json:"identifier"`
}

// Contact is one address book entry.
type Contact struct {
	ContactID uuid.UUID `json:"contact_id"`
	Name      string    `json:"name"`
	IsOwner   bool      `json:"is_owner"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Info      []Info    `json:"info,omitempty"`
}

// Store persists contacts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a contact store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Add creates a contact. Marking a contact as owner demotes any previous
// owner: target resolution needs exactly one owner default.
func (s *Store) Add(ctx context.Context, name string, isOwner bool) (*Contact, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate contact id: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if isOwner {
		if _, err := tx.Exec(ctx,
			`UPDATE contacts SET is_owner = FALSE, updated_at = now() WHERE is_owner`); err != nil {
			return nil, fmt.Errorf("failed to demote previous owner: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO contacts (contact_id, name, is_owner) VALUES ($1, $2, $3)`,
		id, name, isOwner); err != nil {
		return nil, fmt.Errorf("failed to add contact: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit contact: %w", err)
	}
	return &Contact{ContactID: id, Name: name, IsOwner: isOwner,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}, nil
}

// SetInfo upserts a contact's identifier on one channel.
func (s *Store) SetInfo(ctx context.Context, contactID uuid.UUID, channel, identifier string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE contacts SET updated_at = now() WHERE contact_id = $1 AND NOT deleted`, contactID)
	if err != nil {
		return fmt.Errorf("failed to touch contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO contact_info (contact_id, channel, identifier)
		VALUES ($1, $2, $3)
		ON CONFLICT (contact_id, channel) DO UPDATE SET identifier = EXCLUDED.identifier`,
		contactID, channel, identifier)
	if err != nil {
		return fmt.Errorf("failed to set contact info: %w", err)
	}
	return nil
}

// Remove soft-deletes a contact. Historical deliveries keep their reference.
func (s *Store) Remove(ctx context.Context, contactID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE contacts SET deleted = TRUE, updated_at = now()
		WHERE contact_id = $1 AND NOT deleted`, contactID)
	if err != nil {
		return fmt.Errorf("failed to remove contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one contact with its channel identifiers.
func (s *Store) Get(ctx context.Context, contactID uuid.UUID) (*Contact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT contact_id, name, is_owner, created_at, updated_at
		FROM contacts WHERE contact_id = $1 AND NOT deleted`, contactID)
	var c Contact
	err := row.Scan(&c.ContactID, &c.Name, &c.IsOwner, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	if err := s.loadInfo(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns all live contacts, owner first then by name.
func (s *Store) List(ctx context.Context) ([]*Contact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contact_id, name, is_owner, created_at, updated_at
		FROM contacts WHERE NOT deleted
		ORDER BY is_owner DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ContactID, &c.Name, &c.IsOwner, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range out {
		if err := s.loadInfo(ctx, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FindByIdentifier answers "who is this sender": the live contact holding an
// identifier on a channel.
func (s *Store) FindByIdentifier(ctx context.Context, channel, identifier string) (*Contact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT c.contact_id, c.name, c.is_owner, c.created_at, c.updated_at
		FROM contacts c
		JOIN contact_info ci ON ci.contact_id = c.contact_id
		WHERE NOT c.deleted AND ci.channel = $1 AND ci.identifier = $2`,
		channel, identifier)
	var c Contact
	err := row.Scan(&c.ContactID, &c.Name, &c.IsOwner, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contact by identifier: %w", err)
	}
	if err := s.loadInfo(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindByName returns live contacts whose name matches, case-insensitively.
func (s *Store) FindByName(ctx context.Context, name string) ([]*Contact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contact_id, name, is_owner, created_at, updated_at
		FROM contacts WHERE NOT deleted AND name ILIKE '%' || $1 || '%'
		ORDER BY name`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to find contacts by name: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ContactID, &c.Name, &c.IsOwner, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range out {
		if err := s.loadInfo(ctx, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadInfo(ctx context.Context, c *Contact) error {
	rows, err := s.pool.Query(ctx, `
		SELECT channel, identifier FROM contact_info
		WHERE contact_id = $1 ORDER BY channel`, c.ContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact info: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.Channel, &info.Identifier); err != nil {
			return fmt.Errorf("failed to scan contact info: %w", err)
		}
		c.Info = append(c.Info, info)
	}
	return rows.Err()
}
