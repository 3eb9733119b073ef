package messenger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoIdentifier marks a delivery whose resolved contact has no identifier
// on the requested channel. The delivery parks instead of failing.
var ErrNoIdentifier = errors.New("contact has no identifier on the requested channel")

// Resolver maps notify targets to channel-native identifiers using the
// contacts tables.
type Resolver struct {
	pool *pgxpool.Pool
}

// NewResolver creates a contact resolver.
func NewResolver(pool *pgxpool.Pool) *Resolver {
	return &Resolver{pool: pool}
}

// Resolve picks the delivery target: explicit contact_id first, then an
// explicit recipient identifier, then the owner's identifier on the channel.
func (r *Resolver) Resolve(ctx context.Context, channel, contactID, recipient string) (string, error) {
	if contactID != "" {
		return r.identifierFor(ctx, channel, `c.contact_id = $2`, contactID)
	}
	if recipient != "" {
		return recipient, nil
	}
	return r.identifierFor(ctx, channel, `c.is_owner`, nil)
}

// OwnerIdentifier returns the owner's identifier on a channel, for parked
// delivery notifications.
func (r *Resolver) OwnerIdentifier(ctx context.Context, channel string) (string, error) {
	return r.identifierFor(ctx, channel, `c.is_owner`, nil)
}

func (r *Resolver) identifierFor(ctx context.Context, channel, where string, arg any) (string, error) {
	query := `
		SELECT ci.identifier
		FROM contacts c
		JOIN contact_info ci ON ci.contact_id = c.contact_id
		WHERE NOT c.deleted AND ci.channel = $1 AND ` + where
	var row pgx.Row
	if arg != nil {
		row = r.pool.QueryRow(ctx, query, channel, arg)
	} else {
		row = r.pool.QueryRow(ctx, query, channel)
	}
	var identifier string
	if err := row.Scan(&identifier); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoIdentifier
		}
		return "", fmt.Errorf("failed to resolve contact: %w", err)
	}
	if identifier == "" {
		return "", ErrNoIdentifier
	}
	return identifier, nil
}
