package switchboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// Liveness states derived from last_seen_at against the registry TTL.
const (
	LivenessOnline  = "online"
	LivenessStale   = "stale"
	LivenessOffline = "offline"
)

// Registration is one butler's registry entry.
type Registration struct {
	Name             string    `json:"name"`
	EndpointURL      string    `json:"endpoint_url"`
	Modules          []string  `json:"modules"`
	Capabilities     []string  `json:"capabilities"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	RouteContractMin int       `json:"route_contract_min"`
	RouteContractMax int       `json:"route_contract_max"`
	Advertise        bool      `json:"advertise"`
	Liveness         string    `json:"liveness"`
}

// Registry tracks routable butlers and their liveness.
type Registry struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewRegistry creates the registry store. ttl is the liveness window; an
// entry unseen for ttl is stale, for 3x ttl offline.
func NewRegistry(pool *pgxpool.Pool, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Registry{pool: pool, ttl: ttl}
}

// Announce registers or refreshes a butler. Repeated announcements are
// idempotent; only last_seen_at and the mutable fields move.
func (r *Registry) Announce(ctx context.Context, reg *Registration) error {
	if reg.Name == "" || reg.EndpointURL == "" {
		return errclass.New(errclass.Validation, "registration requires name and endpoint_url")
	}
	if reg.RouteContractMin <= 0 {
		reg.RouteContractMin = 1
	}
	if reg.RouteContractMax < reg.RouteContractMin {
		reg.RouteContractMax = reg.RouteContractMin
	}
	modules, err := json.Marshal(orEmpty(reg.Modules))
	if err != nil {
		return fmt.Errorf("failed to encode modules: %w", err)
	}
	capabilities, err := json.Marshal(orEmpty(reg.Capabilities))
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO butler_registry (name, endpoint_url, modules, capabilities,
			last_seen_at, route_contract_min, route_contract_max, advertise)
		VALUES ($1, $2, $3, $4, now(), $5, $6, $7)
		ON CONFLICT (name) DO UPDATE
		SET endpoint_url = EXCLUDED.endpoint_url,
			modules = EXCLUDED.modules,
			capabilities = EXCLUDED.capabilities,
			last_seen_at = now(),
			route_contract_min = EXCLUDED.route_contract_min,
			route_contract_max = EXCLUDED.route_contract_max,
			advertise = EXCLUDED.advertise,
			updated_at = now()`,
		reg.Name, reg.EndpointURL, modules, capabilities,
		reg.RouteContractMin, reg.RouteContractMax, reg.Advertise)
	if err != nil {
		return fmt.Errorf("failed to announce %s: %w", reg.Name, err)
	}
	return nil
}

// Get returns one registration with derived liveness.
func (r *Registry) Get(ctx context.Context, name string) (*Registration, error) {
	reg, err := r.scanOne(r.pool.QueryRow(ctx, selectRegistration+` WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errclass.New(errclass.Routing, "butler %q is not registered", name)
	}
	return reg, err
}

// List returns all registrations with derived liveness, sorted by name.
func (r *Registry) List(ctx context.Context) ([]*Registration, error) {
	rows, err := r.pool.Query(ctx, selectRegistration+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list registry: %w", err)
	}
	defer rows.Close()

	var out []*Registration
	for rows.Next() {
		reg, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

// RoutableTargets lists advertised butlers that are online or stale and
// whose contract window overlaps ours. Offline butlers never route.
func (r *Registry) RoutableTargets(ctx context.Context) ([]string, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, reg := range all {
		if !reg.Advertise || reg.Liveness == LivenessOffline {
			continue
		}
		if !ContractCompatible(reg.RouteContractMin, reg.RouteContractMax) {
			continue
		}
		names = append(names, reg.Name)
	}
	return names, nil
}

// ContractCompatible reports whether our route contract revision falls in a
// target's advertised window.
func ContractCompatible(min, max int) bool {
	return envelope.RouteContractVersion >= min && envelope.RouteContractVersion <= max
}

const selectRegistration = `
	SELECT name, endpoint_url, modules, capabilities, last_seen_at,
		route_contract_min, route_contract_max, advertise
	FROM butler_registry`

func (r *Registry) scanOne(row pgx.Row) (*Registration, error) {
	var reg Registration
	var modules, capabilities []byte
	if err := row.Scan(&reg.Name, &reg.EndpointURL, &modules, &capabilities,
		&reg.LastSeenAt, &reg.RouteContractMin, &reg.RouteContractMax, &reg.Advertise); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan registration: %w", err)
	}
	if err := json.Unmarshal(modules, &reg.Modules); err != nil {
		return nil, fmt.Errorf("failed to decode modules: %w", err)
	}
	if err := json.Unmarshal(capabilities, &reg.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	reg.Liveness = r.liveness(reg.LastSeenAt)
	return &reg, nil
}

func (r *Registry) liveness(lastSeen time.Time) string {
	age := time.Since(lastSeen)
	switch {
	case age <= r.ttl:
		return LivenessOnline
	case age <= 3*r.ttl:
		return LivenessStale
	default:
		return LivenessOffline
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
