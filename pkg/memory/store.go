// Package memory implements the three-tier memory model: append-only
// episodes with TTL and a consolidation state machine, decaying facts with
// DB-enforced active uniqueness, and behavior rules with evidence-driven
// maturity.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/butlerhq/butlers/pkg/errclass"
)

// Episode consolidation states.
const (
	EpisodePending      = "pending"
	EpisodeConsolidated = "consolidated"
	EpisodeFailed       = "failed"
	EpisodeDeadLetter   = "dead_letter"
)

// Fact states.
const (
	FactActive     = "active"
	FactFading     = "fading"
	FactSuperseded = "superseded"
	FactExpired    = "expired"
	FactRetracted  = "retracted"
)

// Rule maturity levels.
const (
	RuleCandidate   = "candidate"
	RuleEstablished = "established"
	RuleProven      = "proven"
	RuleAntiPattern = "anti_pattern"
)

// GlobalScope is visible to every caller alongside their own scope.
const GlobalScope = "global"

// Effective-confidence thresholds driving the fact state sweep.
const (
	fadingThreshold  = 0.3
	expiredThreshold = 0.1
)

// defaultEpisodeTTL bounds how long an unconsolidated episode survives.
const defaultEpisodeTTL = 30 * 24 * time.Hour

// maxConsolidationRetries before an episode is dead-lettered.
const maxConsolidationRetries = 3

// Episode is one append-only observation awaiting consolidation.
type Episode struct {
	ID                 uuid.UUID
	Tenant             string
	Scope              string
	Content            string
	SourceSessionID    *uuid.UUID
	ConsolidationState string
	RetryCount         int
	ExpiresAt          time.Time
	CreatedAt          time.Time
}

// Fact is one subject/predicate assertion with decaying confidence.
type Fact struct {
	ID              uuid.UUID
	Tenant          string
	Scope           string
	Subject         string
	Predicate       string
	Content         string
	State           string
	Confidence      float64
	DecayRate       float64
	Importance      float64
	LastConfirmedAt time.Time
	CreatedAt       time.Time
}

// EffectiveConfidence applies exponential decay since last confirmation.
func (f *Fact) EffectiveConfidence(now time.Time) float64 {
	days := now.Sub(f.LastConfirmedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return f.Confidence * math.Exp(-f.DecayRate*days)
}

// Rule is one behavioral guideline with evidence counters.
type Rule struct {
	ID           uuid.UUID
	Tenant       string
	Scope        string
	Content      string
	Maturity     string
	HelpfulCount int
	HarmfulCount int
	Importance   float64
	CreatedAt    time.Time
}

// Store persists the memory tables for one butler schema.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates the memory store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// AddEpisode appends one observation in pending state.
func (s *Store) AddEpisode(ctx context.Context, tenant, scope, content string, sessionID *uuid.UUID, ttl time.Duration) (uuid.UUID, error) {
	if tenant == "" || content == "" {
		return uuid.Nil, errclass.New(errclass.Validation, "episode requires tenant and content")
	}
	if scope == "" {
		scope = GlobalScope
	}
	if ttl <= 0 {
		ttl = defaultEpisodeTTL
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to mint episode id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_episodes (id, tenant, scope, content, source_session_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, now() + $6::interval)`,
		id, tenant, scope, content, sessionID, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to add episode: %w", err)
	}
	return id, nil
}

// PendingEpisodes lists episodes awaiting consolidation, oldest first.
func (s *Store) PendingEpisodes(ctx context.Context, limit int) ([]*Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, scope, content, source_session_id,
			consolidation_state, retry_count, expires_at, created_at
		FROM memory_episodes
		WHERE consolidation_state = $1 AND expires_at > now()
		ORDER BY created_at
		LIMIT $2`, EpisodePending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending episodes: %w", err)
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		var e Episode
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Scope, &e.Content, &e.SourceSessionID,
			&e.ConsolidationState, &e.RetryCount, &e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkConsolidated finishes an episode's consolidation.
func (s *Store) MarkConsolidated(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE memory_episodes SET consolidation_state = $2, updated_at = now()
		WHERE id = $1`, id, EpisodeConsolidated)
	if err != nil {
		return fmt.Errorf("failed to mark episode consolidated: %w", err)
	}
	return nil
}

// MarkConsolidationFailed bumps the retry counter, dead-lettering the
// episode once retries are exhausted.
func (s *Store) MarkConsolidationFailed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE memory_episodes
		SET retry_count = retry_count + 1,
			consolidation_state = CASE
				WHEN retry_count + 1 >= $2 THEN $3
				ELSE $4
			END,
			updated_at = now()
		WHERE id = $1`, id, maxConsolidationRetries, EpisodeDeadLetter, EpisodePending)
	if err != nil {
		return fmt.Errorf("failed to record consolidation failure: %w", err)
	}
	return nil
}

// ExpireEpisodes removes episodes past their TTL.
func (s *Store) ExpireEpisodes(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_episodes WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire episodes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StoreFact asserts a fact. An existing active fact for the same
// (tenant, scope, subject, predicate) is superseded in the same transaction,
// preserving the partial unique index.
func (s *Store) StoreFact(ctx context.Context, f *Fact) (uuid.UUID, error) {
	if f.Tenant == "" || f.Subject == "" || f.Predicate == "" || f.Content == "" {
		return uuid.Nil, errclass.New(errclass.Validation, "fact requires tenant, subject, predicate and content")
	}
	if f.Scope == "" {
		f.Scope = GlobalScope
	}
	if f.Confidence <= 0 || f.Confidence > 1 {
		f.Confidence = 0.8
	}
	if f.DecayRate < 0 {
		f.DecayRate = 0.01
	}
	if f.Importance <= 0 || f.Importance > 1 {
		f.Importance = 0.5
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to mint fact id: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE memory_facts SET state = $5, updated_at = now()
		WHERE tenant = $1 AND scope = $2 AND subject = $3 AND predicate = $4
			AND state = $6`,
		f.Tenant, f.Scope, f.Subject, f.Predicate, FactSuperseded, FactActive); err != nil {
		return uuid.Nil, fmt.Errorf("failed to supersede prior fact: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO memory_facts (id, tenant, scope, subject, predicate, content,
			confidence, decay_rate, importance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, f.Tenant, f.Scope, f.Subject, f.Predicate, f.Content,
		f.Confidence, f.DecayRate, f.Importance); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert fact: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit fact: %w", err)
	}
	return id, nil
}

// ConfirmFact refreshes a fact's decay clock and restores it to active.
func (s *Store) ConfirmFact(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE memory_facts
		SET last_confirmed_at = now(), state = $2, updated_at = now()
		WHERE id = $1 AND state IN ($2, $3)`, id, FactActive, FactFading)
	if err != nil {
		return fmt.Errorf("failed to confirm fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errclass.New(errclass.Validation, "fact %s is not confirmable", id)
	}
	return nil
}

// RetractFact soft-deletes a fact. "forget" surfaces map here.
func (s *Store) RetractFact(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE memory_facts SET state = $2, updated_at = now()
		WHERE id = $1 AND state NOT IN ($2)`, id, FactRetracted)
	if err != nil {
		return fmt.Errorf("failed to retract fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errclass.New(errclass.Validation, "fact %s not found or already retracted", id)
	}
	return nil
}

// ActiveFacts lists active and fading facts visible to a tenant scope.
func (s *Store) ActiveFacts(ctx context.Context, tenant, scope string) ([]*Fact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, scope, subject, predicate, content, state,
			confidence, decay_rate, importance, last_confirmed_at, created_at
		FROM memory_facts
		WHERE tenant = $1 AND scope IN ($2, $3) AND state IN ($4, $5)
		ORDER BY created_at DESC`,
		tenant, scope, GlobalScope, FactActive, FactFading)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	var out []*Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.Tenant, &f.Scope, &f.Subject, &f.Predicate,
			&f.Content, &f.State, &f.Confidence, &f.DecayRate, &f.Importance,
			&f.LastConfirmedAt, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// SweepFacts moves facts along the decay state machine: active facts whose
// effective confidence dropped below the fading threshold fade, fading facts
// below the expiry threshold expire.
func (s *Store) SweepFacts(ctx context.Context) (faded, expired int64, err error) {
	fadeTag, err := s.pool.Exec(ctx, `
		UPDATE memory_facts SET state = $1, updated_at = now()
		WHERE state = $2
			AND confidence * exp(-decay_rate * EXTRACT(EPOCH FROM now() - last_confirmed_at) / 86400) < $3`,
		FactFading, FactActive, fadingThreshold)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fade facts: %w", err)
	}
	expireTag, err := s.pool.Exec(ctx, `
		UPDATE memory_facts SET state = $1, updated_at = now()
		WHERE state = $2
			AND confidence * exp(-decay_rate * EXTRACT(EPOCH FROM now() - last_confirmed_at) / 86400) < $3`,
		FactExpired, FactFading, expiredThreshold)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to expire facts: %w", err)
	}
	return fadeTag.RowsAffected(), expireTag.RowsAffected(), nil
}

// AddRule records a new candidate rule.
func (s *Store) AddRule(ctx context.Context, tenant, scope, content string, importance float64) (uuid.UUID, error) {
	if tenant == "" || content == "" {
		return uuid.Nil, errclass.New(errclass.Validation, "rule requires tenant and content")
	}
	if scope == "" {
		scope = GlobalScope
	}
	if importance <= 0 || importance > 1 {
		importance = 0.5
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to mint rule id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_rules (id, tenant, scope, content, importance)
		VALUES ($1, $2, $3, $4, $5)`, id, tenant, scope, content, importance)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to add rule: %w", err)
	}
	return id, nil
}

// RecordRuleOutcome feeds evidence into a rule and re-derives its maturity.
func (s *Store) RecordRuleOutcome(ctx context.Context, id uuid.UUID, helpful bool) error {
	column := "helpful_count"
	if !helpful {
		column = "harmful_count"
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE memory_rules SET %s = %s + 1, updated_at = now()
		WHERE id = $1
		RETURNING helpful_count, harmful_count`, column, column), id)
	var helpfulCount, harmfulCount int
	if err := row.Scan(&helpfulCount, &harmfulCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errclass.New(errclass.Validation, "rule %s not found", id)
		}
		return fmt.Errorf("failed to record rule outcome: %w", err)
	}
	maturity := DeriveMaturity(helpfulCount, harmfulCount)
	if _, err := s.pool.Exec(ctx, `
		UPDATE memory_rules SET maturity = $2, updated_at = now() WHERE id = $1`,
		id, maturity); err != nil {
		return fmt.Errorf("failed to update rule maturity: %w", err)
	}
	return nil
}

// Rules lists rules visible to a tenant scope, excluding anti-patterns
// unless asked for.
func (s *Store) Rules(ctx context.Context, tenant, scope string, includeAntiPatterns bool) ([]*Rule, error) {
	query := `
		SELECT id, tenant, scope, content, maturity, helpful_count, harmful_count,
			importance, created_at
		FROM memory_rules
		WHERE tenant = $1 AND scope IN ($2, $3)`
	if !includeAntiPatterns {
		query += ` AND maturity != '` + RuleAntiPattern + `'`
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, tenant, scope, GlobalScope)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.Tenant, &r.Scope, &r.Content, &r.Maturity,
			&r.HelpfulCount, &r.HarmfulCount, &r.Importance, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeriveMaturity maps evidence counters to a maturity level. Harmful
// evidence outweighs helpful: two harmful marks that at least match half the
// helpful count condemn the rule.
func DeriveMaturity(helpful, harmful int) string {
	if harmful >= 2 && harmful*2 >= helpful {
		return RuleAntiPattern
	}
	switch {
	case helpful >= 10 && harmful == 0:
		return RuleProven
	case helpful >= 3:
		return RuleEstablished
	default:
		return RuleCandidate
	}
}
