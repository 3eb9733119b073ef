// Package circuit implements a small three-state circuit breaker shared by
// the router's per-target breakers and the messenger's provider breakers.
package circuit

import (
	"sync"
	"time"

	"github.com/butlerhq/butlers/pkg/errclass"
)

// State is the breaker state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes a breaker.
type Config struct {
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold int
	// OpenFor is how long the breaker stays open before probing.
	OpenFor time.Duration
	// HalfOpenProbes successes close the breaker again.
	HalfOpenProbes int
}

// DefaultConfig matches the routing defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, OpenFor: 30 * time.Second, HalfOpenProbes: 2}
}

// Breaker is a per-target circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 2
	}
	return &Breaker{cfg: cfg, state: Closed, now: time.Now}
}

// Allow reports whether a call may proceed. An open breaker transitions to
// half-open once the open window elapses, admitting probe traffic.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenFor {
			b.state = HalfOpen
			b.successes = 0
			return true
		}
		return false
	}
	return true
}

// Record feeds a call outcome into the breaker. Only retryable-classed
// failures count toward tripping; a validation error says nothing about the
// target's health.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case HalfOpen:
			b.successes++
			if b.successes >= b.cfg.HalfOpenProbes {
				b.state = Closed
				b.failures = 0
			}
		case Closed:
			b.failures = 0
		}
		return
	}

	if !errclass.ClassOf(err).Retryable() {
		return
	}

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

// State returns the current state, applying the open-window transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.OpenFor {
		b.state = HalfOpen
		b.successes = 0
	}
	return b.state
}

// Group keys breakers by target name, creating them on first use.
type Group struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewGroup creates an empty breaker group.
func NewGroup(cfg Config) *Group {
	return &Group{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for a target.
func (g *Group) For(target string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[target]
	if !ok {
		b = New(g.cfg)
		g.breakers[target] = b
	}
	return b
}
