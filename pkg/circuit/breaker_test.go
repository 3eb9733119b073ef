package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/butlerhq/butlers/pkg/errclass"
)

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(cfg)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, OpenFor: 30 * time.Second, HalfOpenProbes: 1})
	unavailable := errclass.New(errclass.TargetUnavailable, "down")

	b.Record(unavailable)
	b.Record(unavailable)
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())

	b.Record(unavailable)
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestValidationErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, OpenFor: time.Minute, HalfOpenProbes: 1})
	bad := errclass.New(errclass.Validation, "bad request")
	for i := 0; i < 10; i++ {
		b.Record(bad)
	}
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, OpenFor: 30 * time.Second, HalfOpenProbes: 2})
	b.Record(errclass.New(errclass.Timeout, "slow"))
	assert.False(t, b.Allow())

	*now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())

	b.Record(nil)
	assert.Equal(t, HalfOpen, b.State())
	b.Record(nil)
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, OpenFor: 30 * time.Second, HalfOpenProbes: 2})
	b.Record(errclass.New(errclass.Timeout, "slow"))
	*now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())

	b.Record(errclass.New(errclass.Timeout, "still slow"))
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestGroupIsolation(t *testing.T) {
	g := NewGroup(Config{FailureThreshold: 1, OpenFor: time.Minute, HalfOpenProbes: 1})
	g.For("valet").Record(errclass.New(errclass.TargetUnavailable, "down"))

	assert.Equal(t, Open, g.For("valet").State())
	assert.Equal(t, Closed, g.For("librarian").State())
}
