package errclass

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	assert.True(t, TargetUnavailable.Retryable())
	assert.True(t, Timeout.Retryable())
	assert.True(t, OverloadRejected.Retryable())
	assert.False(t, Validation.Retryable())
	assert.False(t, Internal.Retryable())
	assert.False(t, Classification.Retryable())
	assert.False(t, Routing.Retryable())
}

func TestFrom(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, From(nil))
	})

	t.Run("classed error passes through", func(t *testing.T) {
		err := New(Validation, "bad field %q", "name")
		got := From(fmt.Errorf("outer: %w", err))
		assert.Equal(t, Validation, got.Class)
		assert.Equal(t, `bad field "name"`, got.Message)
	})

	t.Run("context expiry maps to timeout", func(t *testing.T) {
		assert.Equal(t, Timeout, From(context.DeadlineExceeded).Class)
		assert.Equal(t, Timeout, From(context.Canceled).Class)
	})

	t.Run("unknown maps to internal", func(t *testing.T) {
		got := From(errors.New("boom"))
		assert.Equal(t, Internal, got.Class)
	})
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(TargetUnavailable, cause, "dial failed")
	require.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "target_unavailable")
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, err.Retryable())
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, Class(""), ClassOf(nil))
	assert.Equal(t, OverloadRejected, ClassOf(New(OverloadRejected, "shed")))
	assert.Equal(t, Internal, ClassOf(errors.New("x")))
}

func TestNormalizeExecutor(t *testing.T) {
	t.Run("canonical class kept", func(t *testing.T) {
		err := NormalizeExecutor("timeout", "took too long")
		assert.Equal(t, Timeout, err.Class)
		assert.Empty(t, err.OriginalClass)
	})

	t.Run("switchboard-only class demoted", func(t *testing.T) {
		err := NormalizeExecutor("routing_error", "no target")
		assert.Equal(t, Internal, err.Class)
		assert.Equal(t, "routing_error", err.OriginalClass)
	})

	t.Run("garbage demoted", func(t *testing.T) {
		err := NormalizeExecutor("weird", "hm")
		assert.Equal(t, Internal, err.Class)
		assert.Equal(t, "weird", err.OriginalClass)
	})
}

func TestValid(t *testing.T) {
	assert.True(t, Validation.Valid())
	assert.True(t, Classification.Valid())
	assert.False(t, Class("nope").Valid())
}
