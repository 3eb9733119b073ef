// Package errclass defines the canonical error taxonomy shared by every
// butler surface: validation_error, target_unavailable, timeout,
// overload_rejected and internal_error, plus the Switchboard-only
// classification_error and routing_error classes.
package errclass

import (
	"context"
	"errors"
	"fmt"
)

// Class identifies a canonical error class carried across RPC boundaries.
type Class string

const (
	Validation        Class = "validation_error"
	TargetUnavailable Class = "target_unavailable"
	Timeout           Class = "timeout"
	OverloadRejected  Class = "overload_rejected"
	Internal          Class = "internal_error"

	// Switchboard decision-layer classes. Downstream butlers must not emit these.
	Classification Class = "classification_error"
	Routing        Class = "routing_error"
)

// executorClasses is the set a routed executor may return.
var executorClasses = map[Class]bool{
	Validation:        true,
	TargetUnavailable: true,
	Timeout:           true,
	OverloadRejected:  true,
	Internal:          true,
}

// Retryable reports whether errors of this class are safe to retry.
func (c Class) Retryable() bool {
	switch c {
	case TargetUnavailable, Timeout, OverloadRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether c is a known canonical class.
func (c Class) Valid() bool {
	return executorClasses[c] || c == Classification || c == Routing
}

// Error is a classed error. OriginalClass preserves a non-canonical class
// received from a downstream as non-user-facing metadata.
type Error struct {
	Class         Class
	Message       string
	OriginalClass string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the error is safe to retry.
func (e *Error) Retryable() bool { return e.Class.Retryable() }

// New creates a classed error.
func New(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a class to an underlying error.
func Wrap(class Class, err error, message string) *Error {
	return &Error{Class: class, Message: message, cause: err}
}

// From extracts the classed error from err, mapping unknown errors to
// internal_error and context expiry to timeout. It never returns nil for a
// non-nil err.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Class: Timeout, Message: "deadline exceeded", cause: err}
	}
	return &Error{Class: Internal, Message: "unexpected error", cause: err}
}

// ClassOf returns the class of err per From.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	return From(err).Class
}

// NormalizeExecutor maps a downstream-reported class string to the executor
// class set. Unknown classes become internal_error with the original class
// preserved on the returned error.
func NormalizeExecutor(class, message string) *Error {
	c := Class(class)
	if executorClasses[c] {
		return &Error{Class: c, Message: message}
	}
	return &Error{Class: Internal, Message: message, OriginalClass: class}
}
