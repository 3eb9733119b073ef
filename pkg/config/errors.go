package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound is returned when a required configuration file is missing.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML is returned when a configuration file cannot be parsed.
	ErrInvalidYAML = errors.New("invalid YAML")
)

// LoadError wraps a file-level configuration loading failure.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) error {
	return &LoadError{File: file, Err: err}
}

// ValidationError is a startup-blocking manifest validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid manifest field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a manifest validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
