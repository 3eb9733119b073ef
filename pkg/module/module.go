// Package module defines the capability module contract and the registry
// that initializes modules in dependency order, aggregates their tools, and
// shuts them down in reverse.
package module

import (
	"context"
	"encoding/json"
)

// Handler executes one tool call. caller identifies the requesting butler
// for tenant-scoped modules; args is the raw JSON argument object.
type Handler func(ctx context.Context, caller string, args json.RawMessage) (any, error)

// Tool is one RPC tool a module exposes on the butler's surface.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

// Module is a capability plugged into a butler.
type Module interface {
	// Name is the module's manifest key.
	Name() string
	// Dependencies lists module names that must initialize first.
	Dependencies() []string
	// Init prepares the module. Called once, in dependency order.
	Init(ctx context.Context) error
	// Tools returns the module's tool surface. Called after Init.
	Tools() []Tool
	// Shutdown releases resources. Called in reverse init order.
	Shutdown(ctx context.Context) error
}
