// Package database provides the per-butler PostgreSQL client and the
// migration chain runner. Every butler owns an isolated schema inside one
// physical database; the pool pins search_path to that schema.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Client wraps a pgx pool scoped to one butler schema.
type Client struct {
	pool   *pgxpool.Pool
	schema string
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// Schema returns the butler schema this client is scoped to.
func (c *Client) Schema() string { return c.schema }

// Close releases the pool.
func (c *Client) Close() { c.pool.Close() }

// NewClient creates a schema-scoped database client, creates the schema if
// missing, and runs the butler's migration plan.
func NewClient(ctx context.Context, cfg Config, schema string, plan []Chain) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %q, public", schema))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schema)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema %s: %w", schema, err)
	}

	if err := RunChains(ctx, cfg, schema, plan); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{pool: pool, schema: schema}, nil
}
