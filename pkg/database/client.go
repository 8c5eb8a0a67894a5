// Package database provides the PostgreSQL connection pool and the typed
// persistence gateway used by the analysis pipeline.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/EnodAI/EnodAI/pkg/config"
)

const (
	openMaxAttempts = 5
	openRetryDelay  = 5 * time.Second
)

// Client wraps the pgx connection pool.
type Client struct {
	pool *pgxpool.Pool
}

// NewClient opens the connection pool with bounded retry so the worker can
// start before the database is ready. After openMaxAttempts failed
// attempts the error is fatal to the caller.
func NewClient(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns

	var lastErr error
	for attempt := 1; attempt <= openMaxAttempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				slog.Info("Database connection pool created",
					"host", cfg.Host, "database", cfg.Name)
				return &Client{pool: pool}, nil
			}
			pool.Close()
		}
		lastErr = err

		if attempt == openMaxAttempts {
			break
		}
		slog.Warn("Database connection failed, retrying",
			"attempt", attempt, "max_attempts", openMaxAttempts,
			"retry_in", openRetryDelay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(openRetryDelay):
		}
	}

	return nil, fmt.Errorf("failed to create database pool after %d attempts: %w",
		openMaxAttempts, lastErr)
}

// Pool returns the underlying pool for direct access (health checks, store).
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// Ping verifies database connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close drains and closes the pool.
func (c *Client) Close() {
	c.pool.Close()
	slog.Info("Database connection pool closed")
}
