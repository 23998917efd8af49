// Package audit implements the anchoring node's non-authoritative
// publication log: a Postgres record of every anchor this node
// finalized and broadcast, kept for operator visibility and incident
// review. It has no bearing on consensus; the replicated state in
// pkg/schema is authoritative, and a node with no Postgres configured
// still anchors correctly.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/certen/btc-anchoring/pkg/config"
)

// Client wraps a pooled Postgres connection for the audit log.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// NewClient opens a pooled connection to cfg.DatabaseURL and ensures the
// audit_anchors table exists.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("audit: database url is empty")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open database: %w", err)
	}

	maxConns := cfg.DatabaseMaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	minConns := cfg.DatabaseMinConns
	if minConns <= 0 {
		minConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: failed to ping database: %w", err)
	}

	c := &Client{db: db, logger: log.New(log.Writer(), "[audit] ", log.LstdFlags)}
	if err := c.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureSchema(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS audit_anchors (
	id                   UUID PRIMARY KEY,
	anchor_txid          TEXT NOT NULL,
	payload_height       BIGINT NOT NULL,
	payload_block_hash   TEXT NOT NULL,
	validator_id         INTEGER NOT NULL,
	validator_count      INTEGER NOT NULL,
	signatures_collected INTEGER NOT NULL,
	broadcast_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_anchors_height_idx ON audit_anchors (payload_height);
`
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("audit: failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
