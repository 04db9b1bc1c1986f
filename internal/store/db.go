// Package store persists routed chat messages to PostgreSQL. Writes happen
// off the routing path through a bounded queue.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mossy-p/realtime-chat/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           UUID PRIMARY KEY,
	from_user_id TEXT NOT NULL,
	to_user_id   TEXT,
	room_id      TEXT,
	content      TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT 'text',
	created_at   TIMESTAMPTZ NOT NULL,
	CHECK ((to_user_id IS NULL) <> (room_id IS NULL))
);
CREATE INDEX IF NOT EXISTS messages_room_created_idx ON messages (room_id, created_at) WHERE room_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS messages_direct_created_idx ON messages (from_user_id, to_user_id, created_at) WHERE to_user_id IS NOT NULL;
`

// Open initializes the PostgreSQL connection pool.
func Open(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the messages table when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
