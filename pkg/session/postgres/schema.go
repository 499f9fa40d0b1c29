// Package postgres provides the PostgreSQL-backed session.Repository.
//
// All methods share a single [pgxpool.Pool]. [Migrate] is idempotent
// (CREATE TABLE IF NOT EXISTS) and safe to run on every application start.
//
// Usage:
//
//	pool, err := postgres.Connect(ctx, dsn)
//	if err != nil { … }
//	repo := postgres.NewRepository(pool)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT         PRIMARY KEY,
    user_id       TEXT         NOT NULL DEFAULT '',
    status        TEXT         NOT NULL DEFAULT 'active',
    summary       TEXT         NOT NULL DEFAULT '',
    metadata      JSONB        NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_activity TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON sessions (user_id);

CREATE INDEX IF NOT EXISTS idx_sessions_last_activity
    ON sessions (last_activity);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id           BIGSERIAL    PRIMARY KEY,
    message_id   TEXT         NOT NULL DEFAULT '',
    session_id   TEXT         NOT NULL,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    tool_call_id TEXT         NOT NULL DEFAULT '',
    metadata     JSONB        NOT NULL DEFAULT '{}',
    timestamp    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id
    ON messages (session_id);

CREATE INDEX IF NOT EXISTS idx_messages_session_timestamp
    ON messages (session_id, timestamp);
`

const ddlToolCalls = `
CREATE TABLE IF NOT EXISTS tool_calls (
    id          BIGSERIAL    PRIMARY KEY,
    call_id     TEXT         NOT NULL,
    session_id  TEXT         NOT NULL,
    tool_name   TEXT         NOT NULL,
    arguments   JSONB        NOT NULL DEFAULT '{}',
    success     BOOLEAN      NOT NULL,
    result      JSONB,
    error       TEXT         NOT NULL DEFAULT '',
    duration_ms BIGINT       NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_session_id
    ON tool_calls (session_id);
`

// Connect establishes a pooled connection to the database at dsn, registers
// pgvector types on every connection, and verifies reachability with a ping.
// The pool is shared by the session repository, the checkpointer, and the
// RAG retriever.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate creates or ensures the session tables exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlMessages, ddlToolCalls} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
