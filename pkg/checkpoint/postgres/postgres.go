// Package postgres provides the PostgreSQL-backed checkpoint.Saver.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlancehq/parlance/pkg/checkpoint"
)

const ddlCheckpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
    thread_id     TEXT         NOT NULL,
    checkpoint_id TEXT         NOT NULL,
    snapshot      BYTEA        NOT NULL,
    metadata      JSONB        NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (thread_id, checkpoint_id)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_created
    ON checkpoints (thread_id, checkpoint_id DESC);
`

// Migrate creates or ensures the checkpoints table exists. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCheckpoints); err != nil {
		return fmt.Errorf("checkpoint migrate: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ checkpoint.Saver = (*Saver)(nil)

// Saver implements checkpoint.Saver on a PostgreSQL pool.
// All methods are safe for concurrent use.
type Saver struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSaver wraps an existing pool. Call [Migrate] once before use.
func NewSaver(pool *pgxpool.Pool) *Saver {
	return &Saver{pool: pool, now: time.Now}
}

// Get implements checkpoint.Saver.
func (s *Saver) Get(ctx context.Context, threadID string) ([]byte, error) {
	const q = `
		SELECT snapshot
		FROM   checkpoints
		WHERE  thread_id = $1
		ORDER  BY checkpoint_id DESC
		LIMIT  1`

	var snapshot []byte
	err := s.pool.QueryRow(ctx, q, threadID).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint saver: get: %w", err)
	}
	return snapshot, nil
}

// GetTuple implements checkpoint.Saver.
func (s *Saver) GetTuple(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	const q = `
		SELECT checkpoint_id, snapshot, metadata, created_at
		FROM   checkpoints
		WHERE  thread_id = $1
		ORDER  BY checkpoint_id DESC
		LIMIT  1`

	cp := checkpoint.Checkpoint{ThreadID: threadID}
	err := s.pool.QueryRow(ctx, q, threadID).Scan(&cp.ID, &cp.Snapshot, &cp.Metadata, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint saver: get tuple: %w", err)
	}
	return &cp, nil
}

// Put implements checkpoint.Saver.
func (s *Saver) Put(ctx context.Context, threadID string, snapshot []byte, metadata map[string]any) (string, error) {
	now := s.now().UTC()
	id := checkpoint.NewID(now, checkpoint.StepFromMetadata(metadata))
	if metadata == nil {
		metadata = map[string]any{}
	}

	const q = `
		INSERT INTO checkpoints (thread_id, checkpoint_id, snapshot, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id, checkpoint_id) DO UPDATE
		    SET snapshot = EXCLUDED.snapshot, metadata = EXCLUDED.metadata`

	if _, err := s.pool.Exec(ctx, q, threadID, id, snapshot, metadata, now); err != nil {
		return "", fmt.Errorf("checkpoint saver: put: %w", err)
	}
	return id, nil
}

// List implements checkpoint.Saver, newest first.
func (s *Saver) List(ctx context.Context, threadID string, opts checkpoint.ListOptions) ([]checkpoint.Checkpoint, error) {
	args := []any{threadID}
	conditions := []string{"thread_id = $1"}
	if opts.Before != "" {
		args = append(args, opts.Before)
		conditions = append(conditions, fmt.Sprintf("checkpoint_id < $%d", len(args)))
	}

	q := "SELECT checkpoint_id, snapshot, metadata, created_at\n" +
		"FROM   checkpoints\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY checkpoint_id DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint saver: list: %w", err)
	}
	cps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (checkpoint.Checkpoint, error) {
		cp := checkpoint.Checkpoint{ThreadID: threadID}
		err := row.Scan(&cp.ID, &cp.Snapshot, &cp.Metadata, &cp.CreatedAt)
		return cp, err
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint saver: scan: %w", err)
	}
	return cps, nil
}

// Delete implements checkpoint.Saver.
func (s *Saver) Delete(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("checkpoint saver: delete: %w", err)
	}
	return nil
}
