package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlancehq/parlance/pkg/session"
	"github.com/parlancehq/parlance/pkg/types"
)

// Compile-time interface check.
var _ session.Repository = (*Repository)(nil)

// Repository implements session.Repository on a PostgreSQL pool.
// All methods are safe for concurrent use.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps an existing pool. Call [Migrate] once before use.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetOrCreateSession implements session.Repository. The upsert refreshes
// last_activity on every call.
func (r *Repository) GetOrCreateSession(ctx context.Context, sessionID, userID string) (*types.Session, error) {
	const q = `
		INSERT INTO sessions (id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET last_activity = now()
		RETURNING id, user_id, status, summary, created_at, last_activity`

	var s types.Session
	var status string
	err := r.pool.QueryRow(ctx, q, sessionID, userID).Scan(
		&s.ID, &s.UserID, &status, &s.Summary, &s.CreatedAt, &s.LastActivity,
	)
	if err != nil {
		return nil, fmt.Errorf("session repo: get or create: %w", err)
	}
	s.Status = types.SessionStatus(status)
	return &s, nil
}

// SaveMessage implements session.Repository. A message without an ID gets
// one minted here so every stored row is individually addressable.
func (r *Repository) SaveMessage(ctx context.Context, sessionID string, msg types.Message) error {
	const q = `
		INSERT INTO messages (message_id, session_id, role, content, tool_call_id, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := r.pool.Exec(ctx, q,
		msg.ID,
		sessionID,
		string(msg.Role),
		msg.Content,
		msg.ToolCallID,
		metadata,
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("session repo: save message: %w", err)
	}
	return nil
}

// LoadRecentMessages implements session.Repository. Results are returned in
// chronological order, oldest first; equal timestamps are tie-broken by the
// insertion-ordered surrogate key.
func (r *Repository) LoadRecentMessages(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	const q = `
		SELECT message_id, role, content, tool_call_id, metadata, timestamp
		FROM (
		    SELECT id, message_id, role, content, tool_call_id, metadata, timestamp
		    FROM   messages
		    WHERE  session_id = $1
		    ORDER  BY timestamp DESC, id DESC
		    LIMIT  $2
		) recent
		ORDER BY timestamp, id`

	rows, err := r.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session repo: load recent: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var (
			m    types.Message
			role string
		)
		if err := row.Scan(&m.ID, &role, &m.Content, &m.ToolCallID, &m.Metadata, &m.Timestamp); err != nil {
			return types.Message{}, err
		}
		m.Role = types.Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session repo: scan messages: %w", err)
	}
	return msgs, nil
}

// DeleteSession implements session.Repository. Deleting an unknown session
// is not an error.
func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM tool_calls WHERE session_id = $1`, sessionID)
	batch.Queue(`DELETE FROM messages WHERE session_id = $1`, sessionID)
	batch.Queue(`DELETE FROM sessions WHERE id = $1`, sessionID)
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("session repo: delete session: %w", err)
	}
	return nil
}

// ListUserSessions implements session.Repository, most recently active first.
func (r *Repository) ListUserSessions(ctx context.Context, userID string, f session.ListFilters) ([]types.Session, error) {
	args := []any{userID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"user_id = $1"}
	if f.Status != "" {
		conditions = append(conditions, "status = "+next(string(f.Status)))
	}
	if !f.ActiveSince.IsZero() {
		conditions = append(conditions, "last_activity >= "+next(f.ActiveSince))
	}

	q := "SELECT id, user_id, status, summary, created_at, last_activity\n" +
		"FROM   sessions\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY last_activity DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf("\nLIMIT %s", next(f.Limit))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session repo: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Session, error) {
		var (
			s      types.Session
			status string
		)
		if err := row.Scan(&s.ID, &s.UserID, &status, &s.Summary, &s.CreatedAt, &s.LastActivity); err != nil {
			return types.Session{}, err
		}
		s.Status = types.SessionStatus(status)
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session repo: scan sessions: %w", err)
	}
	return sessions, nil
}

// SaveToolCall implements session.Repository.
func (r *Repository) SaveToolCall(ctx context.Context, sessionID string, call types.ToolCall, result types.ToolResult) error {
	const q = `
		INSERT INTO tool_calls (call_id, session_id, tool_name, arguments, success, result, error, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	arguments := call.Arguments
	if arguments == nil {
		arguments = map[string]any{}
	}
	_, err := r.pool.Exec(ctx, q,
		call.ID,
		sessionID,
		call.Name,
		arguments,
		result.Success,
		result.Result,
		result.Error,
		result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("session repo: save tool call: %w", err)
	}
	return nil
}

// Probe implements session.Repository with a trivial round-trip query.
func (r *Repository) Probe(ctx context.Context) error {
	var one int
	if err := r.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("session repo: probe: %w", err)
	}
	return nil
}
