// Package session provides the hybrid two-tier conversation store.
//
// The memory tier holds a bounded window of recent messages per session and
// is always authoritative for the active conversation. The durable tier is an
// external repository (see [Repository], implemented by sub-package postgres)
// written asynchronously. Any durable failure flips the store into a sticky
// memory-only fallback mode that an operator clears via [Store.ResetFallback].
package session

import (
	"context"
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

// ListFilters narrows ListUserSessions results.
type ListFilters struct {
	// Status filters by session status when non-empty.
	Status types.SessionStatus

	// ActiveSince keeps only sessions with activity at or after this time.
	ActiveSince time.Time

	// Limit caps the number of returned sessions. Zero means no cap.
	Limit int
}

// Repository is the durable tier consulted by the hybrid store. All methods
// must be safe for concurrent use. Implementations live outside the core;
// postgres.Repository is the reference implementation.
type Repository interface {
	// GetOrCreateSession returns the session record, creating it when absent.
	GetOrCreateSession(ctx context.Context, sessionID, userID string) (*types.Session, error)

	// SaveMessage appends a message to the session's durable history.
	SaveMessage(ctx context.Context, sessionID string, msg types.Message) error

	// LoadRecentMessages returns up to limit most recent messages in
	// chronological order.
	LoadRecentMessages(ctx context.Context, sessionID string, limit int) ([]types.Message, error)

	// DeleteSession removes the session and its messages. Deleting an
	// unknown session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListUserSessions returns the user's sessions matching the filters,
	// most recently active first.
	ListUserSessions(ctx context.Context, userID string, f ListFilters) ([]types.Session, error)

	// SaveToolCall records an executed tool call and its result.
	SaveToolCall(ctx context.Context, sessionID string, call types.ToolCall, result types.ToolResult) error

	// Probe performs a lightweight health read.
	Probe(ctx context.Context) error
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
	DurableReads     int64 `json:"durable_reads"`
	DurableWrites    int64 `json:"durable_writes"`
	DurableErrors    int64 `json:"durable_errors"`
	FallbackTriggers int64 `json:"fallback_triggers"`
	ActiveSessions   int   `json:"active_sessions"`
	FallbackActive   bool  `json:"fallback_active"`
}
