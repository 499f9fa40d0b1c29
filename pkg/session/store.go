package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parlancehq/parlance/pkg/types"
)

const (
	// DefaultMaxMessages bounds the per-session memory window.
	DefaultMaxMessages = 20

	// DefaultSessionTTL is how long an idle session survives in memory.
	DefaultSessionTTL = 24 * time.Hour

	// persistTimeout bounds a single asynchronous durable write.
	persistTimeout = 10 * time.Second
)

// memorySession is one session's in-memory window.
type memorySession struct {
	userID       string
	messages     []types.Message
	lastActivity time.Time
}

// Store is the hybrid session store. Safe for concurrent use.
type Store struct {
	repo        Repository // nil means memory-only
	maxMessages int
	ttl         time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*memorySession

	// writeMu serializes durable writes so the repository sees messages in
	// append order even though persistence is asynchronous.
	writeMu sync.Mutex

	// pending tracks in-flight asynchronous writes; Wait blocks on it.
	pending sync.WaitGroup

	fallback atomic.Bool

	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	durableReads     atomic.Int64
	durableWrites    atomic.Int64
	durableErrors    atomic.Int64
	fallbackTriggers atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxMessages overrides the per-session memory window size.
func WithMaxMessages(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// WithSessionTTL overrides the idle-session expiry.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a hybrid store. repo may be nil for a memory-only store.
func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:        repo,
		maxMessages: DefaultMaxMessages,
		ttl:         DefaultSessionTTL,
		now:         time.Now,
		sessions:    make(map[string]*memorySession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// durableHealthy reports whether the durable tier should be consulted.
func (s *Store) durableHealthy() bool {
	return s.repo != nil && !s.fallback.Load()
}

// tripFallback flips the store into memory-only mode.
func (s *Store) tripFallback(op string, err error) {
	s.durableErrors.Add(1)
	if s.fallback.CompareAndSwap(false, true) {
		s.fallbackTriggers.Add(1)
		slog.Warn("session store entering fallback mode", "op", op, "err", err)
	}
}

// GetOrCreate ensures a session exists in memory and, when the durable tier
// is healthy, in the repository. It returns the session record.
func (s *Store) GetOrCreate(ctx context.Context, sessionID, userID string) (*types.Session, error) {
	now := s.now().UTC()

	s.mu.Lock()
	ms, ok := s.sessions[sessionID]
	if !ok {
		ms = &memorySession{userID: userID, lastActivity: now}
		s.sessions[sessionID] = ms
	} else {
		ms.lastActivity = now
		if ms.userID == "" {
			ms.userID = userID
		}
	}
	s.mu.Unlock()

	if s.durableHealthy() {
		s.durableReads.Add(1)
		sess, err := s.repo.GetOrCreateSession(ctx, sessionID, userID)
		if err != nil {
			s.tripFallback("get_or_create", err)
		} else {
			return sess, nil
		}
	}

	return &types.Session{
		ID:           sessionID,
		UserID:       userID,
		Status:       types.SessionActive,
		CreatedAt:    now,
		LastActivity: now,
	}, nil
}

// AddMessage appends to the memory window and schedules an asynchronous
// durable write. It never fails: durable errors only trip fallback mode.
// A message without an ID gets one minted so both tiers store the same
// addressable record.
func (s *Store) AddMessage(ctx context.Context, sessionID string, msg types.Message) {
	now := s.now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	s.mu.Lock()
	ms, ok := s.sessions[sessionID]
	if !ok {
		ms = &memorySession{lastActivity: now}
		s.sessions[sessionID] = ms
	}
	ms.messages = append(ms.messages, msg)
	if len(ms.messages) > s.maxMessages {
		ms.messages = ms.messages[len(ms.messages)-s.maxMessages:]
	}
	ms.lastActivity = now
	s.mu.Unlock()

	if !s.durableHealthy() {
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := s.repo.SaveMessage(wctx, sessionID, msg); err != nil {
			s.tripFallback("save_message", err)
			return
		}
		s.durableWrites.Add(1)
	}()
}

// GetHistory returns up to limit recent messages for the session in
// chronological order. A memory hit returns the cached window; a miss reads
// through the durable tier and populates memory.
func (s *Store) GetHistory(ctx context.Context, sessionID string, limit int) []types.Message {
	if limit <= 0 || limit > s.maxMessages {
		limit = s.maxMessages
	}

	s.mu.Lock()
	ms, ok := s.sessions[sessionID]
	if ok && len(ms.messages) > 0 {
		msgs := tail(ms.messages, limit)
		s.mu.Unlock()
		s.cacheHits.Add(1)
		return msgs
	}
	s.mu.Unlock()
	s.cacheMisses.Add(1)

	if !s.durableHealthy() {
		return nil
	}

	s.durableReads.Add(1)
	loaded, err := s.repo.LoadRecentMessages(ctx, sessionID, limit)
	if err != nil {
		s.tripFallback("load_recent_messages", err)
		return nil
	}

	now := s.now().UTC()
	s.mu.Lock()
	ms, ok = s.sessions[sessionID]
	if !ok {
		ms = &memorySession{lastActivity: now}
		s.sessions[sessionID] = ms
	}
	if len(ms.messages) == 0 {
		ms.messages = append(ms.messages, loaded...)
		if len(ms.messages) > s.maxMessages {
			ms.messages = ms.messages[len(ms.messages)-s.maxMessages:]
		}
	}
	msgs := tail(ms.messages, limit)
	s.mu.Unlock()
	return msgs
}

// RecordToolCall persists an executed tool call asynchronously. In fallback
// mode the call survives only in the assistant message's metadata.
func (s *Store) RecordToolCall(ctx context.Context, sessionID string, call types.ToolCall, result types.ToolResult) {
	if !s.durableHealthy() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := s.repo.SaveToolCall(wctx, sessionID, call, result); err != nil {
			s.tripFallback("save_tool_call", err)
			return
		}
		s.durableWrites.Add(1)
	}()
}

// DeleteSession removes the session from both tiers. Unknown sessions are a
// no-op.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !s.durableHealthy() {
		return nil
	}
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		s.tripFallback("delete_session", err)
	} else {
		s.durableWrites.Add(1)
	}
	return nil
}

// ListUserSessions lists the user's sessions. In fallback mode the result is
// computed from the memory tier alone.
func (s *Store) ListUserSessions(ctx context.Context, userID string, f ListFilters) ([]types.Session, error) {
	if s.durableHealthy() {
		s.durableReads.Add(1)
		sessions, err := s.repo.ListUserSessions(ctx, userID, f)
		if err == nil {
			return sessions, nil
		}
		s.tripFallback("list_user_sessions", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Session
	for id, ms := range s.sessions {
		if ms.userID != userID {
			continue
		}
		if !f.ActiveSince.IsZero() && ms.lastActivity.Before(f.ActiveSince) {
			continue
		}
		out = append(out, types.Session{
			ID:           id,
			UserID:       userID,
			Status:       types.SessionActive,
			LastActivity: ms.lastActivity,
		})
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Fallback reports whether the store is in memory-only fallback mode.
func (s *Store) Fallback() bool {
	return s.fallback.Load()
}

// ResetFallback probes the durable tier and clears the fallback flag on
// success. It returns the probe error otherwise.
func (s *Store) ResetFallback(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.Probe(ctx); err != nil {
		s.durableErrors.Add(1)
		return err
	}
	if s.fallback.CompareAndSwap(true, false) {
		slog.Info("session store fallback cleared")
	}
	return nil
}

// CleanupExpiredSessions purges memory sessions idle longer than the TTL and
// returns how many were removed.
func (s *Store) CleanupExpiredSessions() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, ms := range s.sessions {
		if ms.lastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("expired sessions purged", "count", removed)
	}
	return removed
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()
	return Stats{
		CacheHits:        s.cacheHits.Load(),
		CacheMisses:      s.cacheMisses.Load(),
		DurableReads:     s.durableReads.Load(),
		DurableWrites:    s.durableWrites.Load(),
		DurableErrors:    s.durableErrors.Load(),
		FallbackTriggers: s.fallbackTriggers.Load(),
		ActiveSessions:   active,
		FallbackActive:   s.fallback.Load(),
	}
}

// Wait blocks until all scheduled durable writes have completed. Intended
// for tests and graceful shutdown.
func (s *Store) Wait() {
	s.pending.Wait()
}

// tail returns a copy of the last n elements of msgs.
func tail(msgs []types.Message, n int) []types.Message {
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out
}
