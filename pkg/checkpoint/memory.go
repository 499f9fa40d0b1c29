package checkpoint

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxPerThread bounds retained checkpoints per thread in the memory
// saver; oldest entries are pruned silently.
const DefaultMaxPerThread = 100

// Compile-time interface check.
var _ Saver = (*MemorySaver)(nil)

// MemorySaver is the in-process Saver used when no durable backend is
// configured or reachable. Safe for concurrent use.
type MemorySaver struct {
	mu           sync.Mutex
	threads      map[string][]Checkpoint // newest last
	maxPerThread int
	now          func() time.Time
}

// MemoryOption configures a MemorySaver.
type MemoryOption func(*MemorySaver)

// WithMaxPerThread overrides the per-thread retention bound.
func WithMaxPerThread(n int) MemoryOption {
	return func(s *MemorySaver) {
		if n > 0 {
			s.maxPerThread = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemorySaver) { s.now = now }
}

// NewMemorySaver creates an empty MemorySaver.
func NewMemorySaver(opts ...MemoryOption) *MemorySaver {
	s := &MemorySaver{
		threads:      make(map[string][]Checkpoint),
		maxPerThread: DefaultMaxPerThread,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements Saver.
func (s *MemorySaver) Get(ctx context.Context, threadID string) ([]byte, error) {
	cp, err := s.GetTuple(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return cp.Snapshot, nil
}

// GetTuple implements Saver.
func (s *MemorySaver) GetTuple(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.threads[threadID]
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	cp := cps[len(cps)-1]
	cp.Snapshot = append([]byte(nil), cp.Snapshot...)
	return &cp, nil
}

// Put implements Saver.
func (s *MemorySaver) Put(_ context.Context, threadID string, snapshot []byte, metadata map[string]any) (string, error) {
	now := s.now().UTC()
	id := NewID(now, StepFromMetadata(metadata))

	cp := Checkpoint{
		ThreadID:  threadID,
		ID:        id,
		Snapshot:  append([]byte(nil), snapshot...),
		Metadata:  metadata,
		CreatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cps := append(s.threads[threadID], cp)
	if len(cps) > s.maxPerThread {
		cps = cps[len(cps)-s.maxPerThread:]
	}
	s.threads[threadID] = cps
	return id, nil
}

// List implements Saver, newest first.
func (s *MemorySaver) List(_ context.Context, threadID string, opts ListOptions) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.threads[threadID]
	out := make([]Checkpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		cp := cps[i]
		if opts.Before != "" && cp.ID >= opts.Before {
			continue
		}
		cp.Snapshot = append([]byte(nil), cp.Snapshot...)
		out = append(out, cp)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Delete implements Saver.
func (s *MemorySaver) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}
