// Package streamtask tracks in-flight streaming turns, enforcing at most one
// per session. Registering a new task for a session supersedes the previous
// one: the old task is cancelled and awaited before the new handle is
// stored.
package streamtask

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// unwindTimeout bounds how long Cancel and Register wait for a superseded
// task to return after its context is cancelled.
const unwindTimeout = 5 * time.Second

// Handle represents one running streaming task.
type Handle struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
	started   time.Time
}

// Done returns a channel closed when the task owner calls Finish.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Finish marks the task complete. Idempotent.
func (h *Handle) Finish() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Manager tracks at most one streaming task per session.
// All methods are safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*Handle
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{tasks: make(map[string]*Handle)}
}

// Register records a new task for the session and returns its Handle. Any
// previous task for the session is cancelled and awaited first. The caller
// must call Handle.Finish when the task returns and Unregister when done.
func (m *Manager) Register(sessionID string, cancel context.CancelFunc) *Handle {
	m.mu.Lock()
	prev := m.tasks[sessionID]
	delete(m.tasks, sessionID)
	m.mu.Unlock()

	if prev != nil {
		m.unwind(prev)
	}

	h := &Handle{
		sessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
		started:   time.Now(),
	}
	m.mu.Lock()
	m.tasks[sessionID] = h
	m.mu.Unlock()
	return h
}

// Cancel cancels the session's tracked task, awaits its unwind, and reports
// whether a task was found.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	h, ok := m.tasks[sessionID]
	delete(m.tasks, sessionID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.unwind(h)
	return true
}

// Unregister removes the session's task on normal completion. The handle's
// context is not cancelled.
func (m *Manager) Unregister(sessionID string) {
	m.mu.Lock()
	h, ok := m.tasks[sessionID]
	delete(m.tasks, sessionID)
	m.mu.Unlock()
	if ok {
		h.Finish()
	}
}

// ActiveCount returns the number of tracked tasks.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// CleanupCompleted drops handles whose tasks have already finished without
// being unregistered, returning how many were removed.
func (m *Manager) CleanupCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, h := range m.tasks {
		select {
		case <-h.done:
			delete(m.tasks, id)
			removed++
		default:
		}
	}
	return removed
}

// unwind cancels a superseded task and waits for it to return.
func (m *Manager) unwind(h *Handle) {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(unwindTimeout):
		slog.Warn("stream task did not unwind in time", "session_id", h.sessionID)
	}
}
