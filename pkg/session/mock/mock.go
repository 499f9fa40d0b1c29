// Package mock provides a test double for the session.Repository interface.
//
// All call records and injected errors are guarded by an internal mutex, so a
// Repository is safe to inspect while the hybrid store writes to it from
// background goroutines.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/parlancehq/parlance/pkg/session"
	"github.com/parlancehq/parlance/pkg/types"
)

// SavedMessage records one SaveMessage invocation.
type SavedMessage struct {
	SessionID string
	Message   types.Message
}

// SavedToolCall records one SaveToolCall invocation.
type SavedToolCall struct {
	SessionID string
	Call      types.ToolCall
	Result    types.ToolResult
}

// Repository is a mock implementation of session.Repository backed by maps.
// Set the Err fields to inject failures per method.
type Repository struct {
	mu sync.Mutex

	// --- Injected failures ---

	GetOrCreateErr  error
	SaveMessageErr  error
	LoadErr         error
	DeleteErr       error
	ListErr         error
	SaveToolCallErr error
	ProbeErr        error

	// --- State and call records ---

	Sessions  map[string]*types.Session
	Messages  map[string][]types.Message
	Saved     []SavedMessage
	ToolCalls []SavedToolCall
	Deleted   []string
	ProbeN    int
}

// NewRepository creates an empty mock repository.
func NewRepository() *Repository {
	return &Repository{
		Sessions: make(map[string]*types.Session),
		Messages: make(map[string][]types.Message),
	}
}

var _ session.Repository = (*Repository)(nil)

func (r *Repository) GetOrCreateSession(_ context.Context, sessionID, userID string) (*types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.GetOrCreateErr != nil {
		return nil, r.GetOrCreateErr
	}
	if s, ok := r.Sessions[sessionID]; ok {
		return s, nil
	}
	s := &types.Session{
		ID:        sessionID,
		UserID:    userID,
		Status:    types.SessionActive,
		CreatedAt: time.Now().UTC(),
	}
	r.Sessions[sessionID] = s
	return s, nil
}

func (r *Repository) SaveMessage(_ context.Context, sessionID string, msg types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveMessageErr != nil {
		return r.SaveMessageErr
	}
	r.Messages[sessionID] = append(r.Messages[sessionID], msg)
	r.Saved = append(r.Saved, SavedMessage{SessionID: sessionID, Message: msg})
	return nil
}

func (r *Repository) LoadRecentMessages(_ context.Context, sessionID string, limit int) ([]types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.LoadErr != nil {
		return nil, r.LoadErr
	}
	msgs := r.Messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *Repository) DeleteSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DeleteErr != nil {
		return r.DeleteErr
	}
	delete(r.Sessions, sessionID)
	delete(r.Messages, sessionID)
	r.Deleted = append(r.Deleted, sessionID)
	return nil
}

func (r *Repository) ListUserSessions(_ context.Context, userID string, f session.ListFilters) ([]types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ListErr != nil {
		return nil, r.ListErr
	}
	var out []types.Session
	for _, s := range r.Sessions {
		if s.UserID != userID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, *s)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (r *Repository) SaveToolCall(_ context.Context, sessionID string, call types.ToolCall, result types.ToolResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveToolCallErr != nil {
		return r.SaveToolCallErr
	}
	r.ToolCalls = append(r.ToolCalls, SavedToolCall{SessionID: sessionID, Call: call, Result: result})
	return nil
}

func (r *Repository) Probe(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ProbeN++
	return r.ProbeErr
}

// SavedMessages returns a copy of the SaveMessage records.
func (r *Repository) SavedMessages() []SavedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SavedMessage, len(r.Saved))
	copy(out, r.Saved)
	return out
}

// SetSaveMessageErr swaps the injected SaveMessage failure.
func (r *Repository) SetSaveMessageErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SaveMessageErr = err
}

// SetProbeErr swaps the injected Probe failure.
func (r *Repository) SetProbeErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ProbeErr = err
}
