package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parlancehq/parlance/pkg/session"
	"github.com/parlancehq/parlance/pkg/types"
)

// sessionPayload is the wire form of a session.
type sessionPayload struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id,omitempty"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Summary      string         `json:"summary,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func toSessionPayload(s *types.Session) sessionPayload {
	return sessionPayload{
		ID:           s.ID,
		UserID:       s.UserID,
		Status:       string(s.Status),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		Summary:      s.Summary,
		Metadata:     s.Metadata,
	}
}

// handleSessionCreate creates a fresh session, optionally bound to a user.
func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id,omitempty"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSONBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	sess, err := s.store.GetOrCreate(r.Context(), uuid.NewString(), req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionPayload(sess))
}

// handleSessionGet returns the session, creating it when unknown so that
// clients can bring their own ids.
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, r, badRequest("session id is required"))
		return
	}
	sess, err := s.store.GetOrCreate(r.Context(), id, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionPayload(sess))
}

// handleSessionDelete removes the session and its messages from both tiers.
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, r, badRequest("session id is required"))
		return
	}
	// A superseded stream for this session must stop first.
	s.tasks.Cancel(id)
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionList returns sessions owned by a user, newest first.
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, r, badRequest("user_id query parameter is required"))
		return
	}

	filters := session.ListFilters{}
	if v := q.Get("status"); v != "" {
		status := types.SessionStatus(v)
		if !status.IsValid() {
			writeError(w, r, badRequest("unknown session status: "+v))
			return
		}
		filters.Status = status
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		filters.Limit = n
	}

	sessions, err := s.store.ListUserSessions(r.Context(), userID, filters)
	if err != nil {
		writeError(w, r, err)
		return
	}
	payload := make([]sessionPayload, 0, len(sessions))
	for i := range sessions {
		payload = append(payload, toSessionPayload(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": payload,
		"count":    len(payload),
	})
}
