package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parlancehq/parlance/internal/orchestrator"
	"github.com/parlancehq/parlance/pkg/event"
	"github.com/parlancehq/parlance/pkg/types"
)

// chatRequest is the inbound body for the chat routes.
type chatRequest struct {
	Message      string `json:"message"`
	SessionID    string `json:"session_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	ModelVariant string `json:"model_variant,omitempty"`
	Stream       bool   `json:"stream,omitempty"`
}

// messagePayload is the wire form of a stored message.
type messagePayload struct {
	ID         string         `json:"id,omitempty"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

func toMessagePayload(m types.Message) messagePayload {
	return messagePayload{
		ID:         m.ID,
		Role:       string(m.Role),
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		Metadata:   m.Metadata,
		ToolCallID: m.ToolCallID,
	}
}

// decodeChatRequest reads a chatRequest from the body, or from query
// parameters on GET (the SSE route supports both).
func decodeChatRequest(r *http.Request) (chatRequest, error) {
	var req chatRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.Message = q.Get("message")
		req.SessionID = q.Get("session_id")
		req.UserID = q.Get("user_id")
		req.ModelVariant = q.Get("model_variant")
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, badRequest("invalid JSON body: " + err.Error())
	}
	return req, nil
}

// handleChat runs a blocking turn, or switches to SSE when stream is set.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Stream {
		s.serveSSE(w, r, req)
		return
	}

	model, err := s.resolveModel(req.ModelVariant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	result, err := s.orch.ProcessTurn(r.Context(), orchestrator.TurnRequest{
		SessionID: sessionID,
		UserID:    req.UserID,
		Input:     req.Message,
		Model:     model,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleChatStream serves a turn as an SSE stream.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serveSSE(w, r, req)
}

// serveSSE streams one turn as `data: <json>` frames, terminating after the
// terminal event. A new stream for the same session supersedes and cancels
// the previous one through the task manager.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, req chatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("response writer does not support streaming"))
		return
	}
	model, err := s.resolveModel(req.ModelVariant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	handle := s.tasks.Register(sessionID, cancel)
	defer handle.Finish()
	defer s.tasks.Unregister(sessionID)

	events, err := s.orch.ProcessTurnStream(ctx, orchestrator.TurnRequest{
		SessionID: sessionID,
		UserID:    req.UserID,
		Input:     req.Message,
		Model:     model,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.metrics != nil && s.metrics.ActiveStreams != nil {
		s.metrics.ActiveStreams.Add(ctx, 1)
		defer s.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)
	}

	for e := range events {
		if err := writeSSE(w, flusher, e); err != nil {
			cancel()
			// Drain so the producer can finish unwinding.
			for range events {
			}
			return
		}
		if e.Type.Terminal() {
			// The producer closes the channel right after; drain remains.
			for range events {
			}
			return
		}
	}
}

// writeSSE renders one event as an SSE frame and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleChatHistory returns the stored message window for a session.
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeError(w, r, badRequest("session id is required"))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}

	history := s.store.GetHistory(r.Context(), sessionID, limit)
	messages := make([]messagePayload, 0, len(history))
	for _, m := range history {
		messages = append(messages, toMessagePayload(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   messages,
		"count":      len(messages),
	})
}
