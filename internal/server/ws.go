package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/parlancehq/parlance/internal/orchestrator"
	"github.com/parlancehq/parlance/pkg/event"
)

// wsPingInterval keeps idle sockets alive through proxies.
const wsPingInterval = 20 * time.Second

// wsInbound is a client control message.
type wsInbound struct {
	Type         string `json:"type"`
	Message      string `json:"message,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	ModelVariant string `json:"model_variant,omitempty"`
}

// wsConn serializes writes to one socket; events from the turn goroutine and
// control responses from the read loop interleave.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

// handleChatWS serves the bidirectional chat socket. Inbound messages are
// JSON objects selected by their type field: message starts a streaming
// turn, cancel stops the in-flight turn for a session, close ends the
// socket. Unknown types get an error event.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected shutdown")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wc := &wsConn{conn: conn}
	var turns sync.WaitGroup
	defer turns.Wait()

	// Idle ping keeps intermediaries from dropping the socket.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
				err := conn.Ping(pctx)
				pcancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// lastSession tracks the session of the most recent turn so a bare
	// cancel without session_id targets it.
	var lastSession string

	for {
		var in wsInbound
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) || ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			// Malformed JSON: report and keep the socket open.
			var jsonErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &jsonErr) || errors.As(err, &typeErr) {
				em := event.NewEmitter("")
				_ = wc.writeJSON(ctx, em.Error("invalid JSON message", codeValidation))
				continue
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		switch in.Type {
		case "message":
			sessionID := in.SessionID
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			lastSession = sessionID
			s.startWSTurn(ctx, wc, &turns, sessionID, in)

		case "cancel":
			target := in.SessionID
			if target == "" {
				target = lastSession
			}
			if target == "" || !s.tasks.Cancel(target) {
				em := event.NewEmitter(target)
				_ = wc.writeJSON(ctx, em.Error("no active turn to cancel", codeNotFound))
			}

		case "close":
			conn.Close(websocket.StatusNormalClosure, "client close")
			return

		default:
			em := event.NewEmitter(in.SessionID)
			_ = wc.writeJSON(ctx, em.Error("unknown message type: "+in.Type, codeValidation))
		}
	}
}

// startWSTurn launches one streaming turn and forwards its events to the
// socket. The task manager guarantees a prior turn for the same session is
// cancelled and awaited first.
func (s *Server) startWSTurn(ctx context.Context, wc *wsConn, turns *sync.WaitGroup, sessionID string, in wsInbound) {
	model, err := s.resolveModel(in.ModelVariant)
	if err != nil {
		em := event.NewEmitter(sessionID)
		_ = wc.writeJSON(ctx, em.Error(err.Error(), codeValidation))
		return
	}

	turnCtx, turnCancel := context.WithCancel(ctx)
	handle := s.tasks.Register(sessionID, turnCancel)

	events, err := s.orch.ProcessTurnStream(turnCtx, orchestrator.TurnRequest{
		SessionID: sessionID,
		UserID:    in.UserID,
		Input:     in.Message,
		Model:     model,
	})
	if err != nil {
		handle.Finish()
		s.tasks.Unregister(sessionID)
		turnCancel()
		em := event.NewEmitter(sessionID)
		_ = wc.writeJSON(ctx, em.Error(err.Error(), codeInternal))
		return
	}

	turns.Add(1)
	go func() {
		defer turns.Done()
		defer turnCancel()
		defer s.tasks.Unregister(sessionID)
		defer handle.Finish()

		if s.metrics != nil && s.metrics.ActiveStreams != nil {
			s.metrics.ActiveStreams.Add(turnCtx, 1)
			defer s.metrics.ActiveStreams.Add(context.WithoutCancel(turnCtx), -1)
		}

		for e := range events {
			if err := wc.writeJSON(ctx, e); err != nil {
				turnCancel()
				for range events {
				}
				return
			}
		}
	}()
}
