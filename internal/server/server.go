// Package server exposes the HTTP surface: chat (blocking, SSE, WebSocket),
// session CRUD, tool catalog and execution, the conversation façade routes,
// health probes, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlancehq/parlance/internal/conversation"
	"github.com/parlancehq/parlance/internal/health"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/orchestrator"
	"github.com/parlancehq/parlance/internal/streamtask"
	"github.com/parlancehq/parlance/pkg/session"
	"github.com/parlancehq/parlance/pkg/tool"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// APIKeys are the accepted X-API-Key values. Empty disables auth.
	APIKeys []string

	// AllowedOrigins is the CORS and WebSocket origin allow-list. Empty
	// allows same-origin only.
	AllowedOrigins []string

	// ModelVariants maps client-facing variant names (default, fast,
	// creative) to concrete model names.
	ModelVariants map[string]string
}

// Server wires the HTTP handlers around the application subsystems.
type Server struct {
	cfg      Config
	orch     *orchestrator.Orchestrator
	facade   *conversation.Facade
	store    *session.Store
	registry *tool.Registry
	executor *tool.Executor
	tasks    *streamtask.Manager
	health   *health.Handler
	metrics  *observe.Metrics

	httpSrv *http.Server
}

// New creates a Server. metrics may be nil.
func New(cfg Config, orch *orchestrator.Orchestrator, facade *conversation.Facade, store *session.Store, registry *tool.Registry, executor *tool.Executor, tasks *streamtask.Manager, healthHandler *health.Handler, metrics *observe.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		orch:     orch,
		facade:   facade,
		store:    store,
		registry: registry,
		executor: executor,
		tasks:    tasks,
		health:   healthHandler,
		metrics:  metrics,
	}
}

// Routes builds the full handler tree: observability middleware outermost,
// then CORS, then API-key auth for the /api/v1 routes. Health probes and
// /metrics stay unauthenticated for scrapers and orchestrators.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Chat surface.
	mux.HandleFunc("POST /api/v1/chat/", s.handleChat)
	mux.HandleFunc("POST /api/v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/v1/chat/ws", s.handleChatWS)
	mux.HandleFunc("GET /api/v1/chat/history/{session_id}", s.handleChatHistory)

	// Session CRUD.
	mux.HandleFunc("POST /api/v1/session", s.handleSessionCreate)
	mux.HandleFunc("GET /api/v1/session/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /api/v1/session/{id}", s.handleSessionDelete)
	mux.HandleFunc("GET /api/v1/session", s.handleSessionList)

	// Tools.
	mux.HandleFunc("GET /api/v1/tools/", s.handleToolsList)
	mux.HandleFunc("POST /api/v1/tools/execute/{name}", s.handleToolExecute)

	// Conversation façade.
	mux.HandleFunc("POST /api/v1/conversation/message", s.handleConversationMessage)
	mux.HandleFunc("POST /api/v1/conversation/message-stream", s.handleConversationMessageStream)
	mux.HandleFunc("POST /api/v1/conversation/message-audio", s.handleConversationAudio)
	mux.HandleFunc("POST /api/v1/conversation/message-audio-stream", s.handleConversationAudioStream)

	// Health and metrics.
	mux.HandleFunc("GET /api/v1/health/", s.health.Report)
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = s.requireAPIKey(handler)
	handler = s.cors(handler)
	handler = observe.Middleware(s.metrics)(handler)
	return handler
}

// Start runs the HTTP server until ctx is cancelled, then drains with a
// shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(sctx)
	}
}

// resolveModel maps a client model variant to a concrete model name. Empty
// means the configured default.
func (s *Server) resolveModel(variant string) (string, error) {
	if variant == "" {
		variant = "default"
	}
	if model, ok := s.cfg.ModelVariants[variant]; ok {
		return model, nil
	}
	if variant == "default" {
		// No variant map configured; the orchestrator default applies.
		return "", nil
	}
	return "", &apiError{Status: http.StatusBadRequest, Code: codeValidation, Message: "unknown model variant: " + variant}
}
