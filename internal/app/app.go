// Package app wires all Parlance subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithSessionRepository,
// WithCheckpointSaver, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/conversation"
	"github.com/parlancehq/parlance/internal/health"
	"github.com/parlancehq/parlance/internal/mcpbridge"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/orchestrator"
	"github.com/parlancehq/parlance/internal/resilience"
	"github.com/parlancehq/parlance/internal/server"
	"github.com/parlancehq/parlance/internal/streamtask"
	"github.com/parlancehq/parlance/pkg/checkpoint"
	checkpointpg "github.com/parlancehq/parlance/pkg/checkpoint/postgres"
	"github.com/parlancehq/parlance/pkg/llm"
	"github.com/parlancehq/parlance/pkg/rag"
	"github.com/parlancehq/parlance/pkg/session"
	sessionpg "github.com/parlancehq/parlance/pkg/session/postgres"
	"github.com/parlancehq/parlance/pkg/stt"
	"github.com/parlancehq/parlance/pkg/tool"
	"github.com/parlancehq/parlance/pkg/tts"
)

// cleanupInterval is how often expired sessions and finished stream tasks are
// swept.
const cleanupInterval = 5 * time.Minute

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main via the config registry.
type Providers struct {
	// LLM is the primary chat-completion backend. Required.
	LLM llm.Provider

	// FallbackLLM, when non-nil, is chained behind LLM via a circuit-breaker
	// fallback group.
	FallbackLLM llm.Provider

	// STT transcribes audio input. Nil disables the audio input modes.
	STT stt.Recognizer

	// TTS synthesizes audio output. Nil disables the audio output modes.
	TTS tts.Synthesizer

	// Embedder computes vectors for the semantic memory layer. Nil disables
	// the search_memory tool even when rag.enabled is set.
	Embedder rag.Embedder
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	pool     *pgxpool.Pool
	sessions *session.Store
	saver    checkpoint.Saver
	registry *tool.Registry
	executor *tool.Executor
	bridge   *mcpbridge.Bridge
	tasks    *streamtask.Manager
	metrics  *observe.Metrics
	orch     *orchestrator.Orchestrator
	facade   *conversation.Facade
	srv      *server.Server

	// repo is the durable session tier; nil means memory-only.
	repo session.Repository

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionRepository injects a durable session tier instead of connecting
// to PostgreSQL.
func WithSessionRepository(r session.Repository) Option {
	return func(a *App) { a.repo = r }
}

// WithCheckpointSaver injects a checkpoint saver instead of creating one from
// config.
func WithCheckpointSaver(s checkpoint.Saver) Option {
	return func(a *App) { a.saver = s }
}

// WithToolRegistry injects a pre-populated tool registry.
func WithToolRegistry(r *tool.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects a metrics recorder; the default is observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: database connection +
// migrations, session store, checkpointer, tool registry + executor, MCP
// server import, semantic memory, orchestrator, façade, and HTTP server.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("app: init database: %w", err)
	}
	a.initSessions()
	a.initCheckpoints()
	a.initTools()
	if err := a.initRAG(); err != nil {
		return nil, fmt.Errorf("app: init rag: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}
	if err := a.initOrchestrator(); err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}
	a.initServer()

	// The pool closes last so in-flight durable writes can drain first.
	if a.pool != nil {
		pool := a.pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
	}

	return a, nil
}

// initDatabase connects the pgx pool and runs the idempotent migrations.
// An empty DSN leaves the pool nil; sessions and checkpoints then live in
// memory only.
func (a *App) initDatabase(ctx context.Context) error {
	dsn := a.cfg.Database.DSN
	if dsn == "" || a.repo != nil {
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping: %w", err)
	}

	if err := sessionpg.Migrate(ctx, pool); err != nil {
		pool.Close()
		return fmt.Errorf("migrate sessions: %w", err)
	}
	if err := checkpointpg.Migrate(ctx, pool); err != nil {
		pool.Close()
		return fmt.Errorf("migrate checkpoints: %w", err)
	}
	if a.cfg.RAG.Enabled {
		dims := a.cfg.RAG.Dimensions
		if dims <= 0 {
			dims = 1536
		}
		if err := rag.Migrate(ctx, pool, dims); err != nil {
			pool.Close()
			return fmt.Errorf("migrate rag: %w", err)
		}
	}

	a.pool = pool
	slog.Info("database connected")
	return nil
}

// initSessions builds the hybrid store over the durable tier (when present).
func (a *App) initSessions() {
	if a.repo == nil && a.pool != nil {
		a.repo = sessionpg.NewRepository(a.pool)
	}

	var opts []session.Option
	if a.cfg.Session.MaxMessages > 0 {
		opts = append(opts, session.WithMaxMessages(a.cfg.Session.MaxMessages))
	}
	if a.cfg.Session.TTLMinutes > 0 {
		opts = append(opts, session.WithSessionTTL(time.Duration(a.cfg.Session.TTLMinutes)*time.Minute))
	}
	a.sessions = session.NewStore(a.repo, opts...)

	// Drain in-flight durable writes before the pool closes.
	a.closers = append(a.closers, func() error {
		a.sessions.Wait()
		return nil
	})
}

// initCheckpoints picks the durable saver when a pool exists.
func (a *App) initCheckpoints() {
	if a.saver != nil {
		return
	}
	if a.pool != nil {
		a.saver = checkpointpg.NewSaver(a.pool)
		return
	}
	a.saver = checkpoint.NewMemorySaver()
}

// initTools builds the registry and executor from config.
func (a *App) initTools() {
	if a.registry == nil {
		a.registry = tool.NewRegistry()
	}

	var opts []tool.ExecutorOption
	if a.cfg.Tools.TimeoutMS > 0 {
		opts = append(opts, tool.WithTimeout(time.Duration(a.cfg.Tools.TimeoutMS)*time.Millisecond))
	}
	if a.cfg.Tools.MaxParallel > 0 {
		opts = append(opts, tool.WithMaxParallel(a.cfg.Tools.MaxParallel))
	}
	if c := a.cfg.Tools.Cache; c.Enabled {
		opts = append(opts, tool.WithCache(c.MaxEntries, time.Duration(c.TTLSeconds)*time.Second))
	}
	a.executor = tool.NewExecutor(a.registry, opts...)
}

// initRAG registers the search_memory tool over the pgvector store.
func (a *App) initRAG() error {
	if !a.cfg.RAG.Enabled {
		return nil
	}
	if a.pool == nil {
		slog.Warn("rag.enabled set but no database pool; semantic memory disabled")
		return nil
	}
	if a.providers.Embedder == nil {
		slog.Warn("rag.enabled set but no embedder configured; semantic memory disabled")
		return nil
	}

	store := rag.NewStore(a.pool, a.providers.Embedder)
	if err := a.registry.Register(rag.SearchMemoryTool(store)); err != nil {
		return err
	}
	slog.Info("semantic memory enabled", "top_k", a.cfg.RAG.TopK)
	return nil
}

// initMCP imports tools from every configured MCP server.
func (a *App) initMCP(ctx context.Context) error {
	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}

	a.bridge = mcpbridge.New(a.registry)
	a.closers = append(a.closers, a.bridge.Close)

	for _, srv := range a.cfg.MCP.Servers {
		err := a.bridge.Connect(ctx, mcpbridge.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
			NoCache:   srv.NoCache,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// initOrchestrator assembles the turn state machine and the conversation
// façade on top of it.
func (a *App) initOrchestrator() error {
	provider := a.providers.LLM
	if provider == nil {
		return fmt.Errorf("no LLM provider configured")
	}
	if a.providers.FallbackLLM != nil {
		group := resilience.NewLLMFallback(provider, a.cfg.LLM.Provider, resilience.FallbackConfig{})
		group.AddFallback(a.cfg.LLM.Fallback.Provider, a.providers.FallbackLLM)
		provider = group
		slog.Info("llm fallback enabled",
			"primary", a.cfg.LLM.Provider,
			"fallback", a.cfg.LLM.Fallback.Provider,
		)
	}

	a.orch = orchestrator.New(provider, a.registry, a.executor, a.sessions, a.saver, a.metrics, orchestrator.Config{
		Model:             a.cfg.LLM.Model,
		Temperature:       a.cfg.LLM.Temperature,
		MaxTokens:         a.cfg.LLM.MaxTokens,
		MaxToolIterations: a.cfg.LLM.MaxToolIterations,
	})
	a.facade = conversation.New(a.orch, a.providers.STT, a.providers.TTS, a.metrics)
	a.tasks = streamtask.NewManager()
	return nil
}

// initServer builds the HTTP server with the health checkers.
func (a *App) initServer() {
	checkers := []health.Checker{
		{Name: "sessions", Check: func(ctx context.Context) error {
			if a.sessions.Fallback() {
				return fmt.Errorf("durable tier in fallback mode")
			}
			return nil
		}},
	}
	if a.pool != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.pool.Ping})
	}

	a.srv = server.New(server.Config{
		Addr:           a.cfg.Server.ListenAddr,
		APIKeys:        a.cfg.Server.APIKeys,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		ModelVariants:  a.cfg.Server.ModelVariants,
	}, a.orch, a.facade, a.sessions, a.registry, a.executor, a.tasks, health.New(checkers...), a.metrics)
}

// Server exposes the HTTP server, mainly for tests.
func (a *App) Server() *server.Server { return a.srv }

// Registry exposes the tool registry so callers can add native tools before Run.
func (a *App) Registry() *tool.Registry { return a.registry }

// Run serves HTTP until ctx is cancelled, sweeping expired sessions and
// completed stream tasks in the background.
func (a *App) Run(ctx context.Context) error {
	go a.sweep(ctx)
	slog.Info("app running", "addr", a.cfg.Server.ListenAddr, "tools", a.registry.Len())
	return a.srv.Start(ctx)
}

// sweep periodically drops expired sessions and finished stream handles.
func (a *App) sweep(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.sessions.CleanupExpiredSessions(); n > 0 {
				slog.Debug("expired sessions removed", "count", n)
			}
			if n := a.tasks.CleanupCompleted(); n > 0 {
				slog.Debug("completed stream tasks removed", "count", n)
			}
		}
	}
}

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
