// Command parlance is the main entry point for the Parlance agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parlancehq/parlance/internal/app"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/observe"
	ollamaembed "github.com/parlancehq/parlance/pkg/embeddings/ollama"
	openaiembed "github.com/parlancehq/parlance/pkg/embeddings/openai"
	"github.com/parlancehq/parlance/pkg/rag"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parlance: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parlance: %v\n", err)
		}
		return 1
	}

	level := newLevelVar(cfg.Server.LogLevel)
	slog.SetDefault(newLogger(level))

	slog.Info("parlance starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "parlance",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.DefaultRegistry()
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Hot-reload the log level when the config file changes.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if old.Server.LogLevel != new.Server.LogLevel {
			level.Set(slogLevel(new.Server.LogLevel))
			slog.Info("log level changed", "level", new.Server.LogLevel)
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if cfg.LLM.Provider == "" {
		return nil, fmt.Errorf("llm.provider is required")
	}
	p, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Provider, err)
	}
	ps.LLM = p
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Provider, "model", cfg.LLM.Model)

	if fb := cfg.LLM.Fallback; fb != nil {
		fp, err := reg.CreateLLM(config.LLMConfig{
			Provider: fb.Provider,
			Model:    fb.Model,
			APIKey:   fb.APIKey,
			BaseURL:  fb.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("create fallback llm provider %q: %w", fb.Provider, err)
		}
		ps.FallbackLLM = fp
		slog.Info("provider created", "kind", "llm-fallback", "name", fb.Provider, "model", fb.Model)
	}

	if name := cfg.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("stt provider not registered; audio input disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	if name := cfg.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("tts provider not registered; audio output disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	if cfg.RAG.Enabled {
		embedder, err := buildEmbedder(cfg)
		if err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
		ps.Embedder = embedder
		slog.Info("provider created", "kind", "embeddings", "model", cfg.RAG.EmbeddingModel)
	}

	return ps, nil
}

// buildEmbedder picks the embedding backend to match the LLM provider:
// a local ollama deployment embeds locally, everything else goes to OpenAI.
func buildEmbedder(cfg *config.Config) (rag.Embedder, error) {
	if cfg.LLM.Provider == "ollama" {
		return ollamaembed.New(cfg.LLM.BaseURL, cfg.RAG.EmbeddingModel)
	}
	return openaiembed.New(cfg.LLM.APIKey, cfg.RAG.EmbeddingModel)
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Parlance — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printLine("LLM", cfg.LLM.Provider+" / "+cfg.LLM.Model)
	if fb := cfg.LLM.Fallback; fb != nil {
		printLine("LLM fallback", fb.Provider+" / "+fb.Model)
	}
	printLine("STT", orDisabled(cfg.STT.Name))
	printLine("TTS", orDisabled(cfg.TTS.Name))
	if cfg.Database.DSN != "" {
		printLine("Database", "postgres")
	} else {
		printLine("Database", "(memory only)")
	}
	if cfg.RAG.Enabled {
		printLine("Memory", cfg.RAG.EmbeddingModel)
	} else {
		printLine("Memory", "(disabled)")
	}
	fmt.Printf("║  MCP servers  : %-22d ║\n", len(cfg.MCP.Servers))
	printLine("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printLine(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 22 {
		value = value[:19] + "…"
	}
	fmt.Printf("║  %-12s : %-22s ║\n", kind, value)
}

func orDisabled(name string) string {
	if name == "" {
		return "(disabled)"
	}
	return name
}
