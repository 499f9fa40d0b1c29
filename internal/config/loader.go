package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parlancehq/parlance/internal/mcpbridge"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "piper"},
}

// Load reads the YAML configuration file at path, applies PARLANCE_*
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays PARLANCE_* environment variables onto cfg. Environment
// values win over file values so deployments can keep secrets out of YAML.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PARLANCE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("PARLANCE_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v := os.Getenv("PARLANCE_API_KEYS"); v != "" {
		cfg.Server.APIKeys = splitAndTrim(v)
	}
	if v := os.Getenv("PARLANCE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("PARLANCE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
}

// splitAndTrim splits a comma-separated list, dropping empty entries.
func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	for i, key := range cfg.Server.APIKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Errorf("server.api_keys[%d] is empty", i))
		}
	}
	for variant, model := range cfg.Server.ModelVariants {
		if model == "" {
			errs = append(errs, fmt.Errorf("server.model_variants[%q] maps to an empty model name", variant))
		}
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// LLM
	validateProviderName("llm", cfg.LLM.Provider)
	if cfg.LLM.Provider != "" && cfg.LLM.Model == "" {
		errs = append(errs, fmt.Errorf("llm.model is required when llm.provider is set"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if fb := cfg.LLM.Fallback; fb != nil {
		validateProviderName("llm", fb.Provider)
		if fb.Provider == "" || fb.Model == "" {
			errs = append(errs, errors.New("llm.fallback requires both provider and model"))
		}
	}

	// Speech providers
	validateProviderName("stt", cfg.STT.Name)
	validateProviderName("tts", cfg.TTS.Name)

	// Tools
	if cfg.Tools.Cache.Enabled && cfg.Tools.Cache.TTLSeconds <= 0 {
		errs = append(errs, errors.New("tools.cache.ttl_seconds must be positive when the cache is enabled"))
	}
	if cfg.Tools.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("tools.max_parallel %d must not be negative", cfg.Tools.MaxParallel))
	}

	// Session
	if cfg.Session.TTLMinutes < 0 {
		errs = append(errs, fmt.Errorf("session.ttl_minutes %d must not be negative", cfg.Session.TTLMinutes))
	}
	if cfg.Session.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("session.max_messages %d must not be negative", cfg.Session.MaxMessages))
	}

	// RAG ↔ database cross-validation
	if cfg.RAG.Enabled && cfg.Database.DSN == "" {
		errs = append(errs, errors.New("rag.enabled requires database.dsn"))
	}
	if cfg.RAG.Enabled && cfg.RAG.Dimensions <= 0 {
		slog.Warn("rag.dimensions is not set; defaulting to 1536")
	}
	if cfg.Database.DSN == "" {
		slog.Warn("database.dsn is empty; sessions and checkpoints will not survive restarts")
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcpbridge.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcpbridge.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
