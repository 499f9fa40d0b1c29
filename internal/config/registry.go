package config

import (
	"errors"
	"fmt"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parlancehq/parlance/pkg/llm"
	"github.com/parlancehq/parlance/pkg/llm/anyllm"
	"github.com/parlancehq/parlance/pkg/llm/openai"
	"github.com/parlancehq/parlance/pkg/stt"
	"github.com/parlancehq/parlance/pkg/stt/deepgram"
	"github.com/parlancehq/parlance/pkg/stt/whisper"
	"github.com/parlancehq/parlance/pkg/tts"
	"github.com/parlancehq/parlance/pkg/tts/elevenlabs"
	"github.com/parlancehq/parlance/pkg/tts/piper"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(LLMConfig) (llm.Provider, error)
	stt map[string]func(ProviderEntry) (stt.Recognizer, error)
	tts map[string]func(ProviderEntry) (tts.Synthesizer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(LLMConfig) (llm.Provider, error)),
		stt: make(map[string]func(ProviderEntry) (stt.Recognizer, error)),
		tts: make(map[string]func(ProviderEntry) (tts.Synthesizer, error)),
	}
}

// DefaultRegistry returns a [Registry] pre-populated with the built-in
// factories: LLM "openai" backed by the official SDK plus every backend
// supported by any-llm-go under its own name, STT "deepgram" and "whisper",
// and TTS "elevenlabs" and "piper".
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterLLM("openai", func(cfg LLMConfig) (llm.Provider, error) {
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, cfg.Model, opts...)
	})

	for _, name := range []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		backend := name
		r.RegisterLLM(backend, func(cfg LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if cfg.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
			}
			return anyllm.New(backend, cfg.Model, opts...)
		})
	}

	r.RegisterSTT("deepgram", func(entry ProviderEntry) (stt.Recognizer, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if lang, ok := entry.Options["language"].(string); ok {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	r.RegisterSTT("whisper", func(entry ProviderEntry) (stt.Recognizer, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang, ok := entry.Options["language"].(string); ok {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	r.RegisterTTS("elevenlabs", func(entry ProviderEntry) (tts.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if voice, ok := entry.Options["voice"].(string); ok {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	r.RegisterTTS("piper", func(entry ProviderEntry) (tts.Synthesizer, error) {
		var opts []piper.Option
		if speaker, ok := entry.Options["speaker"].(string); ok {
			opts = append(opts, piper.WithDefaultSpeaker(speaker))
		}
		return piper.New(entry.BaseURL, opts...)
	})

	return r
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(LLMConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers a speech recognizer factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a speech synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateLLM constructs the LLM provider selected by cfg.Provider.
func (r *Registry) CreateLLM(cfg LLMConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm %q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateSTT constructs the speech recognizer selected by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS constructs the speech synthesizer selected by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
