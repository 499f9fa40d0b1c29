package config_test

import (
	"errors"
	"testing"

	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/pkg/llm"
	llmmock "github.com/parlancehq/parlance/pkg/llm/mock"
	"github.com/parlancehq/parlance/pkg/stt"
	sttmock "github.com/parlancehq/parlance/pkg/stt/mock"
)

func TestRegistry_CreateLLM(t *testing.T) {
	r := config.NewRegistry()
	mock := &llmmock.Provider{}
	r.RegisterLLM("mock", func(cfg config.LLMConfig) (llm.Provider, error) {
		return mock, nil
	})

	p, err := r.CreateLLM(config.LLMConfig{Provider: "mock", Model: "m"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p != mock {
		t.Error("CreateLLM returned a different provider")
	}
}

func TestRegistry_CreateLLM_NotRegistered(t *testing.T) {
	r := config.NewRegistry()
	_, err := r.CreateLLM(config.LLMConfig{Provider: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_CreateSTT(t *testing.T) {
	r := config.NewRegistry()
	r.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		return &sttmock.Recognizer{}, nil
	})

	if _, err := r.CreateSTT(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if _, err := r.CreateTTS(config.ProviderEntry{Name: "mock"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Overwrite(t *testing.T) {
	r := config.NewRegistry()
	first := &llmmock.Provider{}
	second := &llmmock.Provider{}
	r.RegisterLLM("m", func(config.LLMConfig) (llm.Provider, error) { return first, nil })
	r.RegisterLLM("m", func(config.LLMConfig) (llm.Provider, error) { return second, nil })

	p, err := r.CreateLLM(config.LLMConfig{Provider: "m"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p != second {
		t.Error("later registration should win")
	}
}

func TestDefaultRegistry_BuildsOpenAI(t *testing.T) {
	r := config.DefaultRegistry()
	p, err := r.CreateLLM(config.LLMConfig{Provider: "openai", Model: "gpt-4o", APIKey: "test-key"})
	if err != nil {
		t.Fatalf("CreateLLM(openai): %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
}

func TestDefaultRegistry_RequiresModel(t *testing.T) {
	r := config.DefaultRegistry()
	if _, err := r.CreateLLM(config.LLMConfig{Provider: "anthropic"}); err == nil {
		t.Error("CreateLLM without model succeeded, want error")
	}
}

func TestDefaultRegistry_SpeechProviders(t *testing.T) {
	r := config.DefaultRegistry()

	if _, err := r.CreateSTT(config.ProviderEntry{Name: "deepgram", APIKey: "k"}); err != nil {
		t.Errorf("CreateSTT(deepgram): %v", err)
	}
	if _, err := r.CreateSTT(config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:8080"}); err != nil {
		t.Errorf("CreateSTT(whisper): %v", err)
	}
	if _, err := r.CreateTTS(config.ProviderEntry{Name: "elevenlabs", APIKey: "k"}); err != nil {
		t.Errorf("CreateTTS(elevenlabs): %v", err)
	}
	if _, err := r.CreateTTS(config.ProviderEntry{Name: "piper", BaseURL: "http://localhost:5000"}); err != nil {
		t.Errorf("CreateTTS(piper): %v", err)
	}

	// Missing mandatory settings surface as constructor errors.
	if _, err := r.CreateSTT(config.ProviderEntry{Name: "deepgram"}); err == nil {
		t.Error("CreateSTT(deepgram) without api key succeeded, want error")
	}
	if _, err := r.CreateSTT(config.ProviderEntry{Name: "whisper"}); err == nil {
		t.Error("CreateSTT(whisper) without base url succeeded, want error")
	}
}
