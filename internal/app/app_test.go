package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/pkg/llm"
	llmmock "github.com/parlancehq/parlance/pkg/llm/mock"
	sessionmock "github.com/parlancehq/parlance/pkg/session/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":0",
			ModelVariants: map[string]string{
				"default": "test-model",
			},
		},
		LLM: config.LLMConfig{
			Provider: "openai",
			Model:    "test-model",
		},
		Session: config.SessionConfig{TTLMinutes: 60, MaxMessages: 30},
		Tools: config.ToolsConfig{
			TimeoutMS: 5000,
			Cache:     config.CacheConfig{Enabled: true, TTLSeconds: 60, MaxEntries: 100},
		},
	}
}

func TestNew_MemoryOnly(t *testing.T) {
	provider := &llmmock.Provider{CompleteResponse: &llm.Response{Content: "wired"}}

	a, err := New(context.Background(), testConfig(), &Providers{LLM: provider},
		WithSessionRepository(sessionmock.NewRepository()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	req := httptest.NewRequest("POST", "/api/v1/chat/",
		strings.NewReader(`{"message":"say something wired","session_id":"s1"}`))
	rec := httptest.NewRecorder()
	a.Server().Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "wired") {
		t.Errorf("body = %s, want the provider response", rec.Body)
	}
}

func TestNew_RequiresLLM(t *testing.T) {
	_, err := New(context.Background(), testConfig(), &Providers{},
		WithSessionRepository(sessionmock.NewRepository()))
	if err == nil {
		t.Fatal("New without LLM succeeded, want error")
	}
	if !strings.Contains(err.Error(), "LLM") {
		t.Errorf("err = %v, want mention of LLM", err)
	}
}

func TestNew_FallbackGroup(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.Response{Content: "from fallback"}}

	cfg := testConfig()
	cfg.LLM.Fallback = &config.LLMFallbackConfig{Provider: "ollama", Model: "llama3.3"}

	a, err := New(context.Background(), cfg, &Providers{LLM: primary, FallbackLLM: secondary},
		WithSessionRepository(sessionmock.NewRepository()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	req := httptest.NewRequest("POST", "/api/v1/chat/",
		strings.NewReader(`{"message":"route around the outage","session_id":"s1"}`))
	rec := httptest.NewRecorder()
	a.Server().Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "from fallback") {
		t.Errorf("body = %s, want fallback response", rec.Body)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(),
		&Providers{LLM: &llmmock.Provider{}},
		WithSessionRepository(sessionmock.NewRepository()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	a, err := New(context.Background(), testConfig(),
		&Providers{LLM: &llmmock.Provider{}},
		WithSessionRepository(sessionmock.NewRepository()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); err == nil {
		t.Error("Shutdown with cancelled context = nil, want context error")
	}
}
