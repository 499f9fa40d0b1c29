package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parlancehq/parlance/internal/conversation"
	"github.com/parlancehq/parlance/internal/health"
	"github.com/parlancehq/parlance/internal/orchestrator"
	"github.com/parlancehq/parlance/internal/streamtask"
	"github.com/parlancehq/parlance/pkg/checkpoint"
	"github.com/parlancehq/parlance/pkg/event"
	"github.com/parlancehq/parlance/pkg/llm"
	llmmock "github.com/parlancehq/parlance/pkg/llm/mock"
	"github.com/parlancehq/parlance/pkg/session"
	sessionmock "github.com/parlancehq/parlance/pkg/session/mock"
	"github.com/parlancehq/parlance/pkg/stt"
	sttmock "github.com/parlancehq/parlance/pkg/stt/mock"
	"github.com/parlancehq/parlance/pkg/tool"
	ttsmock "github.com/parlancehq/parlance/pkg/tts/mock"
	"github.com/parlancehq/parlance/pkg/types"
)

// testEnv bundles the server with the doubles behind it.
type testEnv struct {
	server   *Server
	provider *llmmock.Provider
	store    *session.Store
	rec      *sttmock.Recognizer
	syn      *ttsmock.Synthesizer
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	provider := &llmmock.Provider{
		CompleteResponse: &llm.Response{Content: "mock answer"},
		StreamChunks: []llm.Chunk{
			{Text: "mock "},
			{Text: "answer"},
			{FinishReason: "stop"},
		},
	}
	registry := tool.NewRegistry()
	if err := registry.Register(&tool.Tool{
		Name:        "echo",
		Description: "Echoes text back.",
		Parameters: []tool.Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	executor := tool.NewExecutor(registry)
	store := session.NewStore(sessionmock.NewRepository())
	orch := orchestrator.New(provider, registry, executor, store, checkpoint.NewMemorySaver(), nil, orchestrator.Config{Model: "test-model"})

	rec := &sttmock.Recognizer{Result: stt.Result{Text: "transcribed input", Success: true}}
	syn := &ttsmock.Synthesizer{Chunks: [][]byte{[]byte("audio-1"), []byte("audio-2")}}
	facade := conversation.New(orch, rec, syn, nil)

	srv := New(cfg, orch, facade, store, registry, executor,
		streamtask.NewManager(), health.New(), nil)

	return &testEnv{server: srv, provider: provider, store: store, rec: rec, syn: syn}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Routes().ServeHTTP(rec, req)
	return rec
}

func TestChat_Blocking(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, "POST", "/api/v1/chat/", chatRequest{Message: "tell me something nice", SessionID: "s1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var result map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["response"] != "mock answer" {
		t.Errorf("response = %q, want mock answer", result["response"])
	}
	if result["session_id"] != "s1" {
		t.Errorf("session_id = %q, want s1", result["session_id"])
	}
	if result["success"] != true {
		t.Errorf("success = %v, want true", result["success"])
	}
	metadata, ok := result["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("metadata = %v, want object", result["metadata"])
	}
	if metadata["tool_calls"] != float64(0) {
		t.Errorf("metadata.tool_calls = %v, want 0", metadata["tool_calls"])
	}
}

func TestChat_GeneratesSessionID(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, "POST", "/api/v1/chat/", chatRequest{Message: "fresh session please now"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var result orchestrator.TurnResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.SessionID == "" {
		t.Error("SessionID not generated")
	}
}

func TestChat_UnknownModelVariant(t *testing.T) {
	env := newTestEnv(t, Config{ModelVariants: map[string]string{"default": "m1", "fast": "m2"}})

	rec := env.do(t, "POST", "/api/v1/chat/", chatRequest{Message: "hi there friend", ModelVariant: "psychic"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ErrorCode != codeValidation {
		t.Errorf("ErrorCode = %q, want VALIDATION", body.ErrorCode)
	}
}

func TestChat_ModelVariantResolved(t *testing.T) {
	env := newTestEnv(t, Config{ModelVariants: map[string]string{"default": "m1", "fast": "m2"}})

	rec := env.do(t, "POST", "/api/v1/chat/", chatRequest{Message: "quick answer needed here", ModelVariant: "fast"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := env.provider.CompleteCalls[0].Req.Model; got != "m2" {
		t.Errorf("model = %q, want m2", got)
	}
}

func TestChat_InvalidBody(t *testing.T) {
	env := newTestEnv(t, Config{})

	req := httptest.NewRequest("POST", "/api/v1/chat/", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatStream_SSE(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, "POST", "/api/v1/chat/stream", chatRequest{Message: "stream me an answer", SessionID: "s1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) == 0 {
		t.Fatal("no events in SSE body")
	}
	if events[0].Type != event.TypeStart {
		t.Errorf("first event = %s, want start", events[0].Type)
	}
	last := events[len(events)-1]
	if !last.Type.Terminal() {
		t.Errorf("last event = %s, want terminal", last.Type)
	}

	var text strings.Builder
	for _, e := range events {
		if e.Type == event.TypeDelta {
			text.WriteString(e.Content)
		}
	}
	if text.String() != "mock answer" {
		t.Errorf("deltas = %q, want mock answer", text.String())
	}
}

// parseSSE decodes `data: <json>` frames into events.
func parseSSE(t *testing.T, body string) []event.Event {
	t.Helper()
	var events []event.Event
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e event.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatalf("bad SSE frame %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func TestChatHistory(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.store.AddMessage(ctx, "s1", types.Message{Role: types.RoleUser, Content: "q"})
	env.store.AddMessage(ctx, "s1", types.Message{Role: types.RoleAssistant, Content: "a"})

	rec := env.do(t, "GET", "/api/v1/chat/history/s1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		SessionID string           `json:"session_id"`
		Messages  []messagePayload `json:"messages"`
		Count     int              `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || len(body.Messages) != 2 {
		t.Fatalf("count = %d, messages = %d, want 2", body.Count, len(body.Messages))
	}
	if body.Messages[0].Role != "user" || body.Messages[1].Content != "a" {
		t.Errorf("messages = %+v", body.Messages)
	}
}

func TestChatHistory_BadLimit(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, "GET", "/api/v1/chat/history/s1?limit=zero", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSession_CreateGetDelete(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, "POST", "/api/v1/session", map[string]string{"user_id": "u1"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created sessionPayload
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.UserID != "u1" || created.Status != "active" {
		t.Errorf("created = %+v", created)
	}

	rec = env.do(t, "GET", "/api/v1/session/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = env.do(t, "DELETE", "/api/v1/session/"+created.ID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestSession_ListRequiresUser(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, "GET", "/api/v1/session", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSession_List(t *testing.T) {
	env := newTestEnv(t, Config{})
	if _, err := env.store.GetOrCreate(context.Background(), "s1", "u1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	rec := env.do(t, "GET", "/api/v1/session?user_id=u1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Sessions []sessionPayload `json:"sessions"`
		Count    int              `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Sessions[0].ID != "s1" {
		t.Errorf("body = %+v", body)
	}
}

func TestTools_List(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, "GET", "/api/v1/tools/", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Tools []toolPayload `json:"tools"`
		Count int           `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Tools[0].Name != "echo" {
		t.Fatalf("body = %+v", body)
	}
	if body.Tools[0].Definition["type"] != "function" {
		t.Errorf("definition = %+v", body.Tools[0].Definition)
	}
}

func TestTools_Execute(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, "POST", "/api/v1/tools/execute/echo", map[string]any{"text": "ping"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body toolResultPayload
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Result != "ping" {
		t.Errorf("result = %+v", body)
	}
}

func TestTools_ExecuteUnknown(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, "POST", "/api/v1/tools/execute/bogus", map[string]any{}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestConversation_Message(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, "POST", "/api/v1/conversation/message", conversationRequest{Message: "talk to me please", SessionID: "s1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body conversationResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Text != "mock answer" || body.SessionID != "s1" {
		t.Errorf("body = %+v", body)
	}
}

func TestConversation_MessageStream_EmitsAudio(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, "POST", "/api/v1/conversation/message-stream", conversationRequest{Message: "speak this out loud", SessionID: "s1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q, want audio/mpeg", ct)
	}
	if got := rec.Body.String(); got != "audio-1audio-2" {
		t.Errorf("audio body = %q", got)
	}
	if rec.Header().Get("X-Session-ID") != "s1" {
		t.Errorf("X-Session-ID = %q, want s1", rec.Header().Get("X-Session-ID"))
	}
}

func TestConversation_MessageAudio(t *testing.T) {
	env := newTestEnv(t, Config{})

	req := httptest.NewRequest("POST", "/api/v1/conversation/message-audio?session_id=s1", bytes.NewReader([]byte{1, 2, 3, 4}))
	rec := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body conversationResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Transcript != "transcribed input" {
		t.Errorf("Transcript = %q", body.Transcript)
	}
	if body.Text != "mock answer" {
		t.Errorf("Text = %q", body.Text)
	}
}

func TestConversation_MessageAudio_EmptyBody(t *testing.T) {
	env := newTestEnv(t, Config{})

	req := httptest.NewRequest("POST", "/api/v1/conversation/message-audio", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAuth_MissingKey(t *testing.T) {
	env := newTestEnv(t, Config{APIKeys: []string{"secret"}})

	rec := env.do(t, "GET", "/api/v1/tools/", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ErrorCode != codeAuth {
		t.Errorf("ErrorCode = %q, want AUTH", body.ErrorCode)
	}
}

func TestAuth_WrongKey(t *testing.T) {
	env := newTestEnv(t, Config{APIKeys: []string{"secret"}})
	rec := env.do(t, "GET", "/api/v1/tools/", nil, map[string]string{"X-API-Key": "wrong"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestAuth_ValidKey(t *testing.T) {
	env := newTestEnv(t, Config{APIKeys: []string{"secret", "other"}})
	rec := env.do(t, "GET", "/api/v1/tools/", nil, map[string]string{"X-API-Key": "other"})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAuth_HealthExempt(t *testing.T) {
	env := newTestEnv(t, Config{APIKeys: []string{"secret"}})

	for _, path := range []string{"/healthz", "/readyz", "/api/v1/health/", "/metrics"} {
		rec := env.do(t, "GET", path, nil, nil)
		if rec.Code == http.StatusUnauthorized || rec.Code == http.StatusForbidden {
			t.Errorf("%s status = %d, want unauthenticated access", path, rec.Code)
		}
	}
}

func TestHealthReport_Route(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, "GET", "/api/v1/health/", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest("OPTIONS", "/api/v1/chat/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest("GET", "/api/v1/tools/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}
}

func TestResolveModel(t *testing.T) {
	env := newTestEnv(t, Config{ModelVariants: map[string]string{
		"default":  "base",
		"fast":     "mini",
		"creative": "large",
	}})

	tests := []struct {
		variant string
		want    string
		wantErr bool
	}{
		{"", "base", false},
		{"default", "base", false},
		{"fast", "mini", false},
		{"creative", "large", false},
		{"psychic", "", true},
	}
	for _, tc := range tests {
		got, err := env.server.resolveModel(tc.variant)
		if (err != nil) != tc.wantErr {
			t.Errorf("resolveModel(%q) err = %v, wantErr %v", tc.variant, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("resolveModel(%q) = %q, want %q", tc.variant, got, tc.want)
		}
	}
}
