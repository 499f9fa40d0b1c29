package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/parlancehq/parlance/pkg/tts"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") error = nil, want non-nil")
	}
}

func TestSynthesizeStream_RelaysAudio(t *testing.T) {
	audio := bytes.Repeat([]byte{0xAB}, 10_000)
	var gotKey, gotPath string
	var gotReq synthesizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("xi-api-key")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(audio)
	}))
	defer srv.Close()

	s, err := New("el-key", WithBaseURL(srv.URL), WithModel("eleven_flash_v2_5"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := s.SynthesizeStream(context.Background(), "hello world", tts.Voice{Name: "rachel", Speed: 1.2})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var got []byte
	for chunk := range ch {
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("received %d audio bytes, want %d", len(got), len(audio))
	}
	if gotKey != "el-key" {
		t.Errorf("xi-api-key = %q, want el-key", gotKey)
	}
	if gotPath != "/v1/text-to-speech/rachel/stream" {
		t.Errorf("path = %q", gotPath)
	}
	if gotReq.Text != "hello world" {
		t.Errorf("request text = %q", gotReq.Text)
	}
	if gotReq.ModelID != "eleven_flash_v2_5" {
		t.Errorf("request model_id = %q", gotReq.ModelID)
	}
	if gotReq.VoiceSettings == nil || gotReq.VoiceSettings.Speed != 1.2 {
		t.Errorf("voice settings = %+v, want speed 1.2", gotReq.VoiceSettings)
	}
}

func TestSynthesizeStream_DefaultVoice(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	s, _ := New("el-key", WithBaseURL(srv.URL), WithDefaultVoice("fallback-voice"))
	ch, err := s.SynthesizeStream(context.Background(), "hi", tts.Voice{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	for range ch {
	}
	if gotPath != "/v1/text-to-speech/fallback-voice/stream" {
		t.Errorf("path = %q, want default voice in path", gotPath)
	}
}

func TestSynthesizeStream_NoVoice(t *testing.T) {
	s, _ := New("el-key")
	if _, err := s.SynthesizeStream(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Fatal("SynthesizeStream without voice: error = nil, want non-nil")
	}
}

func TestSynthesizeStream_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s, _ := New("el-key", WithBaseURL(srv.URL))
	if _, err := s.SynthesizeStream(context.Background(), "hi", tts.Voice{Name: "v"}); err == nil {
		t.Fatal("SynthesizeStream error = nil, want non-nil for HTTP 429")
	}
}

func TestSynthesizeStream_CancelStopsRelay(t *testing.T) {
	blocker := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(bytes.Repeat([]byte{1}, streamChunkSize))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-blocker
	}))
	defer srv.Close()
	defer close(blocker)

	ctx, cancel := context.WithCancel(context.Background())
	s, _ := New("el-key", WithBaseURL(srv.URL))
	ch, err := s.SynthesizeStream(ctx, "hi", tts.Voice{Name: "v"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	<-ch // first chunk arrives
	cancel()
	for range ch {
	} // channel must close after cancellation
}

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		io.WriteString(w, `{"voices":[{"voice_id":"v1","name":"Rachel","category":"premade"},{"voice_id":"v2","name":"Adam"}]}`)
	}))
	defer srv.Close()

	s, _ := New("el-key", WithBaseURL(srv.URL))
	voices, err := s.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("len(voices) = %d, want 2", len(voices))
	}
	if voices[0].ID != "v1" || voices[0].Name != "Rachel" {
		t.Errorf("voices[0] = %+v", voices[0])
	}
}
