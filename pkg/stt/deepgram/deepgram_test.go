package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const successBody = `{
	"results": {
		"channels": [
			{
				"alternatives": [
					{"transcript": "open the pod bay doors", "confidence": 0.98}
				]
			}
		]
	}
}`

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") error = nil, want non-nil")
	}
}

func TestRecognize_Success(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotPath = req.URL.Path
		gotQuery = req.URL.RawQuery
		w.Write([]byte(successBody))
	}))
	defer srv.Close()

	r, err := New("dg-key", WithBaseURL(srv.URL), WithModel("nova-3"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := r.Recognize(context.Background(), []byte{0, 0, 1, 1})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if !res.Success {
		t.Errorf("res.Success = false, want true (code %s)", res.ErrorCode)
	}
	if res.Text != "open the pod bay doors" {
		t.Errorf("res.Text = %q, want %q", res.Text, "open the pod bay doors")
	}
	if gotAuth != "Token dg-key" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Token dg-key")
	}
	if gotPath != "/v1/listen" {
		t.Errorf("path = %q, want /v1/listen", gotPath)
	}
	for _, want := range []string{"model=nova-3", "language=en", "encoding=linear16", "sample_rate=16000"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestRecognize_EmptyTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"","confidence":0}]}]}}`))
	}))
	defer srv.Close()

	r, _ := New("dg-key", WithBaseURL(srv.URL))
	res, err := r.Recognize(context.Background(), []byte{0, 0})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Success {
		t.Error("res.Success = true, want false for empty transcript")
	}
	if res.ErrorCode != "EMPTY_TRANSCRIPT" {
		t.Errorf("res.ErrorCode = %q, want EMPTY_TRANSCRIPT", res.ErrorCode)
	}
}

func TestRecognize_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"err_code":"INVALID_AUDIO","err_msg":"corrupt or unsupported data"}`))
	}))
	defer srv.Close()

	r, _ := New("dg-key", WithBaseURL(srv.URL))
	res, err := r.Recognize(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Recognize() error = %v, want API error in result", err)
	}
	if res.Success {
		t.Error("res.Success = true, want false")
	}
	if res.ErrorCode != "INVALID_AUDIO" {
		t.Errorf("res.ErrorCode = %q, want INVALID_AUDIO", res.ErrorCode)
	}
	if res.ErrorMessage != "corrupt or unsupported data" {
		t.Errorf("res.ErrorMessage = %q", res.ErrorMessage)
	}
}

func TestRecognize_APIErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r, _ := New("dg-key", WithBaseURL(srv.URL))
	res, err := r.Recognize(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.ErrorCode != "HTTP_503" {
		t.Errorf("res.ErrorCode = %q, want HTTP_503", res.ErrorCode)
	}
}

func TestRecognize_TransportError(t *testing.T) {
	r, _ := New("dg-key", WithBaseURL("http://127.0.0.1:1"))
	if _, err := r.Recognize(context.Background(), []byte{1}); err == nil {
		t.Fatal("Recognize() error = nil, want transport error")
	}
}

