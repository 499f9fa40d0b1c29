package whisper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing the provided responseText.
func newMockServer(t *testing.T, responseText string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
}

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestRecognize_Success(t *testing.T) {
	srv := newMockServer(t, " hello there ")
	defer srv.Close()

	r, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := r.Recognize(context.Background(), make([]byte, 320))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if !res.Success {
		t.Errorf("res.Success = false, want true")
	}
	if res.Text != "hello there" {
		t.Errorf("res.Text = %q, want %q (trimmed)", res.Text, "hello there")
	}
}

func TestRecognize_SendsMultipartFields(t *testing.T) {
	var gotLanguage, gotModel string
	var gotWAV []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Errorf("parse content type: %v", err)
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("next part: %v", err)
			}
			data, _ := io.ReadAll(part)
			switch part.FormName() {
			case "file":
				gotWAV = data
			case "language":
				gotLanguage = string(data)
			case "model":
				gotModel = string(data)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	r, _ := New(srv.URL, WithLanguage("de"), WithModel("small"))
	if _, err := r.Recognize(context.Background(), make([]byte, 640)); err != nil {
		t.Fatalf("Recognize: %v", err)
	}

	if gotLanguage != "de" {
		t.Errorf("language field = %q, want de", gotLanguage)
	}
	if gotModel != "small" {
		t.Errorf("model field = %q, want small", gotModel)
	}
	if len(gotWAV) != 44+640 {
		t.Errorf("wav size = %d, want %d", len(gotWAV), 44+640)
	}
	if string(gotWAV[0:4]) != "RIFF" || string(gotWAV[8:12]) != "WAVE" {
		t.Error("uploaded file is not a RIFF/WAVE container")
	}
}

func TestRecognize_EmptyTranscript(t *testing.T) {
	srv := newMockServer(t, "   ")
	defer srv.Close()

	r, _ := New(srv.URL)
	res, err := r.Recognize(context.Background(), make([]byte, 320))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Success {
		t.Error("res.Success = true, want false for blank transcript")
	}
	if res.ErrorCode != "EMPTY_TRANSCRIPT" {
		t.Errorf("res.ErrorCode = %q, want EMPTY_TRANSCRIPT", res.ErrorCode)
	}
}

func TestRecognize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, _ := New(srv.URL)
	res, err := r.Recognize(context.Background(), make([]byte, 320))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Success {
		t.Error("res.Success = true, want false")
	}
	if res.ErrorCode != "HTTP_500" {
		t.Errorf("res.ErrorCode = %q, want HTTP_500", res.ErrorCode)
	}
	if !strings.Contains(res.ErrorMessage, "model not loaded") {
		t.Errorf("res.ErrorMessage = %q, want server body", res.ErrorMessage)
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	pcm := make([]byte, 3200)
	wav := encodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("len(wav) = %d, want %d", len(wav), 44+len(pcm))
	}
	if sr := binary.LittleEndian.Uint32(wav[24:28]); sr != 16000 {
		t.Errorf("sample rate = %d, want 16000", sr)
	}
	if ch := binary.LittleEndian.Uint16(wav[22:24]); ch != 1 {
		t.Errorf("channels = %d, want 1", ch)
	}
	if ds := binary.LittleEndian.Uint32(wav[40:44]); ds != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", ds, len(pcm))
	}
}
