// Package whisper provides a local whisper.cpp-backed speech recognizer.
//
// It connects to a running whisper-server binary, which exposes a REST API at
// POST /inference. Each Recognize call wraps the PCM utterance in a RIFF/WAV
// container and submits it as a single batch inference request.
//
// Usage:
//
//	r, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	res, err := r.Recognize(ctx, pcm)
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/parlancehq/parlance/pkg/stt"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

var _ stt.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithLanguage sets the BCP-47 language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(r *Recognizer) {
		r.language = lang
	}
}

// WithSampleRate sets the sample rate in Hz of the PCM audio passed to
// Recognize. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(r *Recognizer) {
		r.sampleRate = rate
	}
}

// WithTimeout sets the HTTP request timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(r *Recognizer) {
		r.httpClient.Timeout = d
	}
}

// Recognizer implements stt.Recognizer backed by a local whisper.cpp HTTP
// server. It is safe for concurrent use.
type Recognizer struct {
	serverURL  string
	model      string
	language   string
	sampleRate int
	httpClient *http.Client
}

// New creates a new Recognizer that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Recognizer, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	r := &Recognizer{
		serverURL:  serverURL,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Recognize encodes pcm as a WAV file and POSTs it to the whisper.cpp
// /inference endpoint as multipart/form-data. An empty transcript is reported
// as a failed Result; transport and protocol problems are returned as errors.
func (r *Recognizer) Recognize(ctx context.Context, pcm []byte) (stt.Result, error) {
	wav := encodeWAV(pcm, r.sampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	if r.language != "" {
		if err := mw.WriteField("language", r.language); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if r.model != "" {
		if err := mw.WriteField("model", r.model); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+"/inference", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return stt.Result{
			Success:      false,
			ErrorCode:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			ErrorMessage: strings.TrimSpace(string(data)),
		}, nil
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return stt.Result{
			Success:      false,
			ErrorCode:    "EMPTY_TRANSCRIPT",
			ErrorMessage: "no speech detected in audio",
		}, nil
	}
	return stt.Result{Text: text, Success: true}, nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
