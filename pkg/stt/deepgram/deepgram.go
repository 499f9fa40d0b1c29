// Package deepgram provides a Deepgram-backed speech recognizer using the
// Deepgram pre-recorded transcription API. It implements [stt.Recognizer].
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/parlancehq/parlance/pkg/stt"
)

const (
	defaultBaseURL    = "https://api.deepgram.com"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

var _ stt.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring the Deepgram Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(r *Recognizer) {
		r.language = language
	}
}

// WithSampleRate sets the sample rate in Hz of the PCM audio passed to Recognize.
func WithSampleRate(rate int) Option {
	return func(r *Recognizer) {
		r.sampleRate = rate
	}
}

// WithBaseURL overrides the Deepgram API endpoint. Useful for proxies and tests.
func WithBaseURL(baseURL string) Option {
	return func(r *Recognizer) {
		r.baseURL = baseURL
	}
}

// WithTimeout sets the HTTP request timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(r *Recognizer) {
		r.httpClient.Timeout = d
	}
}

// Recognizer implements stt.Recognizer backed by the Deepgram /v1/listen API.
type Recognizer struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	sampleRate int
	httpClient *http.Client
}

// New creates a new Deepgram Recognizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	r := &Recognizer{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// deepgramResponse is the JSON structure returned for a pre-recorded request.
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// deepgramError is the JSON body Deepgram returns on request failure.
type deepgramError struct {
	ErrCode string `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

// Recognize submits the raw PCM utterance to Deepgram and returns the
// transcript of the best alternative. API-level rejections are reported in
// the Result; only transport failures produce a Go error.
func (r *Recognizer) Recognize(ctx context.Context, pcm []byte) (stt.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.buildURL(), bytes.NewReader(pcm))
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+r.apiKey)
	req.Header.Set("Content-Type", "audio/raw")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var de deepgramError
		_ = json.Unmarshal(data, &de)
		if de.ErrCode == "" {
			de.ErrCode = "HTTP_" + strconv.Itoa(resp.StatusCode)
		}
		return stt.Result{
			Success:      false,
			ErrorCode:    de.ErrCode,
			ErrorMessage: de.ErrMsg,
		}, nil
	}

	var dr deepgramResponse
	if err := json.Unmarshal(data, &dr); err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: parse JSON response: %w", err)
	}

	text := bestTranscript(dr)
	if text == "" {
		return stt.Result{
			Success:      false,
			ErrorCode:    "EMPTY_TRANSCRIPT",
			ErrorMessage: "no speech detected in audio",
		}, nil
	}
	return stt.Result{Text: text, Success: true}, nil
}

// buildURL constructs the pre-recorded endpoint URL with query parameters.
func (r *Recognizer) buildURL() string {
	q := url.Values{}
	q.Set("model", r.model)
	q.Set("language", r.language)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.sampleRate))
	q.Set("channels", "1")
	return r.baseURL + "/v1/listen?" + q.Encode()
}

// bestTranscript returns the first alternative of the first channel, the
// highest-confidence result in Deepgram's ordering.
func bestTranscript(dr deepgramResponse) string {
	if len(dr.Results.Channels) == 0 {
		return ""
	}
	alts := dr.Results.Channels[0].Alternatives
	if len(alts) == 0 {
		return ""
	}
	return alts[0].Transcript
}
