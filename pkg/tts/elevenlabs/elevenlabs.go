// Package elevenlabs provides an ElevenLabs-backed speech synthesizer using
// the ElevenLabs streaming HTTP API. It implements [tts.Synthesizer].
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/parlancehq/parlance/pkg/tts"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"

	// streamChunkSize is the read granularity when relaying the audio body.
	streamChunkSize = 4096
)

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Option is a functional option for configuring the ElevenLabs Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(s *Synthesizer) {
		s.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128", "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(s *Synthesizer) {
		s.outputFormat = format
	}
}

// WithDefaultVoice sets the voice ID used when the request's Voice.Name is empty.
func WithDefaultVoice(voiceID string) Option {
	return func(s *Synthesizer) {
		s.defaultVoice = voiceID
	}
}

// WithBaseURL overrides the ElevenLabs API endpoint. Useful for proxies and tests.
func WithBaseURL(baseURL string) Option {
	return func(s *Synthesizer) {
		s.baseURL = baseURL
	}
}

// Synthesizer implements tts.Synthesizer backed by the ElevenLabs streaming API.
type Synthesizer struct {
	apiKey       string
	baseURL      string
	model        string
	outputFormat string
	defaultVoice string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// synthesizeRequest is the JSON body for the /stream endpoint.
type synthesizeRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// SynthesizeStream POSTs the text to the ElevenLabs streaming endpoint and
// relays the chunked audio body on the returned channel. The channel is
// closed when the body is exhausted or ctx is cancelled.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, error) {
	voiceID := voice.Name
	if voiceID == "" {
		voiceID = s.defaultVoice
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: no voice selected and no default voice configured")
	}

	payload := synthesizeRequest{
		Text:    text,
		ModelID: s.model,
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           voice.Speed,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s", s.baseURL, voiceID, s.outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs: unexpected status %d: %s", resp.StatusCode, msg)
	}

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		defer resp.Body.Close()
		relayBody(ctx, resp.Body, audioCh)
	}()
	return audioCh, nil
}

// relayBody copies r into ch in fixed-size chunks until EOF or ctx cancellation.
func relayBody(ctx context.Context, r io.Reader, ch chan<- []byte) {
	for {
		buf := make([]byte, streamChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case ch <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// ---- ListVoices ----

// VoiceInfo describes a voice available to the configured API key.
type VoiceInfo struct {
	ID       string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []VoiceInfo `json:"voices"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (s *Synthesizer) ListVoices(ctx context.Context) ([]VoiceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return vr.Voices, nil
}
