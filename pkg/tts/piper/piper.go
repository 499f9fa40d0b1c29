// Package piper provides a local Piper-backed speech synthesizer that connects
// to a running piper HTTP server via its REST API. It implements
// [tts.Synthesizer].
//
// Piper operates in batch mode (one HTTP call per utterance rather than a
// streaming socket), so SynthesizeStream performs a single POST and relays the
// returned WAV body on the audio channel in fixed-size chunks.
//
// Typical usage:
//
//	s, err := piper.New("http://localhost:5000",
//	    piper.WithTimeout(15*time.Second),
//	)
//	audio, err := s.SynthesizeStream(ctx, "hello", tts.Voice{})
package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parlancehq/parlance/pkg/tts"
)

const (
	defaultTimeout = 30 * time.Second

	// audioChunkSize is the size of each chunk emitted on the audio channel.
	audioChunkSize = 4096
)

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Option is a functional option for configuring a Piper Synthesizer.
type Option func(*Synthesizer)

// WithTimeout sets the per-request HTTP timeout for calls to the piper server.
// Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		s.httpClient.Timeout = d
	}
}

// WithDefaultSpeaker sets the speaker used when the request's Voice.Name is
// empty. Piper models with a single speaker can leave this unset.
func WithDefaultSpeaker(speaker string) Option {
	return func(s *Synthesizer) {
		s.defaultSpeaker = speaker
	}
}

// Synthesizer implements tts.Synthesizer backed by a locally-running piper
// HTTP server. It is safe for concurrent use.
type Synthesizer struct {
	serverURL      string
	defaultSpeaker string
	httpClient     *http.Client
}

// New creates a new Synthesizer that connects to the piper HTTP server at
// serverURL (e.g., "http://localhost:5000"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Synthesizer, error) {
	if serverURL == "" {
		return nil, errors.New("piper: serverURL must not be empty")
	}
	s := &Synthesizer{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// synthesizeRequest is the JSON body for the piper server's root endpoint.
type synthesizeRequest struct {
	Text        string  `json:"text"`
	Speaker     string  `json:"speaker,omitempty"`
	LengthScale float64 `json:"length_scale,omitempty"`
}

// SynthesizeStream POSTs the text to the piper server and relays the WAV body
// on the returned channel. Voice.Speed maps to piper's length_scale, which is
// the inverse of the speech rate.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, error) {
	speaker := voice.Name
	if speaker == "" {
		speaker = s.defaultSpeaker
	}

	payload := synthesizeRequest{
		Text:    text,
		Speaker: speaker,
	}
	if voice.Speed > 0 {
		payload.LengthScale = 1 / voice.Speed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("piper: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("piper: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("piper: http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("piper: unexpected status %d: %s", resp.StatusCode, msg)
	}

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		defer resp.Body.Close()
		for {
			buf := make([]byte, audioChunkSize)
			n, err := resp.Body.Read(buf)
			if n > 0 {
				select {
				case audioCh <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return audioCh, nil
}
