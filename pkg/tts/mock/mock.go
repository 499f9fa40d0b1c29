// Package mock provides a test double for the tts.Synthesizer interface.
package mock

import (
	"context"
	"sync"

	"github.com/parlancehq/parlance/pkg/tts"
)

// SynthesizeCall records a single SynthesizeStream invocation.
type SynthesizeCall struct {
	Text  string
	Voice tts.Voice
}

// Synthesizer is a mock implementation of tts.Synthesizer. Chunks are
// emitted on the returned channel before it is closed.
type Synthesizer struct {
	mu sync.Mutex

	// Chunks is the audio emitted by every SynthesizeStream call.
	Chunks [][]byte

	// Err, if non-nil, is returned instead of starting a stream.
	Err error

	// Calls records every SynthesizeStream invocation in order.
	Calls []SynthesizeCall
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// SynthesizeStream records the call and returns a channel emitting Chunks.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, SynthesizeCall{Text: text, Voice: voice})
	if s.Err != nil {
		err := s.Err
		s.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(s.Chunks))
	copy(chunks, s.Chunks)
	s.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// CallCount returns how many times SynthesizeStream was invoked.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
