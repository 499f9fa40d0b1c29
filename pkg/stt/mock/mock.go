// Package mock provides a test double for the stt.Recognizer interface.
package mock

import (
	"context"
	"sync"

	"github.com/parlancehq/parlance/pkg/stt"
)

// Recognizer is a mock implementation of stt.Recognizer. Zero values make
// every call return an empty successful Result.
type Recognizer struct {
	mu sync.Mutex

	// Result is returned by Recognize.
	Result stt.Result

	// Err, if non-nil, is returned as the error from Recognize.
	Err error

	// Calls records the audio passed to each Recognize invocation.
	Calls [][]byte
}

var _ stt.Recognizer = (*Recognizer)(nil)

// Recognize records the call and returns the configured Result and Err.
func (r *Recognizer) Recognize(_ context.Context, pcm []byte) (stt.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	audio := make([]byte, len(pcm))
	copy(audio, pcm)
	r.Calls = append(r.Calls, audio)
	return r.Result, r.Err
}

// CallCount returns how many times Recognize was invoked.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}
