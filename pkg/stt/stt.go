// Package stt defines the Recognizer interface for Speech-to-Text
// collaborators.
//
// An STT recognizer wraps a transcription service (e.g., Deepgram, Google
// Speech-to-Text, or a local Whisper server). Parlance does not implement
// recognition itself: the conversation façade hands audio to a Recognizer
// and consumes the transcript. Sub-package mock provides the test double.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Result is the outcome of a single recognition request. A failed
// recognition is reported in the result rather than as a Go error so the
// façade can surface the provider's error code to the client.
type Result struct {
	// Text is the recognized transcript. Empty when Success is false.
	Text string `json:"text"`

	// Success reports whether recognition produced a usable transcript.
	Success bool `json:"success"`

	// ErrorCode is the provider's machine-readable failure code.
	ErrorCode string `json:"error_code,omitempty"`

	// ErrorMessage is the human-readable failure description.
	ErrorMessage string `json:"error_message,omitempty"`
}

// Recognizer is the abstraction over any STT backend.
type Recognizer interface {
	// Recognize transcribes a complete utterance of raw PCM audio
	// (16 kHz, 16-bit, mono). A non-nil error is returned only for
	// transport-level failures; recognition failures arrive in the Result.
	Recognize(ctx context.Context, pcm []byte) (Result, error)
}
