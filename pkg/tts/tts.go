// Package tts defines the Synthesizer interface for Text-to-Speech
// collaborators.
//
// A TTS synthesizer wraps a speech synthesis service (e.g., ElevenLabs,
// Google Cloud TTS, or a local Piper instance). Parlance consumes synthesis
// through this contract only; sub-package mock provides the test double.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice describes how a synthesis request should sound. The zero value asks
// the provider for its defaults.
type Voice struct {
	// Name selects the provider voice profile.
	Name string `json:"name,omitempty"`

	// Speed is the speech rate multiplier; 1.0 is normal. Zero means the
	// provider default.
	Speed float64 `json:"speed,omitempty"`

	// Volume is the loudness multiplier; 1.0 is normal. Zero means the
	// provider default.
	Volume float64 `json:"volume,omitempty"`

	// Pitch shifts the voice in semitones; 0 is unshifted.
	Pitch float64 `json:"pitch,omitempty"`
}

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// SynthesizeStream synthesizes text and returns a channel emitting
	// encoded audio byte chunks (MP3 or a provider-chosen codec) as they
	// become available. The channel is closed when synthesis completes or
	// ctx is cancelled; callers must drain it. A non-nil error is returned
	// only when the stream cannot be started.
	SynthesizeStream(ctx context.Context, text string, voice Voice) (<-chan []byte, error)
}
