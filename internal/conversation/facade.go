// Package conversation is the per-turn entry point around the orchestrator.
// It composes the input mode (text or audio) and the output mode (text,
// audio, or both), delegating recognition and synthesis to the configured
// collaborators.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/orchestrator"
	"github.com/parlancehq/parlance/pkg/llm"
	"github.com/parlancehq/parlance/pkg/stt"
	"github.com/parlancehq/parlance/pkg/tts"
)

// InputMode selects how the user turn arrives.
type InputMode string

// OutputMode selects how the assistant response is delivered.
type OutputMode string

const (
	InputText  InputMode = "text"
	InputAudio InputMode = "audio"

	OutputText  OutputMode = "text"
	OutputAudio OutputMode = "audio"
	OutputBoth  OutputMode = "both"
)

// Input is one user turn in either mode.
type Input struct {
	// Mode selects Text or Audio. Empty defaults to text.
	Mode InputMode

	// Text is the utterance for text mode.
	Text string

	// Audio is raw PCM (16 kHz, 16-bit, mono) for audio mode.
	Audio []byte
}

// Output describes the requested response composition.
type Output struct {
	// Mode selects text, audio, or both. Empty defaults to text.
	Mode OutputMode

	// Voice tunes synthesis for audio output. Zero value uses provider
	// defaults.
	Voice tts.Voice
}

// Request is a full façade turn request.
type Request struct {
	// SessionID continues an existing conversation. Empty starts a new one.
	SessionID string

	// UserID identifies the requesting user, when known.
	UserID string

	// Model overrides the default model when non-empty.
	Model string

	Input  Input
	Output Output
}

// Result is the composed turn outcome. Audio is non-nil only for audio or
// both output modes; the caller must drain it.
type Result struct {
	// SessionID echoes (or introduces) the conversation id.
	SessionID string `json:"session_id"`

	// Text is the assistant response text. Always set, including for
	// audio-only output, so transports can log and persist it.
	Text string `json:"text"`

	// Intent is the keyword-derived label for the input.
	Intent string `json:"intent,omitempty"`

	// Transcript is the recognized text for audio input.
	Transcript string `json:"transcript,omitempty"`

	// Usage aggregates token accounting across LLM calls.
	Usage llm.Usage `json:"usage"`

	// Cancelled reports that the turn was cut short cooperatively.
	Cancelled bool `json:"cancelled,omitempty"`

	// Audio streams encoded response audio. Nil for text-only output.
	Audio <-chan []byte `json:"-"`
}

// RecognitionError reports a failed speech recognition using the provider's
// error code so transports can forward it.
type RecognitionError struct {
	Code    string
	Message string
}

func (e *RecognitionError) Error() string {
	if e.Message != "" {
		return "speech recognition failed: " + e.Message
	}
	return "speech recognition failed"
}

// Facade wires input/output composition around the orchestrator.
type Facade struct {
	orch        *orchestrator.Orchestrator
	recognizer  stt.Recognizer
	synthesizer tts.Synthesizer
	metrics     *observe.Metrics
}

// New creates a Facade. recognizer and synthesizer may be nil when the
// corresponding mode is never requested; metrics may be nil.
func New(orch *orchestrator.Orchestrator, recognizer stt.Recognizer, synthesizer tts.Synthesizer, metrics *observe.Metrics) *Facade {
	return &Facade{
		orch:        orch,
		recognizer:  recognizer,
		synthesizer: synthesizer,
		metrics:     metrics,
	}
}

// ProcessTurn runs one turn: resolves the input text, drives the
// orchestrator, and composes the requested output. A missing session id is
// replaced with a generated one, echoed back in the result.
func (f *Facade) ProcessTurn(ctx context.Context, req Request) (*Result, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	text, transcript, err := f.resolveInput(ctx, req.Input)
	if err != nil {
		return nil, err
	}

	turn, err := f.orch.ProcessTurn(ctx, orchestrator.TurnRequest{
		SessionID: sessionID,
		UserID:    req.UserID,
		Input:     text,
		Model:     req.Model,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		SessionID:  sessionID,
		Text:       turn.Response,
		Intent:     turn.Intent,
		Transcript: transcript,
		Usage:      turn.Usage,
		Cancelled:  turn.Cancelled,
	}

	mode := req.Output.Mode
	if mode == "" {
		mode = OutputText
	}
	if mode == OutputAudio || mode == OutputBoth {
		audio, err := f.synthesize(ctx, turn.Response, req.Output.Voice)
		if err != nil {
			return nil, err
		}
		res.Audio = audio
	}
	return res, nil
}

// resolveInput turns the request input into text, transcribing audio when
// needed. The second return is the transcript for audio input, empty for
// text input.
func (f *Facade) resolveInput(ctx context.Context, in Input) (text, transcript string, err error) {
	mode := in.Mode
	if mode == "" {
		mode = InputText
	}
	switch mode {
	case InputText:
		return in.Text, "", nil
	case InputAudio:
		if f.recognizer == nil {
			return "", "", fmt.Errorf("conversation: no speech recognizer configured")
		}
		if len(in.Audio) == 0 {
			return "", "", fmt.Errorf("conversation: audio input is empty")
		}
		start := time.Now()
		result, err := f.recognizer.Recognize(ctx, in.Audio)
		if f.metrics != nil && f.metrics.STTDuration != nil {
			f.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			return "", "", fmt.Errorf("conversation: recognize: %w", err)
		}
		if !result.Success {
			return "", "", &RecognitionError{Code: result.ErrorCode, Message: result.ErrorMessage}
		}
		return result.Text, result.Text, nil
	default:
		return "", "", fmt.Errorf("conversation: unknown input mode %q", mode)
	}
}

// synthesize starts a TTS stream for the response text.
func (f *Facade) synthesize(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, error) {
	if f.synthesizer == nil {
		return nil, fmt.Errorf("conversation: no speech synthesizer configured")
	}
	start := time.Now()
	audio, err := f.synthesizer.SynthesizeStream(ctx, text, voice)
	if err != nil {
		return nil, fmt.Errorf("conversation: synthesize: %w", err)
	}

	// Wrap the stream so the synthesis duration covers the full drain.
	out := make(chan []byte)
	go func() {
		defer close(out)
		for chunk := range audio {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if f.metrics != nil && f.metrics.TTSDuration != nil {
			f.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()
	return out, nil
}

// CollectAudio drains an audio stream into one buffer, for output modes that
// deliver complete audio rather than chunks.
func CollectAudio(ctx context.Context, audio <-chan []byte) ([]byte, error) {
	var buf []byte
	for {
		select {
		case chunk, ok := <-audio:
			if !ok {
				return buf, nil
			}
			buf = append(buf, chunk...)
		case <-ctx.Done():
			return buf, ctx.Err()
		}
	}
}
