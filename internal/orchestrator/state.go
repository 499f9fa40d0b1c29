package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/parlancehq/parlance/pkg/types"
)

// stateCodecVersion tags serialized TurnState snapshots so future layout
// changes can be migrated on read.
const stateCodecVersion = 1

// Node names. The workflow enters at nodeProcessInput and terminates after
// nodeFormatResponse.
const (
	nodeProcessInput   = "process_input"
	nodeCallLLM        = "call_llm"
	nodeHandleTools    = "handle_tools"
	nodeFormatResponse = "format_response"
)

// Next-action values set by nodes and consumed by the router.
const (
	actionCallLLM        = "call_llm"
	actionHandleTools    = "handle_tools"
	actionFormatResponse = "format_response"
)

// TurnState is the mutable state threaded through the workflow nodes of one
// turn. It must round-trip through MarshalState/UnmarshalState.
type TurnState struct {
	// SessionID identifies the conversation; doubles as the checkpoint
	// thread id.
	SessionID string `json:"session_id"`

	// UserID identifies the requesting user, when known.
	UserID string `json:"user_id,omitempty"`

	// UserInput is the normalized user utterance for this turn.
	UserInput string `json:"user_input"`

	// RequestModel is the per-turn model override, when the client asked
	// for a variant other than the default.
	RequestModel string `json:"request_model,omitempty"`

	// History is the conversation window loaded from the session store.
	History []types.Message `json:"history,omitempty"`

	// TurnMessages are the messages produced during this turn: the user
	// message, tool results, and the final assistant message.
	TurnMessages []types.Message `json:"turn_messages,omitempty"`

	// PendingToolCalls are calls the model requested but that have not been
	// executed yet.
	PendingToolCalls []types.ToolCall `json:"pending_tool_calls,omitempty"`

	// ToolIterationCount counts completed handle_tools passes this turn.
	ToolIterationCount int `json:"tool_iteration_count"`

	// ExecutedToolCalls counts individual tool calls executed this turn.
	ExecutedToolCalls int `json:"executed_tool_calls,omitempty"`

	// CurrentIntent is the lightweight keyword-derived intent label.
	CurrentIntent string `json:"current_intent,omitempty"`

	// AgentResponse is the assistant text produced so far.
	AgentResponse string `json:"agent_response,omitempty"`

	// ErrorState tags a node-level failure; empty means healthy.
	ErrorState string `json:"error_state,omitempty"`

	// NextAction tells the router where to go after the current node.
	NextAction string `json:"next_action,omitempty"`

	// ShouldContinue is cleared by format_response to terminate the turn.
	ShouldContinue bool `json:"should_continue"`

	// Step counts node executions, tagging checkpoints.
	Step int `json:"step"`

	// ResponseMetadata is attached to the final assistant message.
	ResponseMetadata map[string]any `json:"response_metadata,omitempty"`
}

// stateEnvelope is the serialized form of a TurnState snapshot.
type stateEnvelope struct {
	CodecVersion int       `json:"codec_version"`
	State        TurnState `json:"state"`
}

// MarshalState serializes a TurnState for checkpointing.
func MarshalState(st *TurnState) ([]byte, error) {
	b, err := json.Marshal(stateEnvelope{CodecVersion: stateCodecVersion, State: *st})
	if err != nil {
		return nil, fmt.Errorf("marshal turn state: %w", err)
	}
	return b, nil
}

// UnmarshalState deserializes a snapshot produced by MarshalState.
func UnmarshalState(b []byte) (*TurnState, error) {
	var env stateEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal turn state: %w", err)
	}
	if env.CodecVersion != stateCodecVersion {
		return nil, fmt.Errorf("unmarshal turn state: unsupported codec version %d", env.CodecVersion)
	}
	return &env.State, nil
}
