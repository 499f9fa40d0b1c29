// Package event defines the versioned lifecycle events emitted during a
// conversation turn and the Emitter that produces them.
//
// Every event carries the protocol version, a unique "evt_"-prefixed id, an
// ISO-8601 UTC timestamp, a closed type tag, and — when available — the
// session id. Receivers must ignore unknown fields; additive changes bump the
// minor protocol version, semantic changes bump the major version.
package event

import "github.com/parlancehq/parlance/pkg/types"

// ProtocolVersion is the current event protocol version.
const ProtocolVersion = "1.0"

// Type enumerates all event kinds. Transport events (start, delta, end,
// error, tool_calls, cancelled) are load-bearing; trace events are advisory
// and may be ignored by clients without loss of correctness.
type Type string

const (
	// Transport events.
	TypeStart     Type = "start"
	TypeDelta     Type = "delta"
	TypeEnd       Type = "end"
	TypeError     Type = "error"
	TypeToolCalls Type = "tool_calls"
	TypeCancelled Type = "cancelled"

	// Trace events.
	TypeWorkflowStarted  Type = "workflow_started"
	TypeWorkflowComplete Type = "workflow_complete"
	TypeNodeStarted      Type = "node_started"
	TypeNodeFinished     Type = "node_finished"
	TypeRouteDecision    Type = "route_decision"
	TypeThinkingPhase    Type = "thinking_phase"
	TypeToolCallPending  Type = "tool_call_pending"
	TypeToolExecuting    Type = "tool_executing"
	TypeToolResult       Type = "tool_result"
	TypeLLMStreaming     Type = "llm_streaming"
	TypeTokenUsage       Type = "token_usage"
)

// Terminal reports whether t ends an event stream. Transports stop forwarding
// after a terminal event.
func (t Type) Terminal() bool {
	return t == TypeEnd || t == TypeError || t == TypeCancelled
}

// Trace reports whether t is an advisory trace event.
func (t Type) Trace() bool {
	switch t {
	case TypeStart, TypeDelta, TypeEnd, TypeError, TypeToolCalls, TypeCancelled:
		return false
	}
	return true
}

// Level classifies trace events by granularity.
type Level string

const (
	LevelGraph Level = "graph"
	LevelNode  Level = "node"
)

// FunctionCall is the wire shape of a tool invocation inside a tool_calls
// event, matching the OpenAI function-calling format.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallPayload is one entry of a tool_calls event.
type ToolCallPayload struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Event is a single versioned record emitted during a turn. Type-specific
// fields are optional in JSON; receivers must ignore fields they do not know.
type Event struct {
	// Version is the event protocol version, currently "1.0".
	Version string `json:"version"`

	// ID is the unique event identifier, prefixed "evt_".
	ID string `json:"id"`

	// Timestamp is the ISO-8601 UTC creation time with trailing Z.
	Timestamp string `json:"timestamp"`

	// Type is the event kind.
	Type Type `json:"type"`

	// SessionID binds the event to a session when known.
	SessionID string `json:"session_id,omitempty"`

	// Model is set on start events.
	Model string `json:"model,omitempty"`

	// Content carries incremental text on delta events and the full
	// aggregated response on end events.
	Content string `json:"content,omitempty"`

	// ToolCalls is set on tool_calls events.
	ToolCalls []ToolCallPayload `json:"tool_calls,omitempty"`

	// Error and ErrorCode are set on error events.
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	// Reason is set on cancelled events.
	Reason string `json:"reason,omitempty"`

	// Level and Data are set on trace events. Data shapes are advisory.
	Level Level          `json:"level,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// toolCallPayloads converts domain tool calls into their wire form.
func toolCallPayloads(calls []types.ToolCall) []ToolCallPayload {
	out := make([]ToolCallPayload, len(calls))
	for i, c := range calls {
		args := c.RawArguments
		if args == "" {
			args = "{}"
		}
		out[i] = ToolCallPayload{
			ID:   c.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      c.Name,
				Arguments: args,
			},
		}
	}
	return out
}
