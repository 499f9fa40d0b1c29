package event

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlancehq/parlance/pkg/types"
)

// Emitter produces events bound to a single session. It guarantees that event
// ids are unique and that timestamps are non-decreasing across everything it
// emits. Trace events additionally carry a relative-millisecond offset
// measured from the emitter's construction.
//
// Emitter is safe for concurrent use.
type Emitter struct {
	sessionID string

	mu    sync.Mutex
	start time.Time
	last  time.Time
	now   func() time.Time
}

// Option is a functional option for configuring an Emitter.
type Option func(*Emitter)

// WithClock overrides the emitter's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// NewEmitter creates an Emitter bound to sessionID. An empty sessionID is
// valid; emitted events then omit the session_id field.
func NewEmitter(sessionID string, opts ...Option) *Emitter {
	e := &Emitter{
		sessionID: sessionID,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.start = e.now()
	e.last = e.start
	return e
}

// SessionID returns the session this emitter is bound to.
func (e *Emitter) SessionID() string { return e.sessionID }

// newEvent constructs the common envelope. It clamps the timestamp so that it
// never runs backwards relative to previously emitted events.
func (e *Emitter) newEvent(t Type) Event {
	e.mu.Lock()
	now := e.now()
	if now.Before(e.last) {
		now = e.last
	}
	e.last = now
	e.mu.Unlock()

	return Event{
		Version:   ProtocolVersion,
		ID:        newEventID(),
		Timestamp: now.UTC().Format("2006-01-02T15:04:05.000Z"),
		Type:      t,
		SessionID: e.sessionID,
	}
}

// newEventID returns a unique "evt_"-prefixed 16-hex-digit identifier.
func newEventID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "evt_" + hex[:16]
}

// offsetMS returns the elapsed milliseconds since the emitter was created.
func (e *Emitter) offsetMS() int64 {
	return e.now().Sub(e.start).Milliseconds()
}

// trace builds a trace event at the given level with a data payload that
// always includes the relative offset.
func (e *Emitter) trace(t Type, level Level, data map[string]any) Event {
	ev := e.newEvent(t)
	ev.Level = level
	if data == nil {
		data = map[string]any{}
	}
	data["offset_ms"] = e.offsetMS()
	ev.Data = data
	return ev
}

// ─── Transport events ─────────────────────────────────────────────────────────

// Start signals the beginning of a streamed response.
func (e *Emitter) Start(model string) Event {
	ev := e.newEvent(TypeStart)
	ev.Model = model
	return ev
}

// Delta carries one incremental content fragment. Content must be non-empty;
// callers are expected to skip empty fragments.
func (e *Emitter) Delta(content string) Event {
	ev := e.newEvent(TypeDelta)
	ev.Content = content
	return ev
}

// End signals completion and carries the full aggregated response text.
func (e *Emitter) End(content string) Event {
	ev := e.newEvent(TypeEnd)
	ev.Content = content
	return ev
}

// Error reports a failure. code is one of VALIDATION, NOT_FOUND, AUTH,
// UPSTREAM or INTERNAL and may be empty.
func (e *Emitter) Error(msg, code string) Event {
	ev := e.newEvent(TypeError)
	ev.Error = msg
	ev.ErrorCode = code
	return ev
}

// ToolCalls reports that the model committed to invoking the given tools.
func (e *Emitter) ToolCalls(calls []types.ToolCall) Event {
	ev := e.newEvent(TypeToolCalls)
	ev.ToolCalls = toolCallPayloads(calls)
	return ev
}

// Cancelled reports cooperative cancellation of the turn.
func (e *Emitter) Cancelled(reason string) Event {
	ev := e.newEvent(TypeCancelled)
	ev.Reason = reason
	return ev
}

// ─── Trace events ─────────────────────────────────────────────────────────────

// WorkflowStarted marks the start of the orchestration workflow.
func (e *Emitter) WorkflowStarted() Event {
	return e.trace(TypeWorkflowStarted, LevelGraph, nil)
}

// WorkflowComplete marks the end of the workflow with the total duration.
func (e *Emitter) WorkflowComplete(total time.Duration) Event {
	return e.trace(TypeWorkflowComplete, LevelGraph, map[string]any{
		"total_ms": total.Milliseconds(),
	})
}

// NodeStarted marks entry into an orchestrator node.
func (e *Emitter) NodeStarted(name string) Event {
	return e.trace(TypeNodeStarted, LevelNode, map[string]any{"node": name})
}

// NodeFinished marks exit from an orchestrator node.
func (e *Emitter) NodeFinished(name string, d time.Duration) Event {
	return e.trace(TypeNodeFinished, LevelNode, map[string]any{
		"node":        name,
		"duration_ms": d.Milliseconds(),
	})
}

// RouteDecision records a conditional edge taken between two nodes.
func (e *Emitter) RouteDecision(from, to, reason string) Event {
	return e.trace(TypeRouteDecision, LevelGraph, map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
}

// ThinkingPhase reports a coarse progress phase within a node.
func (e *Emitter) ThinkingPhase(phase, node string) Event {
	return e.trace(TypeThinkingPhase, LevelNode, map[string]any{
		"phase": phase,
		"node":  node,
	})
}

// ToolCallPending reports that a tool call has been queued for execution.
func (e *Emitter) ToolCallPending(name string) Event {
	return e.trace(TypeToolCallPending, LevelNode, map[string]any{"tool": name})
}

// ToolExecuting reports that a tool execution has begun.
func (e *Emitter) ToolExecuting(name string) Event {
	return e.trace(TypeToolExecuting, LevelNode, map[string]any{"tool": name})
}

// ToolResultEvent reports a completed tool execution.
func (e *Emitter) ToolResultEvent(name string, success bool, d time.Duration) Event {
	return e.trace(TypeToolResult, LevelNode, map[string]any{
		"tool":        name,
		"success":     success,
		"duration_ms": d.Milliseconds(),
	})
}

// LLMStreaming reports an LLM streaming phase transition
// (e.g. "first_token", "tool_call_detected", "finished").
func (e *Emitter) LLMStreaming(phase string) Event {
	return e.trace(TypeLLMStreaming, LevelNode, map[string]any{"phase": phase})
}

// TokenUsage reports token accounting after an LLM call.
func (e *Emitter) TokenUsage(prompt, completion int) Event {
	return e.trace(TypeTokenUsage, LevelNode, map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      prompt + completion,
	})
}
