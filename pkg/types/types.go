// Package types defines the shared types used across all parlance packages.
//
// These types form the lingua franca between the orchestrator, the session
// store, the tool executor, and the transport layer. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// IsValid reports whether r is a recognised message role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is a single turn-level conversational unit.
//
// Within a session, timestamps are monotonically non-decreasing in insertion
// order; the session store enforces this on write.
type Message struct {
	// ID is the stable unique identifier for this message.
	ID string

	// Role is the author of the message.
	Role Role

	// Content is the textual content.
	Content string

	// Timestamp is when the message was created.
	Timestamp time.Time

	// Metadata holds free-form message attributes (e.g. truncation or
	// cancellation markers set by the orchestrator).
	Metadata map[string]any

	// ToolCallID is set when Role is RoleTool, identifying which tool call
	// this message responds to.
	ToolCallID string
}

// ToolCall is an LLM request to invoke a named tool.
type ToolCall struct {
	// ID is the unique identifier for this call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the decoded argument map. Values are JSON-serialisable.
	Arguments map[string]any

	// RawArguments preserves the model's original JSON argument string.
	// Kept so the wire form can be replayed verbatim to the LLM.
	RawArguments string

	// CreatedAt is when the model committed to this call.
	CreatedAt time.Time
}

// ToolResult is the outcome of a ToolCall.
//
// Invariant: Success=false implies Error is non-empty; Success=true implies
// Result is present.
type ToolResult struct {
	// CallID references the originating ToolCall.
	CallID string

	// Success reports whether the tool executed without error.
	Success bool

	// Result is the opaque, JSON-serialisable result payload.
	Result any

	// Error is the failure description when Success is false.
	Error string

	// Timestamp is when the result was produced.
	Timestamp time.Time

	// Duration is how long the tool execution took.
	Duration time.Duration
}

// SessionStatus enumerates the lifecycle states of a Session.
// Transitions are monotonic toward terminated; terminated is absorbing.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionPaused     SessionStatus = "paused"
	SessionTerminated SessionStatus = "terminated"
)

// IsValid reports whether s is a recognised session status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionActive, SessionPaused, SessionTerminated:
		return true
	}
	return false
}

// Session is a conversation container.
//
// Invariant: LastActivity >= CreatedAt.
type Session struct {
	// ID is the opaque session identifier.
	ID string

	// UserID is the owning user, empty for anonymous sessions.
	UserID string

	// Status is the lifecycle state.
	Status SessionStatus

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	// LastActivity is when the session last saw a message.
	LastActivity time.Time

	// Summary is an optional rolled-up description of the conversation.
	Summary string

	// Metadata holds free-form session attributes.
	Metadata map[string]any
}

// User is an authenticated principal. The core treats it as opaque beyond
// identity; it exists as a foreign key for Session ownership.
type User struct {
	ID         string
	Username   string
	Email      string
	IsActive   bool
	CreatedAt  time.Time
	LastActive time.Time
	Metadata   map[string]any
}
