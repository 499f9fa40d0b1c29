// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local chat-completion API and exposes a
// uniform interface for the orchestrator to perform completions — blocking and
// streaming — without coupling to any specific SDK. Model-family quirks such
// as parameter naming differences are encapsulated inside providers; callers
// never see them.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// responds to.
	ToolCallID string
}

// ToolCall represents a tool invocation requested by the model, in wire form.
type ToolCall struct {
	// ID is the provider-assigned unique identifier for this call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument string.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does.
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters,
	// in OpenAI function-calling shape ({"type":"object","properties":…}).
	Parameters map[string]any
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request carries everything the model needs to produce a response.
type Request struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Messages is the ordered conversation history.
	Messages []Message

	// SystemPrompt is injected before the history using the provider's native
	// system-message mechanism.
	SystemPrompt string

	// Tools is the set of tool definitions offered to the model.
	// Nil disables tool calling for this request.
	Tools []ToolDefinition

	// ToolChoice controls tool selection: "auto", "none", "required", or
	// empty for the provider default of "auto" when Tools is non-empty.
	ToolChoice string

	// Temperature controls output randomness in [0.0, 2.0]. Providers drop it
	// for model families that reject the parameter.
	Temperature float64

	// MaxTokens caps completion tokens. Zero means the provider default.
	// Providers translate this to the wire parameter the model family
	// expects (max_tokens vs max_completion_tokens).
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, consolidated tool calls, or any combination.
type Chunk struct {
	// Text is the incremental content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// or "error". Empty on non-final chunks.
	FinishReason string

	// ToolCalls is populated on the final chunk once all streamed fragments
	// have been accumulated into complete calls.
	ToolCalls []ToolCall

	// Usage is populated on the final chunk when the backend reports it.
	Usage *Usage
}

// Response is returned by the blocking Complete method.
type Response struct {
	// Content is the full assistant reply. Empty when the model responds
	// exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
//
// Providers expose no retry policy; retries and failover are the caller's
// responsibility (see internal/resilience).
type Provider interface {
	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// StreamCompletion sends req and returns a read-only channel emitting
	// Chunk values as they arrive. The channel is closed when generation
	// finishes or ctx is cancelled. Errors after the stream has started are
	// surfaced as a Chunk with FinishReason "error"; the error return is
	// non-nil only for failures that prevent the stream from starting.
	StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. The result need not be exact but should not
	// undercount.
	CountTokens(messages []Message) (int, error)
}
