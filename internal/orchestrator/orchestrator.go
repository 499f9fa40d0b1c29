// Package orchestrator drives the turn state machine: a small workflow graph
// whose nodes transform a TurnState and whose router decides what runs next.
// The graph is the same for blocking and streaming turns; streaming
// additionally forwards LLM deltas and tool progress as events.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/pkg/checkpoint"
	"github.com/parlancehq/parlance/pkg/event"
	"github.com/parlancehq/parlance/pkg/llm"
	"github.com/parlancehq/parlance/pkg/session"
	"github.com/parlancehq/parlance/pkg/tool"
	"github.com/parlancehq/parlance/pkg/types"
)

const (
	// DefaultMaxToolIterations caps handle_tools passes per turn.
	DefaultMaxToolIterations = 7

	// DefaultHistoryLimit caps how many stored messages precede the user
	// message in the LLM request.
	DefaultHistoryLimit = 10
)

// Canned responses for degraded paths.
const (
	apologyEmptyInput = "I didn't catch that. Could you say it again?"
	apologyLLMFailure = "I'm sorry, I'm having trouble thinking right now. Please try again in a moment."
	fallbackResponse  = "I'm sorry, I wasn't able to come up with a response. Could you rephrase?"
	truncationNotice  = "I had to stop using tools for this request because it needed too many steps. Here is what I found so far."
)

const defaultSystemPrompt = "You are Parlance, a helpful voice assistant. " +
	"Answer concisely in a natural spoken register. Use the available tools " +
	"when they can improve your answer, and never invent tool results."

// Config tunes the orchestrator. Zero values select the defaults above.
type Config struct {
	// Model is the default model name; a TurnRequest may override it.
	Model string

	// Temperature is passed through to the LLM provider.
	Temperature float64

	// MaxTokens caps completion tokens. Zero means provider default.
	MaxTokens int

	// MaxToolIterations caps handle_tools passes per turn.
	MaxToolIterations int

	// HistoryLimit caps history messages included in the prompt.
	HistoryLimit int

	// SystemPrompt is the static base prompt; per-turn context is appended.
	SystemPrompt string
}

// TurnRequest describes one user turn.
type TurnRequest struct {
	// SessionID identifies the conversation. Must be non-empty; the façade
	// generates one when the client omits it.
	SessionID string

	// UserID identifies the requesting user, when known.
	UserID string

	// Input is the raw user utterance.
	Input string

	// Model overrides the configured model when non-empty.
	Model string
}

// TurnResult is the outcome of a blocking turn. It doubles as the wire
// envelope for the blocking chat route.
type TurnResult struct {
	// Success reports that the turn completed without a node-level error.
	Success bool `json:"success"`

	// SessionID echoes the conversation id.
	SessionID string `json:"session_id"`

	// Response is the final assistant text.
	Response string `json:"response"`

	// Intent is the keyword-derived label for the input.
	Intent string `json:"intent,omitempty"`

	// ToolIterations counts handle_tools passes this turn.
	ToolIterations int `json:"tool_iterations"`

	// Usage aggregates token accounting across LLM calls.
	Usage llm.Usage `json:"usage"`

	// Cancelled reports that the turn was cut short cooperatively.
	Cancelled bool `json:"cancelled,omitempty"`

	// Metadata carries turn accounting: always tool_calls (executed call
	// count), plus any response metadata such as the truncation flag.
	Metadata map[string]any `json:"metadata"`
}

// Orchestrator runs the turn state machine. Safe for concurrent use; each
// turn owns its TurnState.
type Orchestrator struct {
	provider llm.Provider
	registry *tool.Registry
	executor *tool.Executor
	store    *session.Store
	saver    checkpoint.Saver
	metrics  *observe.Metrics
	cfg      Config
}

// New creates an Orchestrator. metrics may be nil to disable instrumentation.
func New(provider llm.Provider, registry *tool.Registry, executor *tool.Executor, store *session.Store, saver checkpoint.Saver, metrics *observe.Metrics, cfg Config) *Orchestrator {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Orchestrator{
		provider: provider,
		registry: registry,
		executor: executor,
		store:    store,
		saver:    saver,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// sink receives workflow events. Blocking turns use a no-op sink.
type sink func(event.Event)

func discard(event.Event) {}

// ProcessTurn runs a blocking turn and returns the final response.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("orchestrator: session id must not be empty")
	}
	em := event.NewEmitter(req.SessionID)
	st := o.newState(ctx, req)

	usage := o.runGraph(ctx, st, em, discard, false)

	metadata := map[string]any{"tool_calls": st.ExecutedToolCalls}
	for k, v := range st.ResponseMetadata {
		metadata[k] = v
	}
	result := &TurnResult{
		Success:        st.ErrorState == "",
		SessionID:      req.SessionID,
		Response:       st.AgentResponse,
		Intent:         st.CurrentIntent,
		ToolIterations: st.ToolIterationCount,
		Usage:          usage,
		Cancelled:      ctx.Err() != nil,
		Metadata:       metadata,
	}
	if result.Cancelled {
		o.persistCancelled(st)
		return result, nil
	}
	o.persistTurn(ctx, st)
	return result, nil
}

// newState seeds the TurnState with session history.
func (o *Orchestrator) newState(ctx context.Context, req TurnRequest) *TurnState {
	history := o.store.GetHistory(ctx, req.SessionID, o.cfg.HistoryLimit)
	return &TurnState{
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		UserInput:      req.Input,
		RequestModel:   req.Model,
		History:        history,
		ShouldContinue: true,
	}
}

// runGraph executes nodes from process_input until the router terminates,
// checkpointing between transitions. It returns aggregated token usage.
func (o *Orchestrator) runGraph(ctx context.Context, st *TurnState, em *event.Emitter, emit sink, streaming bool) llm.Usage {
	start := time.Now()
	emit(em.WorkflowStarted())
	var usage llm.Usage

	node := nodeProcessInput
	for node != "" {
		if ctx.Err() != nil {
			break
		}
		nodeStart := time.Now()
		emit(em.NodeStarted(node))

		u := o.execNode(ctx, node, st, em, emit, streaming)
		usage.PromptTokens += u.PromptTokens
		usage.CompletionTokens += u.CompletionTokens
		usage.TotalTokens += u.TotalTokens

		emit(em.NodeFinished(node, time.Since(nodeStart)))
		st.Step++
		o.writeCheckpoint(ctx, st, node)

		next, reason := o.route(node, st)
		if next != "" {
			emit(em.RouteDecision(node, next, reason))
		}
		node = next
	}

	emit(em.WorkflowComplete(time.Since(start)))
	if o.metrics != nil {
		o.metrics.RecordTurn(ctx, time.Since(start), st.CurrentIntent, st.ErrorState)
	}
	return usage
}

// execNode dispatches to the node implementation.
func (o *Orchestrator) execNode(ctx context.Context, node string, st *TurnState, em *event.Emitter, emit sink, streaming bool) llm.Usage {
	switch node {
	case nodeProcessInput:
		o.processInput(st, em, emit)
	case nodeCallLLM:
		return o.callLLM(ctx, st, em, emit, streaming)
	case nodeHandleTools:
		o.handleTools(ctx, st, em, emit)
	case nodeFormatResponse:
		o.formatResponse(st)
	}
	return llm.Usage{}
}

// route applies the conditional edge table.
func (o *Orchestrator) route(node string, st *TurnState) (next, reason string) {
	switch node {
	case nodeProcessInput:
		switch {
		case st.ErrorState != "" || st.UserInput == "":
			return "", "input error"
		case !st.ShouldContinue:
			return "", "turn finished"
		case st.NextAction == actionCallLLM:
			return nodeCallLLM, "input accepted"
		case st.NextAction == actionFormatResponse:
			return nodeFormatResponse, "fast path"
		default:
			st.ErrorState = "invalid_next_action"
			return "", "unexpected next action " + st.NextAction
		}
	case nodeCallLLM:
		switch {
		case st.ErrorState != "":
			return nodeFormatResponse, "llm error"
		case st.NextAction == actionHandleTools && st.ToolIterationCount < o.cfg.MaxToolIterations:
			return nodeHandleTools, "tool calls pending"
		case st.NextAction == actionHandleTools:
			st.PendingToolCalls = nil
			st.AgentResponse = truncationNotice + " " + st.AgentResponse
			if st.ResponseMetadata == nil {
				st.ResponseMetadata = map[string]any{}
			}
			st.ResponseMetadata["tool_iterations_truncated"] = true
			return nodeFormatResponse, "tool iteration limit reached"
		default:
			return nodeFormatResponse, "response ready"
		}
	case nodeHandleTools:
		return nodeCallLLM, "re-evaluate with tool results"
	case nodeFormatResponse:
		return "", "terminal"
	}
	return "", "unknown node"
}

// processInput normalizes the input, tries the fast path, and derives the
// intent label.
func (o *Orchestrator) processInput(st *TurnState, em *event.Emitter, emit sink) {
	emit(em.ThinkingPhase("analyzing input", nodeProcessInput))

	st.UserInput = strings.TrimSpace(st.UserInput)
	if st.UserInput == "" {
		st.ErrorState = "empty_input"
		st.AgentResponse = apologyEmptyInput
		return
	}

	st.TurnMessages = append(st.TurnMessages, types.Message{
		Role:      types.RoleUser,
		Content:   st.UserInput,
		Timestamp: time.Now().UTC(),
	})

	if reply, ok := fastPathReply(st.UserInput); ok {
		st.CurrentIntent = intentGeneral
		st.AgentResponse = reply
		st.NextAction = actionFormatResponse
		return
	}

	st.CurrentIntent = detectIntent(st.UserInput)
	st.NextAction = actionCallLLM
}

// callLLM requests a completion. Tool schemas ride along only while more
// tool calls are allowed; streaming follow-ups after a tool pass go out
// schema-less. The streaming flag selects StreamCompletion and forwards
// deltas through emit.
func (o *Orchestrator) callLLM(ctx context.Context, st *TurnState, em *event.Emitter, emit sink, streaming bool) llm.Usage {
	emit(em.ThinkingPhase("consulting model", nodeCallLLM))

	req := llm.Request{
		Model:        o.model(st),
		Messages:     o.buildMessages(st),
		SystemPrompt: o.buildSystemPrompt(st),
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	}
	// No tool schemas once the iteration budget is spent, so the final
	// answer cannot recurse into more calls. Streaming follow-ups after a
	// tool pass are always schema-less: the follow-up stream synthesizes
	// the final response.
	attachTools := st.ToolIterationCount < o.cfg.MaxToolIterations
	if streaming && st.ToolIterationCount > 0 {
		attachTools = false
	}
	if attachTools {
		if schemas := o.registry.Schemas(); len(schemas) > 0 {
			req.Tools = schemas
			req.ToolChoice = "auto"
		}
	} else if st.ToolIterationCount >= o.cfg.MaxToolIterations {
		if st.ResponseMetadata == nil {
			st.ResponseMetadata = map[string]any{}
		}
		st.ResponseMetadata["tool_iterations_truncated"] = true
	}

	var (
		content   string
		toolCalls []llm.ToolCall
		usage     llm.Usage
		err       error
	)
	if streaming {
		content, toolCalls, usage, err = o.streamLLM(ctx, req, em, emit)
	} else {
		var resp *llm.Response
		resp, err = o.provider.Complete(ctx, req)
		if err == nil {
			content, toolCalls, usage = resp.Content, resp.ToolCalls, resp.Usage
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			// Keep partial content for the cancellation marker; the graph
			// boundary handles the rest.
			if content != "" {
				st.AgentResponse = content
			}
			return usage
		}
		slog.Error("llm call failed", "session_id", st.SessionID, "err", err)
		st.ErrorState = "llm_error"
		st.AgentResponse = apologyLLMFailure
		st.NextAction = actionFormatResponse
		return usage
	}

	if usage.TotalTokens > 0 {
		emit(em.TokenUsage(usage.PromptTokens, usage.CompletionTokens))
	}

	if len(toolCalls) > 0 {
		pending := make([]types.ToolCall, 0, len(toolCalls))
		for _, tc := range toolCalls {
			pending = append(pending, convertToolCall(tc))
		}
		st.PendingToolCalls = pending
		st.NextAction = actionHandleTools
		if content != "" {
			st.AgentResponse = content
		}
		// The assistant's tool-call request must precede the tool results
		// in the next prompt.
		st.TurnMessages = append(st.TurnMessages, types.Message{
			Role:      types.RoleAssistant,
			Content:   content,
			Timestamp: time.Now().UTC(),
			Metadata:  map[string]any{"tool_calls": pending},
		})
		emit(em.ToolCalls(pending))
		return usage
	}

	st.AgentResponse = content
	st.NextAction = actionFormatResponse
	return usage
}

// streamLLM consumes a streaming completion, forwarding deltas.
func (o *Orchestrator) streamLLM(ctx context.Context, req llm.Request, em *event.Emitter, emit sink) (string, []llm.ToolCall, llm.Usage, error) {
	emit(em.LLMStreaming("started"))
	ch, err := o.provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", nil, llm.Usage{}, err
	}

	var (
		content   strings.Builder
		toolCalls []llm.ToolCall
		usage     llm.Usage
	)
	for chunk := range ch {
		if chunk.Text != "" && chunk.FinishReason != "error" {
			content.WriteString(chunk.Text)
			emit(em.Delta(chunk.Text))
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = chunk.ToolCalls
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.FinishReason == "error" {
			emit(em.LLMStreaming("failed"))
			return content.String(), nil, usage, fmt.Errorf("stream error: %s", chunk.Text)
		}
	}
	if ctx.Err() != nil {
		return content.String(), nil, usage, ctx.Err()
	}
	emit(em.LLMStreaming("finished"))
	return content.String(), toolCalls, usage, nil
}

// handleTools executes all pending calls in parallel and feeds the results
// back into the conversation as tool-role messages.
func (o *Orchestrator) handleTools(ctx context.Context, st *TurnState, em *event.Emitter, emit sink) {
	st.ToolIterationCount++
	calls := st.PendingToolCalls
	st.PendingToolCalls = nil
	st.ExecutedToolCalls += len(calls)

	for _, call := range calls {
		emit(em.ToolCallPending(call.Name))
	}
	for _, call := range calls {
		emit(em.ToolExecuting(call.Name))
	}

	results := o.executor.ExecuteAll(ctx, calls)

	for i, res := range results {
		call := calls[i]
		emit(em.ToolResultEvent(call.Name, res.Success, res.Duration))
		if o.metrics != nil {
			o.metrics.RecordToolExecution(ctx, call.Name, res.Success, res.Duration)
		}
		st.TurnMessages = append(st.TurnMessages, toolResultMessage(call, res))
		o.store.RecordToolCall(ctx, st.SessionID, call, res)
	}

	st.NextAction = actionCallLLM
}

// formatResponse guarantees a non-empty answer and closes the turn.
func (o *Orchestrator) formatResponse(st *TurnState) {
	if strings.TrimSpace(st.AgentResponse) == "" {
		st.AgentResponse = fallbackResponse
	}
	st.TurnMessages = append(st.TurnMessages, types.Message{
		Role:      types.RoleAssistant,
		Content:   st.AgentResponse,
		Timestamp: time.Now().UTC(),
		Metadata:  st.ResponseMetadata,
	})
	st.NextAction = ""
	st.ShouldContinue = false
}

// persistTurn writes the turn's user message and final assistant message to
// the session store. Tool-role messages and intermediate tool-call requests
// stay turn-local; executed calls were recorded through RecordToolCall.
func (o *Orchestrator) persistTurn(ctx context.Context, st *TurnState) {
	for _, msg := range st.TurnMessages {
		if msg.Role == types.RoleTool {
			continue
		}
		if _, intermediate := msg.Metadata["tool_calls"]; intermediate {
			continue
		}
		o.store.AddMessage(ctx, st.SessionID, msg)
	}
}

// persistCancelled flushes partial content with a cancellation marker. The
// store write uses a fresh context because the turn's context is already
// cancelled.
func (o *Orchestrator) persistCancelled(st *TurnState) {
	ctx := context.Background()
	for _, msg := range st.TurnMessages {
		if msg.Role == types.RoleUser {
			o.store.AddMessage(ctx, st.SessionID, msg)
		}
	}
	o.store.AddMessage(ctx, st.SessionID, types.Message{
		Role:      types.RoleAssistant,
		Content:   "[Cancelled] " + st.AgentResponse,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{"cancelled": true},
	})
}

// writeCheckpoint snapshots the state after a node. Checkpoint failures are
// logged, never fatal.
func (o *Orchestrator) writeCheckpoint(ctx context.Context, st *TurnState, node string) {
	if o.saver == nil {
		return
	}
	snapshot, err := MarshalState(st)
	if err != nil {
		slog.Error("checkpoint marshal failed", "session_id", st.SessionID, "err", err)
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err = o.saver.Put(wctx, st.SessionID, snapshot, map[string]any{
		"node": node,
		"step": st.Step,
	})
	if err != nil {
		slog.Warn("checkpoint write failed", "session_id", st.SessionID, "node", node, "err", err)
	}
}

// model resolves the per-turn model name.
func (o *Orchestrator) model(st *TurnState) string {
	if st.RequestModel != "" {
		return st.RequestModel
	}
	return o.cfg.Model
}

// buildSystemPrompt augments the base prompt with per-turn context.
func (o *Orchestrator) buildSystemPrompt(st *TurnState) string {
	var b strings.Builder
	b.WriteString(o.cfg.SystemPrompt)
	if st.CurrentIntent != "" && st.CurrentIntent != intentGeneral {
		b.WriteString("\nThe user's request looks like a ")
		b.WriteString(strings.ReplaceAll(st.CurrentIntent, "_", " "))
		b.WriteString(".")
	}
	if st.ToolIterationCount > 0 {
		fmt.Fprintf(&b, "\nYou have already run tools %d time(s) this turn; use their results.", st.ToolIterationCount)
	}
	return b.String()
}

// buildMessages assembles the request history: stored window, the user
// message, and this turn's intermediate messages.
func (o *Orchestrator) buildMessages(st *TurnState) []llm.Message {
	history := st.History
	if len(history) > o.cfg.HistoryLimit {
		history = history[len(history)-o.cfg.HistoryLimit:]
	}
	out := make([]llm.Message, 0, len(history)+len(st.TurnMessages))
	for _, m := range history {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID})
	}
	for _, m := range st.TurnMessages {
		lm := llm.Message{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		if calls, ok := m.Metadata["tool_calls"].([]types.ToolCall); ok {
			for _, tc := range calls {
				lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.RawArguments})
			}
		}
		out = append(out, lm)
	}
	return out
}

// convertToolCall decodes a wire tool call into the domain form.
func convertToolCall(tc llm.ToolCall) types.ToolCall {
	call := types.ToolCall{
		ID:           tc.ID,
		Name:         tc.Name,
		RawArguments: tc.Arguments,
		CreatedAt:    time.Now().UTC(),
	}
	if tc.Arguments != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err == nil {
			call.Arguments = args
		}
	}
	return call
}

// toolResultMessage renders an executed call as a tool-role message.
func toolResultMessage(call types.ToolCall, res types.ToolResult) types.Message {
	payload := map[string]any{"success": res.Success}
	if res.Success {
		payload["result"] = res.Result
	} else {
		payload["error"] = res.Error
	}
	content, err := json.Marshal(payload)
	if err != nil {
		content = []byte(`{"success":false,"error":"unserializable tool result"}`)
	}
	return types.Message{
		Role:       types.RoleTool,
		Content:    string(content),
		ToolCallID: call.ID,
		Timestamp:  time.Now().UTC(),
		Metadata:   map[string]any{"tool_name": call.Name},
	}
}
