package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/parlancehq/parlance/pkg/tool"
	"github.com/parlancehq/parlance/pkg/types"
)

// toolPayload is one catalog entry.
type toolPayload struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  []paramPayload `json:"parameters"`
	Cacheable   bool           `json:"cacheable"`
	TimeoutMS   int64          `json:"timeout_ms,omitempty"`
	Definition  map[string]any `json:"definition"`
}

type paramPayload struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Enum        []any  `json:"enum,omitempty"`
	Default     any    `json:"default,omitempty"`
}

func toToolPayload(t *tool.Tool) toolPayload {
	params := make([]paramPayload, 0, len(t.Parameters))
	for _, p := range t.Parameters {
		params = append(params, paramPayload{
			Name:        p.Name,
			Type:        p.Type,
			Description: p.Description,
			Required:    p.Required,
			Enum:        p.Enum,
			Default:     p.Default,
		})
	}
	def := t.Definition()
	return toolPayload{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  params,
		Cacheable:   !t.NoCache,
		TimeoutMS:   t.Timeout,
		Definition: map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  def.Parameters,
			},
		},
	}
}

// handleToolsList returns the tool catalog including the function-calling
// schema for each tool.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request) {
	tools := s.registry.List()
	payload := make([]toolPayload, 0, len(tools))
	for _, t := range tools {
		payload = append(payload, toToolPayload(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": payload,
		"count": len(payload),
	})
}

// toolResultPayload is the wire form of an execution outcome.
type toolResultPayload struct {
	CallID     string  `json:"call_id"`
	Success    bool    `json:"success"`
	Result     any     `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// handleToolExecute invokes a tool directly, outside any turn. Meant for
// administration and testing.
func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.registry.Get(name); !ok {
		writeError(w, r, notFound("unknown tool: "+name))
		return
	}

	args := map[string]any{}
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &args); err != nil {
			writeError(w, r, err)
			return
		}
	}

	call := types.ToolCall{
		ID:        "call_" + uuid.NewString(),
		Name:      name,
		Arguments: args,
		CreatedAt: time.Now().UTC(),
	}
	result := s.executor.Execute(r.Context(), call)
	writeJSON(w, http.StatusOK, toolResultPayload{
		CallID:     result.CallID,
		Success:    result.Success,
		Result:     result.Result,
		Error:      result.Error,
		DurationMS: float64(result.Duration) / float64(time.Millisecond),
	})
}
