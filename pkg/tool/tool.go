// Package tool provides the tool registry and executor for Parlance.
//
// Tools are functions the LLM can invoke during a turn: each Tool carries a
// declarative parameter schema in OpenAI function-calling shape plus a Go
// handler. The Registry holds the process-wide tool set; the Executor runs
// calls with argument validation, per-tool timeouts, panic recovery, parallel
// fan-out, and a bounded TTL result cache.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/parlancehq/parlance/pkg/llm"
)

// Parameter describes a single tool input parameter.
type Parameter struct {
	// Name is the parameter's key in the arguments object.
	Name string

	// Type is the JSON Schema type: one of "string", "number", "integer",
	// "boolean", "object", "array".
	Type string

	// Description explains the parameter to the model.
	Description string

	// Required marks the parameter as mandatory.
	Required bool

	// Enum optionally restricts the accepted values.
	Enum []any

	// Default is substituted when an optional parameter is absent.
	Default any
}

// validTypes is the closed set of accepted JSON Schema parameter types.
var validTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"object":  true,
	"array":   true,
}

// Handler is a tool's executable body. Arguments arrive as a decoded JSON
// object; the returned value is JSON-encoded into the ToolResult.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered capability the LLM can call.
type Tool struct {
	// Name is the stable identifier, lowercase with underscores.
	Name string

	// Description explains what the tool does, shown to the model.
	Description string

	// Parameters declares the tool's input schema.
	Parameters []Parameter

	// Handler executes the tool. Arguments arrive validated against
	// Parameters with defaults applied. Implementations must be safe for
	// concurrent use and must respect context cancellation.
	Handler Handler

	// Timeout bounds a single execution. Zero means the executor default.
	Timeout int64 // milliseconds

	// NoCache opts the tool out of result caching. Successful results are
	// cached by default; tools with side effects or time-dependent output
	// must set this.
	NoCache bool
}

// Definition returns the tool's LLM-facing schema in OpenAI
// function-calling shape.
func (t *Tool) Definition() llm.ToolDefinition {
	props := make(map[string]any, len(t.Parameters))
	var required []string
	for _, p := range t.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	params := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		params["required"] = required
	}
	return llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  params,
	}
}

// validate checks the tool declaration itself.
func (t *Tool) validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool: name must not be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler must not be nil", t.Name)
	}
	seen := make(map[string]bool, len(t.Parameters))
	for _, p := range t.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %q: parameter with empty name", t.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %q: duplicate parameter %q", t.Name, p.Name)
		}
		seen[p.Name] = true
		if !validTypes[p.Type] {
			return fmt.Errorf("tool %q: parameter %q has invalid type %q", t.Name, p.Name, p.Type)
		}
	}
	return nil
}

// Registry holds the process-wide set of registered tools.
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. It fails when the name is already taken or the
// declaration is invalid.
func (r *Registry) Register(t *Tool) error {
	if err := t.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q: already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Unregister removes a tool by name. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool with the given name, or false when absent.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schemas returns the OpenAI function-calling schemas of every registered
// tool, sorted by name, ready to attach to an llm.Request.
func (r *Registry) Schemas() []llm.ToolDefinition {
	tools := r.List()
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
