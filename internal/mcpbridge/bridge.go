// Package mcpbridge imports tools from Model Context Protocol (MCP) servers
// into the agent's tool registry.
//
// The bridge connects to each configured server via stdio or streamable-HTTP
// using the official MCP Go SDK, lists the server's tools, and registers every
// one of them as a [tool.Tool] whose handler proxies execution back to the
// server. From the orchestrator's point of view an imported tool is
// indistinguishable from a native one.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parlancehq/parlance/pkg/tool"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and errors. Must be unique within
	// one Bridge.
	Name string

	// Transport is the connection mechanism.
	Transport Transport

	// Command is the executable path plus arguments, space separated. Used
	// when Transport is "stdio".
	Command string

	// URL is the endpoint address. Used when Transport is "streamable-http".
	URL string

	// Env holds extra environment variables for the stdio subprocess.
	Env map[string]string

	// NoCache opts the server's tools out of result caching. Set it for
	// servers whose tools have side effects or time-dependent output.
	NoCache bool
}

// serverConn pairs a live session with the tool names imported from it.
type serverConn struct {
	session *mcpsdk.ClientSession
	tools   []string
}

// Bridge connects MCP servers to a [tool.Registry].
//
// Bridge is safe for concurrent use.
type Bridge struct {
	mu       sync.Mutex
	registry *tool.Registry
	servers  map[string]serverConn

	// client is shared across server connections; the SDK supports multiple
	// concurrent sessions per client.
	client *mcpsdk.Client
}

// New creates a Bridge that registers imported tools into registry.
func New(registry *tool.Registry) *Bridge {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "parlance", Version: "1.0.0"},
		nil,
	)
	return &Bridge{
		registry: registry,
		servers:  make(map[string]serverConn),
		client:   client,
	}
}

// Connect establishes a session with the server described by cfg and imports
// its tool catalogue. Reconnecting under an existing name closes the previous
// session and replaces its tools.
func (b *Bridge) Connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("mcpbridge: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcpbridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcpbridge: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		cmd.Env = stdioEnv(cfg.Env)
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcpbridge: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpbridge: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpbridge: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *t)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.servers[cfg.Name]; ok {
		for _, name := range old.tools {
			b.registry.Unregister(name)
		}
		_ = old.session.Close()
	}

	conn := serverConn{session: session}
	for _, mcpTool := range discovered {
		imported := b.buildTool(session, mcpTool, cfg)
		if err := b.registry.Register(imported); err != nil {
			slog.Warn("skipping MCP tool", "server", cfg.Name, "tool", mcpTool.Name, "err", err)
			continue
		}
		conn.tools = append(conn.tools, imported.Name)
	}
	b.servers[cfg.Name] = conn

	slog.Info("MCP server connected", "server", cfg.Name, "tools", len(conn.tools))
	return nil
}

// buildTool converts an SDK tool into a registry tool whose handler proxies
// execution through the session.
func (b *Bridge) buildTool(session *mcpsdk.ClientSession, t mcpsdk.Tool, cfg ServerConfig) *tool.Tool {
	name := t.Name
	return &tool.Tool{
		Name:        name,
		Description: t.Description,
		Parameters:  schemaToParameters(t.InputSchema),
		NoCache:     cfg.NoCache,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
				Name:      name,
				Arguments: args,
			})
			if err != nil {
				return nil, fmt.Errorf("mcpbridge: call tool %q on %q: %w", name, cfg.Name, err)
			}
			text := textContent(res)
			if res.IsError {
				return nil, fmt.Errorf("mcpbridge: tool %q: %s", name, text)
			}
			return text, nil
		},
	}
}

// Disconnect closes the named server's session and removes its tools from the
// registry. Unknown names are a no-op.
func (b *Bridge) Disconnect(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, ok := b.servers[name]
	if !ok {
		return
	}
	for _, toolName := range conn.tools {
		b.registry.Unregister(toolName)
	}
	_ = conn.session.Close()
	delete(b.servers, name)
}

// Close shuts down all server sessions. Imported tools stay registered but
// will fail on execution; call Disconnect per server to remove them cleanly.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for name, conn := range b.servers {
		for _, toolName := range conn.tools {
			b.registry.Unregister(toolName)
		}
		if err := conn.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
	}
	b.servers = make(map[string]serverConn)
	return errors.Join(errs...)
}

// textContent concatenates the text parts of a call result.
func textContent(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// stdioEnv builds the subprocess environment: the parent's, so PATH and HOME
// survive, plus the configured entries appended last so they win on conflict.
func stdioEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// schemaToParameters flattens a JSON Schema object into parameter declarations.
// Nested object schemas are preserved as type "object" without their inner
// structure; the server re-validates arguments on its side anyway.
func schemaToParameters(schema any) []tool.Parameter {
	m := schemaToMap(schema)
	props, _ := m["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}

	required := make(map[string]bool)
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	params := make([]tool.Parameter, 0, len(props))
	for name, raw := range props {
		p := tool.Parameter{Name: name, Type: "string", Required: required[name]}
		if prop, ok := raw.(map[string]any); ok {
			if t, ok := prop["type"].(string); ok {
				p.Type = t
			}
			if d, ok := prop["description"].(string); ok {
				p.Description = d
			}
			if def, ok := prop["default"]; ok {
				p.Default = def
			}
		}
		params = append(params, p)
	}
	// Deterministic order so schemas are stable across restarts.
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

// schemaToMap normalises an SDK schema value to a generic map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
