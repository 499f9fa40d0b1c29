package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/pkg/types"
)

const (
	// DefaultTimeout bounds a single tool execution unless the tool declares
	// its own.
	DefaultTimeout = 10 * time.Second

	// DefaultCacheTTL is how long a successful result stays reusable.
	DefaultCacheTTL = 300 * time.Second

	// DefaultCacheSize bounds the number of cached results.
	DefaultCacheSize = 256

	// DefaultMaxParallel bounds concurrent executions in ExecuteAll.
	DefaultMaxParallel = 8
)

// CacheStats reports executor cache effectiveness.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Executor runs tool calls from the Registry with validation, timeouts,
// panic recovery, and result caching. Safe for concurrent use.
type Executor struct {
	registry    *Registry
	cache       *resultCache
	timeout     time.Duration
	maxParallel int

	statsMu sync.Mutex
	hits    int64
	misses  int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout overrides the default per-tool timeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithCache overrides cache capacity and TTL.
func WithCache(size int, ttl time.Duration) ExecutorOption {
	return func(e *Executor) {
		if size > 0 && ttl > 0 {
			e.cache = newResultCache(size, ttl)
		}
	}
}

// WithMaxParallel bounds concurrency in ExecuteAll.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// NewExecutor creates an Executor over the given registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		cache:       newResultCache(DefaultCacheSize, DefaultCacheTTL),
		timeout:     DefaultTimeout,
		maxParallel: DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a single tool call and always returns a ToolResult; failures
// are reported in the result, never as a Go error, so one bad call cannot
// abort a batch.
func (e *Executor) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	started := time.Now()

	t, ok := e.registry.Get(call.Name)
	if !ok {
		return e.failure(call, started, fmt.Sprintf("unknown tool %q", call.Name))
	}

	args, err := e.decodeArgs(call)
	if err != nil {
		return e.failure(call, started, err.Error())
	}
	if err := validateArgs(t, args); err != nil {
		return e.failure(call, started, err.Error())
	}

	cacheKey := ""
	if !t.NoCache {
		cacheKey, err = canonicalKey(call.Name, args)
		if err == nil {
			if cached, hit := e.cache.get(cacheKey); hit {
				e.recordHit()
				cached.CallID = call.ID
				slog.Debug("tool cache hit", "tool", call.Name, "call_id", call.ID)
				return cached
			}
		}
		e.recordMiss()
	}

	result := e.run(ctx, t, call, args, started)

	if !t.NoCache && result.Success && cacheKey != "" {
		e.cache.put(cacheKey, result)
	}
	return result
}

// ExecuteAll runs calls concurrently and returns results in input order.
// A failure in one call yields a failed ToolResult at its position without
// affecting the others.
func (e *Executor) ExecuteAll(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(gctx, call)
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors
	return results
}

// CacheStats returns current cache hit/miss counters.
func (e *Executor) CacheStats() CacheStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return CacheStats{Hits: e.hits, Misses: e.misses, Entries: e.cache.len()}
}

// ClearCache drops all cached results.
func (e *Executor) ClearCache() {
	e.cache.purge()
}

// run executes the handler with timeout and panic containment.
func (e *Executor) run(ctx context.Context, t *Tool, call types.ToolCall, args map[string]any, started time.Time) types.ToolResult {
	timeout := e.timeout
	if t.Timeout > 0 {
		timeout = time.Duration(t.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("tool panicked", "tool", t.Name, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := t.Handler(ctx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return e.failure(call, started, "timeout")
		}
		return e.failure(call, started, ctx.Err().Error())
	case out := <-done:
		if out.err != nil {
			return e.failure(call, started, out.err.Error())
		}
		return types.ToolResult{
			CallID:    call.ID,
			Success:   true,
			Result:    out.value,
			Timestamp: time.Now().UTC(),
			Duration:  time.Since(started),
		}
	}
}

func (e *Executor) failure(call types.ToolCall, started time.Time, msg string) types.ToolResult {
	slog.Warn("tool execution failed", "tool", call.Name, "call_id", call.ID, "err", msg)
	return types.ToolResult{
		CallID:    call.ID,
		Success:   false,
		Error:     msg,
		Timestamp: time.Now().UTC(),
		Duration:  time.Since(started),
	}
}

func (e *Executor) recordHit() {
	e.statsMu.Lock()
	e.hits++
	e.statsMu.Unlock()
}

func (e *Executor) recordMiss() {
	e.statsMu.Lock()
	e.misses++
	e.statsMu.Unlock()
}

// decodeArgs resolves the call's argument map, decoding RawArguments when
// the decoded form is absent.
func (e *Executor) decodeArgs(call types.ToolCall) (map[string]any, error) {
	if call.Arguments != nil {
		return call.Arguments, nil
	}
	if call.RawArguments == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(call.RawArguments), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments JSON: %v", err)
	}
	return args, nil
}

// validateArgs checks required parameters and value types against the tool's
// declared schema, applying declared defaults for absent optional parameters.
// args is mutated in place.
func validateArgs(t *Tool, args map[string]any) error {
	declared := make(map[string]Parameter, len(t.Parameters))
	for _, p := range t.Parameters {
		declared[p.Name] = p
		v, present := args[p.Name]
		if !present {
			if p.Required {
				return fmt.Errorf("missing required parameter %q", p.Name)
			}
			if p.Default != nil {
				args[p.Name] = p.Default
			}
			continue
		}
		if err := checkType(p, v); err != nil {
			return err
		}
	}
	for name := range args {
		if _, ok := declared[name]; !ok {
			return fmt.Errorf("unknown parameter %q", name)
		}
	}
	return nil
}

// checkType verifies a JSON-decoded value against the parameter's declared
// JSON-Schema type and enum.
func checkType(p Parameter, v any) error {
	ok := false
	switch p.Type {
	case "string":
		_, ok = v.(string)
	case "boolean":
		_, ok = v.(bool)
	case "number":
		_, ok = v.(float64)
		if !ok {
			_, ok = v.(int)
		}
	case "integer":
		switch n := v.(type) {
		case float64:
			ok = n == float64(int64(n))
		case int:
			ok = true
		}
	case "object":
		_, ok = v.(map[string]any)
	case "array":
		_, ok = v.([]any)
	}
	if !ok {
		return fmt.Errorf("parameter %q: expected %s, got %T", p.Name, p.Type, v)
	}
	if len(p.Enum) > 0 {
		for _, allowed := range p.Enum {
			if v == allowed {
				return nil
			}
		}
		return fmt.Errorf("parameter %q: value %v not in enum", p.Name, v)
	}
	return nil
}

// canonicalKey builds the cache key: tool name plus the argument map encoded
// as JSON. encoding/json sorts map keys at every nesting level, so equal
// argument sets always produce equal keys.
func canonicalKey(name string, args map[string]any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return name + ":" + string(b), nil
}
