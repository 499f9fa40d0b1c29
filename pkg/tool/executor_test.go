package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

func newTestExecutor(t *testing.T, tools ...*Tool) *Executor {
	t.Helper()
	r := NewRegistry()
	for _, tl := range tools {
		if err := r.Register(tl); err != nil {
			t.Fatalf("register %s: %v", tl.Name, err)
		}
	}
	return NewExecutor(r)
}

func TestExecute_Success(t *testing.T) {
	e := newTestExecutor(t, echoTool())
	res := e.Execute(context.Background(), types.ToolCall{
		ID:        "call_1",
		Name:      "echo",
		Arguments: map[string]any{"text": "hi"},
	})
	if !res.Success {
		t.Fatalf("Success = false, error: %s", res.Error)
	}
	if res.CallID != "call_1" {
		t.Errorf("CallID = %q, want call_1", res.CallID)
	}
	if res.Result != "hi" {
		t.Errorf("Result = %v, want hi", res.Result)
	}
	if res.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", res.Duration)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	e := newTestExecutor(t)
	res := e.Execute(context.Background(), types.ToolCall{ID: "c", Name: "nope"})
	if res.Success {
		t.Fatal("expected failure for unknown tool")
	}
	if !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("Error = %q, want unknown tool mention", res.Error)
	}
}

func TestExecute_MissingRequiredArg(t *testing.T) {
	e := newTestExecutor(t, echoTool())
	res := e.Execute(context.Background(), types.ToolCall{
		ID: "c", Name: "echo", Arguments: map[string]any{},
	})
	if res.Success {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(res.Error, "required") {
		t.Errorf("Error = %q, want required-parameter mention", res.Error)
	}
}

func TestExecute_TypeMismatch(t *testing.T) {
	e := newTestExecutor(t, echoTool())
	res := e.Execute(context.Background(), types.ToolCall{
		ID: "c", Name: "echo", Arguments: map[string]any{"text": 42},
	})
	if res.Success {
		t.Fatal("expected type validation failure")
	}
}

func TestExecute_UnknownArg(t *testing.T) {
	e := newTestExecutor(t, echoTool())
	res := e.Execute(context.Background(), types.ToolCall{
		ID: "c", Name: "echo", Arguments: map[string]any{"text": "hi", "bogus": 1},
	})
	if res.Success {
		t.Fatal("expected failure for unknown parameter")
	}
}

func TestExecute_DefaultApplied(t *testing.T) {
	var seen any
	tl := &Tool{
		Name: "greet",
		Parameters: []Parameter{
			{Name: "lang", Type: "string", Default: "en"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			seen = args["lang"]
			return "ok", nil
		},
	}
	e := newTestExecutor(t, tl)
	res := e.Execute(context.Background(), types.ToolCall{ID: "c", Name: "greet", Arguments: map[string]any{}})
	if !res.Success {
		t.Fatalf("error: %s", res.Error)
	}
	if seen != "en" {
		t.Errorf("lang = %v, want default en", seen)
	}
}

func TestExecute_RawArgumentsDecoded(t *testing.T) {
	e := newTestExecutor(t, echoTool())
	res := e.Execute(context.Background(), types.ToolCall{
		ID: "c", Name: "echo", RawArguments: `{"text":"raw"}`,
	})
	if !res.Success {
		t.Fatalf("error: %s", res.Error)
	}
	if res.Result != "raw" {
		t.Errorf("Result = %v, want raw", res.Result)
	}
}

func TestExecute_InvalidJSONArguments(t *testing.T) {
	e := newTestExecutor(t, echoTool())
	res := e.Execute(context.Background(), types.ToolCall{
		ID: "c", Name: "echo", RawArguments: `{"text":`,
	})
	if res.Success {
		t.Fatal("expected failure for invalid JSON arguments")
	}
}

func TestExecute_HandlerError(t *testing.T) {
	tl := &Tool{
		Name: "fail",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}
	e := newTestExecutor(t, tl)
	res := e.Execute(context.Background(), types.ToolCall{ID: "c", Name: "fail"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "boom" {
		t.Errorf("Error = %q, want boom", res.Error)
	}
}

func TestExecute_PanicRecovered(t *testing.T) {
	tl := &Tool{
		Name: "panics",
		Handler: func(context.Context, map[string]any) (any, error) {
			panic("kaboom")
		},
	}
	e := newTestExecutor(t, tl)
	res := e.Execute(context.Background(), types.ToolCall{ID: "c", Name: "panics"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "kaboom") {
		t.Errorf("Error = %q, want panic message", res.Error)
	}
}

func TestExecute_Timeout(t *testing.T) {
	tl := &Tool{
		Name:    "slow",
		Timeout: 20, // ms
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	e := newTestExecutor(t, tl)
	res := e.Execute(context.Background(), types.ToolCall{ID: "c", Name: "slow"})
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Error != "timeout" {
		t.Errorf("Error = %q, want timeout", res.Error)
	}
}

func TestExecuteAll_PreservesOrder(t *testing.T) {
	tl := &Tool{
		Name: "ident",
		Parameters: []Parameter{
			{Name: "n", Type: "integer", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["n"], nil
		},
	}
	e := newTestExecutor(t, tl)
	var calls []types.ToolCall
	for i := 0; i < 10; i++ {
		calls = append(calls, types.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      "ident",
			Arguments: map[string]any{"n": float64(i)},
		})
	}
	results := e.ExecuteAll(context.Background(), calls)
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	for i, res := range results {
		if !res.Success {
			t.Fatalf("result %d failed: %s", i, res.Error)
		}
		if res.CallID != calls[i].ID {
			t.Errorf("result %d CallID = %q, want %q", i, res.CallID, calls[i].ID)
		}
		if res.Result != float64(i) {
			t.Errorf("result %d = %v, want %d", i, res.Result, i)
		}
	}
}

func TestExecuteAll_OneFailureDoesNotAbort(t *testing.T) {
	ok := echoTool()
	bad := &Tool{
		Name: "fail",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}
	e := newTestExecutor(t, ok, bad)
	results := e.ExecuteAll(context.Background(), []types.ToolCall{
		{ID: "a", Name: "echo", Arguments: map[string]any{"text": "1"}},
		{ID: "b", Name: "fail"},
		{ID: "c", Name: "echo", Arguments: map[string]any{"text": "2"}},
	})
	if !results[0].Success || !results[2].Success {
		t.Error("surrounding calls should succeed")
	}
	if results[1].Success {
		t.Error("middle call should fail")
	}
}

func TestExecute_CacheHitSubstitutesCallID(t *testing.T) {
	var invocations atomic.Int64
	tl := &Tool{
		Name: "cached",
		Parameters: []Parameter{
			{Name: "q", Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			invocations.Add(1)
			return "answer", nil
		},
	}
	e := newTestExecutor(t, tl)

	first := e.Execute(context.Background(), types.ToolCall{
		ID: "call_a", Name: "cached", Arguments: map[string]any{"q": "x"},
	})
	second := e.Execute(context.Background(), types.ToolCall{
		ID: "call_b", Name: "cached", Arguments: map[string]any{"q": "x"},
	})
	if invocations.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", invocations.Load())
	}
	if second.CallID != "call_b" {
		t.Errorf("cached CallID = %q, want call_b", second.CallID)
	}
	if first.Result != second.Result {
		t.Errorf("results differ: %v vs %v", first.Result, second.Result)
	}

	stats := e.CacheStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit 1 miss", stats)
	}
}

func TestExecute_NoCacheOptsOut(t *testing.T) {
	var invocations atomic.Int64
	tl := &Tool{
		Name:    "clock",
		NoCache: true,
		Handler: func(context.Context, map[string]any) (any, error) {
			invocations.Add(1)
			return "now", nil
		},
	}
	e := newTestExecutor(t, tl)
	e.Execute(context.Background(), types.ToolCall{ID: "a", Name: "clock"})
	e.Execute(context.Background(), types.ToolCall{ID: "b", Name: "clock"})
	if invocations.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", invocations.Load())
	}
	stats := e.CacheStats()
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("stats = %+v, want no cache traffic", stats)
	}
}

func TestExecute_FailuresNotCached(t *testing.T) {
	var invocations atomic.Int64
	tl := &Tool{
		Name: "flaky",
		Handler: func(context.Context, map[string]any) (any, error) {
			invocations.Add(1)
			return nil, errors.New("boom")
		},
	}
	e := newTestExecutor(t, tl)
	e.Execute(context.Background(), types.ToolCall{ID: "a", Name: "flaky"})
	e.Execute(context.Background(), types.ToolCall{ID: "b", Name: "flaky"})
	if invocations.Load() != 2 {
		t.Errorf("handler ran %d times, want 2 (failures must not be cached)", invocations.Load())
	}
}

func TestExecute_DifferentArgsNotShared(t *testing.T) {
	var invocations atomic.Int64
	tl := &Tool{
		Name: "cached",
		Parameters: []Parameter{
			{Name: "q", Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			invocations.Add(1)
			return args["q"], nil
		},
	}
	e := newTestExecutor(t, tl)
	e.Execute(context.Background(), types.ToolCall{ID: "a", Name: "cached", Arguments: map[string]any{"q": "x"}})
	e.Execute(context.Background(), types.ToolCall{ID: "b", Name: "cached", Arguments: map[string]any{"q": "y"}})
	if invocations.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", invocations.Load())
	}
}

func TestCanonicalKey_OrderIndependent(t *testing.T) {
	k1, err := canonicalKey("t", map[string]any{"a": 1, "b": map[string]any{"x": 1, "y": 2}})
	if err != nil {
		t.Fatal(err)
	}
	k2, err := canonicalKey("t", map[string]any{"b": map[string]any{"y": 2, "x": 1}, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Errorf("keys differ: %q vs %q", k1, k2)
	}
}

func TestCheckType_Integer(t *testing.T) {
	p := Parameter{Name: "n", Type: "integer"}
	if err := checkType(p, float64(3)); err != nil {
		t.Errorf("whole float64 should pass: %v", err)
	}
	if err := checkType(p, 3.5); err == nil {
		t.Error("fractional float64 should fail")
	}
}

func TestCheckType_Enum(t *testing.T) {
	p := Parameter{Name: "unit", Type: "string", Enum: []any{"celsius", "fahrenheit"}}
	if err := checkType(p, "celsius"); err != nil {
		t.Errorf("enum member should pass: %v", err)
	}
	if err := checkType(p, "kelvin"); err == nil {
		t.Error("non-member should fail")
	}
}
