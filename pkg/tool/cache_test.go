package tool

import (
	"fmt"
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

func TestResultCache_PutGet(t *testing.T) {
	c := newResultCache(4, time.Minute)
	c.put("k", types.ToolResult{CallID: "a", Success: true, Result: "v"})
	got, ok := c.get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Result != "v" {
		t.Errorf("Result = %v, want v", got.Result)
	}
}

func TestResultCache_TTLExpiry(t *testing.T) {
	c := newResultCache(4, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.put("k", types.ToolResult{Success: true})

	now = now.Add(2 * time.Minute)
	if _, ok := c.get("k"); ok {
		t.Error("expected expired entry to miss")
	}
	if c.len() != 0 {
		t.Errorf("len = %d, want 0 after expiry collection", c.len())
	}
}

func TestResultCache_LRUEviction(t *testing.T) {
	c := newResultCache(3, time.Minute)
	for i := 0; i < 3; i++ {
		c.put(fmt.Sprintf("k%d", i), types.ToolResult{Success: true})
	}
	// Touch k0 so k1 becomes the least recently used.
	if _, ok := c.get("k0"); !ok {
		t.Fatal("k0 should be present")
	}
	c.put("k3", types.ToolResult{Success: true})

	if _, ok := c.get("k1"); ok {
		t.Error("k1 should have been evicted")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := c.get(k); !ok {
			t.Errorf("%s should survive eviction", k)
		}
	}
}

func TestResultCache_UpdateExisting(t *testing.T) {
	c := newResultCache(2, time.Minute)
	c.put("k", types.ToolResult{Result: "old"})
	c.put("k", types.ToolResult{Result: "new"})
	got, _ := c.get("k")
	if got.Result != "new" {
		t.Errorf("Result = %v, want new", got.Result)
	}
	if c.len() != 1 {
		t.Errorf("len = %d, want 1", c.len())
	}
}

func TestResultCache_Purge(t *testing.T) {
	c := newResultCache(4, time.Minute)
	c.put("a", types.ToolResult{})
	c.put("b", types.ToolResult{})
	c.purge()
	if c.len() != 0 {
		t.Errorf("len = %d after purge, want 0", c.len())
	}
}
