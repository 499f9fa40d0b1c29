package tool

import (
	"container/list"
	"sync"
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

// resultCache is a bounded LRU cache of successful tool results with
// per-entry TTL. Safe for concurrent use.
type resultCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recently used
	entries map[string]*list.Element
	now     func() time.Time
}

type cacheEntry struct {
	key     string
	result  types.ToolResult
	expires time.Time
}

func newResultCache(maxSize int, ttl time.Duration) *resultCache {
	return &resultCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// get returns the cached result for key, or false when absent or expired.
// Expired entries are removed on access.
func (c *resultCache) get(key string) (types.ToolResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return types.ToolResult{}, false
	}
	ent := el.Value.(*cacheEntry)
	if c.now().After(ent.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return types.ToolResult{}, false
	}
	c.order.MoveToFront(el)
	return ent.result, true
}

// put stores a result for key, evicting the least recently used entry when
// the cache is full.
func (c *resultCache) put(key string, result types.ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.result = result
		ent.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	el := c.order.PushFront(&cacheEntry{
		key:     key,
		result:  result,
		expires: c.now().Add(c.ttl),
	})
	c.entries[key] = el
}

// len returns the current entry count, including not-yet-collected expired
// entries.
func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// purge drops all entries.
func (c *resultCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}
