// Package mock provides test doubles for the rag.Retriever and rag.Embedder
// interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/parlancehq/parlance/pkg/rag"
)

// Retriever is a mock implementation of rag.Retriever.
type Retriever struct {
	mu sync.Mutex

	// Snippets is returned by every Retrieve call.
	Snippets []rag.Snippet

	// Err, if non-nil, is returned instead of Snippets.
	Err error

	// Queries records every Retrieve invocation in order.
	Queries []rag.Query
}

var _ rag.Retriever = (*Retriever)(nil)

// Retrieve records the call and returns the configured Snippets and Err.
func (r *Retriever) Retrieve(_ context.Context, q rag.Query) ([]rag.Snippet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Queries = append(r.Queries, q)
	if r.Err != nil {
		return nil, r.Err
	}
	out := make([]rag.Snippet, len(r.Snippets))
	copy(out, r.Snippets)
	return out, nil
}

// Embedder is a mock implementation of rag.Embedder returning a fixed vector.
type Embedder struct {
	// Vector is returned by every Embed call.
	Vector []float32

	// Err, if non-nil, is returned instead of Vector.
	Err error
}

var _ rag.Embedder = (*Embedder)(nil)

// Embed returns the configured Vector and Err.
func (e *Embedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	return e.Vector, nil
}
