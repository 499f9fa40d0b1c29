// Package rag defines the retrieval collaborator contract and a
// pgvector-backed reference implementation.
//
// Parlance does not own ingestion or embedding models: the Retriever
// interface is how the orchestrator's search_memory tool reaches whatever
// retrieval system a deployment provides. The pgvector Store here serves
// deployments that already index their corpus in PostgreSQL.
package rag

import (
	"context"
	"time"
)

// Snippet is one retrieved passage.
type Snippet struct {
	// Text is the passage content.
	Text string `json:"text"`

	// Score is the similarity score, higher is more relevant.
	Score float64 `json:"score"`

	// Source identifies where the passage came from.
	Source string `json:"source,omitempty"`

	// Metadata carries retriever-specific details.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Query narrows a retrieval request.
type Query struct {
	// Text is the natural-language query.
	Text string

	// UserID scopes retrieval to a user's corpus when non-empty.
	UserID string

	// CorpusID selects a named corpus when non-empty.
	CorpusID string

	// TopK caps the number of returned snippets. Zero means the
	// implementation default.
	TopK int
}

// Retriever is the abstraction over any retrieval backend.
// Implementations must be safe for concurrent use.
type Retriever interface {
	// Retrieve returns the snippets most relevant to the query, best first.
	Retrieve(ctx context.Context, q Query) ([]Snippet, error)
}

// Embedder turns text into a fixed-dimension vector. It is a collaborator
// contract: the embedding model lives outside this repo.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is one passage handed to Store.Index.
type Document struct {
	ID        string
	UserID    string
	CorpusID  string
	Text      string
	Source    string
	Metadata  map[string]any
	Timestamp time.Time
}
