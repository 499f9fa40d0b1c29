package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// DefaultTopK is used when a Query does not cap the result count.
const DefaultTopK = 5

// ddlSnippets returns the snippets DDL with the embedding dimension
// substituted. The dimension is baked into the column type at schema
// creation time; changing it later requires a manual schema update.
func ddlSnippets(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS rag_snippets (
    id         TEXT         PRIMARY KEY,
    user_id    TEXT         NOT NULL DEFAULT '',
    corpus_id  TEXT         NOT NULL DEFAULT '',
    content    TEXT         NOT NULL,
    source     TEXT         NOT NULL DEFAULT '',
    metadata   JSONB        NOT NULL DEFAULT '{}',
    embedding  vector(%d),
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_rag_snippets_user_corpus
    ON rag_snippets (user_id, corpus_id);

CREATE INDEX IF NOT EXISTS idx_rag_snippets_embedding
    ON rag_snippets USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the rag_snippets table exists. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlSnippets(embeddingDimensions)); err != nil {
		return fmt.Errorf("rag migrate: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ Retriever = (*Store)(nil)

// Store implements Retriever on a PostgreSQL pool with a pgvector HNSW
// index. The pool must have pgvector types registered (see
// session/postgres.Connect). Safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// NewStore wraps an existing pool. Call [Migrate] once before use.
func NewStore(pool *pgxpool.Pool, embedder Embedder) *Store {
	return &Store{pool: pool, embedder: embedder}
}

// Index upserts a document with its embedding.
func (s *Store) Index(ctx context.Context, doc Document) error {
	embedding, err := s.embedder.Embed(ctx, doc.Text)
	if err != nil {
		return fmt.Errorf("rag store: embed: %w", err)
	}
	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	const q = `
		INSERT INTO rag_snippets (id, user_id, corpus_id, content, source, metadata, embedding, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
		ON CONFLICT (id) DO UPDATE
		    SET content = EXCLUDED.content, source = EXCLUDED.source,
		        metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`

	var ts any
	if !doc.Timestamp.IsZero() {
		ts = doc.Timestamp
	}
	_, err = s.pool.Exec(ctx, q,
		doc.ID, doc.UserID, doc.CorpusID, doc.Text, doc.Source,
		metadata, pgvector.NewVector(embedding), ts,
	)
	if err != nil {
		return fmt.Errorf("rag store: index: %w", err)
	}
	return nil
}

// Retrieve implements Retriever using cosine distance, most similar first.
// Scores are 1-distance so higher means more relevant.
func (s *Store) Retrieve(ctx context.Context, query Query) ([]Snippet, error) {
	embedding, err := s.embedder.Embed(ctx, query.Text)
	if err != nil {
		return nil, fmt.Errorf("rag store: embed query: %w", err)
	}

	args := []any{pgvector.NewVector(embedding)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if query.UserID != "" {
		conditions = append(conditions, "user_id = "+next(query.UserID))
	}
	if query.CorpusID != "" {
		conditions = append(conditions, "corpus_id = "+next(query.CorpusID))
	}
	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	topK := query.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	args = append(args, topK)

	q := fmt.Sprintf(`
		SELECT content, source, metadata, embedding <=> $1 AS distance
		FROM   rag_snippets
		%s
		ORDER  BY distance
		LIMIT  $%d`, whereClause, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("rag store: retrieve: %w", err)
	}
	snippets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Snippet, error) {
		var (
			sn       Snippet
			distance float64
		)
		if err := row.Scan(&sn.Text, &sn.Source, &sn.Metadata, &distance); err != nil {
			return Snippet{}, err
		}
		sn.Score = 1 - distance
		return sn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rag store: scan: %w", err)
	}
	return snippets, nil
}
