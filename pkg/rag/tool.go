package rag

import (
	"context"
	"fmt"

	"github.com/parlancehq/parlance/pkg/tool"
)

// SearchMemoryTool exposes a Retriever to the model as the "search_memory"
// tool. Register the returned tool with a tool.Registry.
func SearchMemoryTool(r Retriever) *tool.Tool {
	return &tool.Tool{
		Name:        "search_memory",
		Description: "Searches the knowledge base for passages relevant to a query. Use for questions about stored documents or past conversations.",
		Parameters: []tool.Parameter{
			{Name: "query", Type: "string", Description: "Natural-language search query", Required: true},
			{Name: "top_k", Type: "integer", Description: "Maximum number of passages to return", Default: float64(DefaultTopK)},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			topK := 0
			if v, ok := args["top_k"].(float64); ok {
				topK = int(v)
			}
			snippets, err := r.Retrieve(ctx, Query{Text: query, TopK: topK})
			if err != nil {
				return nil, fmt.Errorf("search_memory: %w", err)
			}
			return map[string]any{
				"query":    query,
				"snippets": snippets,
			}, nil
		},
	}
}
