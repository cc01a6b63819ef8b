// Package tools holds the built-in tools exposed to the model: knowledge
// search over the RAG index and a zone-aware clock.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chattyhq/chatty/internal/agent"
	"github.com/chattyhq/chatty/internal/rag"
)

const (
	defaultTopK = 4
	maxTopK     = 10
)

// Searcher answers knowledge-base queries with scored snippets.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, threshold float64) ([]rag.Snippet, error)
}

// SearchTool exposes the knowledge index to the model.
type SearchTool struct {
	searcher Searcher
}

// NewSearchTool creates the search tool over a retriever.
func NewSearchTool(searcher Searcher) *SearchTool {
	return &SearchTool{searcher: searcher}
}

type searchArgs struct {
	Query string `json:"query" jsonschema_description:"The search query to run against the knowledge base"`
	TopK  int    `json:"top_k,omitempty" jsonschema_description:"How many snippets to return (default 4, max 10)"`
}

type searchResult struct {
	Document string  `json:"document"`
	Content  string  `json:"content"`
	Score    float32 `json:"score"`
}

// Name returns the tool name the model calls.
func (t *SearchTool) Name() string { return "search" }

// Description tells the model when to reach for the tool.
func (t *SearchTool) Description() string {
	return "Searches the knowledge base for information relevant to a query using semantic similarity. Use this to answer questions about indexed documents."
}

// Schema describes the tool arguments.
func (t *SearchTool) Schema() json.RawMessage {
	return agent.ReflectSchema(searchArgs{})
}

// Execute runs the search and renders the matches as JSON for the model.
func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input searchArgs
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}

	query := strings.TrimSpace(input.Query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	topK := input.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	snippets, err := t.searcher.Search(ctx, query, topK, 0)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	if len(snippets) == 0 {
		return fmt.Sprintf("No relevant documents found for query: %q", query), nil
	}

	results := make([]searchResult, 0, len(snippets))
	for _, snip := range snippets {
		results = append(results, searchResult{
			Document: snip.DocumentName,
			Content:  snip.Content,
			Score:    snip.Score,
		})
	}

	out, err := json.MarshalIndent(struct {
		Query   string         `json:"query"`
		Count   int            `json:"count"`
		Results []searchResult `json:"results"`
	}{Query: query, Count: len(results), Results: results}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format results: %w", err)
	}
	return string(out), nil
}

// decodeArgs moves a validated argument map into a typed struct.
func decodeArgs(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
