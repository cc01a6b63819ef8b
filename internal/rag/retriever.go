package rag

import (
	"context"
	"fmt"
)

// Retriever answers natural-language queries with scored snippets.
type Retriever struct {
	store     *Store
	embedder  Embedder
	topK      int
	threshold float64
}

// NewRetriever wires a retriever over the store. topK and threshold are
// the defaults used when a search does not set its own.
func NewRetriever(store *Store, embedder Embedder, topK int, threshold float64) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	return &Retriever{
		store:     store,
		embedder:  embedder,
		topK:      topK,
		threshold: threshold,
	}
}

// Search embeds the query and returns up to topK snippets at or above
// threshold, best match first. Non-positive topK or threshold fall back
// to the retriever defaults.
func (r *Retriever) Search(ctx context.Context, query string, topK int, threshold float64) ([]Snippet, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if topK <= 0 {
		topK = r.topK
	}
	if threshold <= 0 {
		threshold = r.threshold
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	return r.store.SearchChunks(ctx, embedding, topK, threshold)
}
