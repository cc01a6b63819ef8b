// Package rag maintains the knowledge index behind the built-in search
// tool: a pgvector store of documents and their embedded chunks, a
// retriever that answers queries with scored snippets, and an ingester
// that loads text and markdown files.
package rag

import (
	"context"
	"time"
)

// Document is one ingested knowledge source.
type Document struct {
	ID          string
	Name        string
	Source      string
	ContentType string
	Content     string
	ChunkCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is an embeddable slice of a document.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Content    string
	TokenCount int
	Embedding  []float32
	CreatedAt  time.Time
}

// Snippet is one scored retrieval result.
type Snippet struct {
	DocumentName string
	Content      string
	Score        float32
}

// Embedder produces embeddings for retrieval and ingestion.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EstimateTokens approximates the token count of text at four
// characters per token, which is close enough for chunk budgeting.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
