package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chattyhq/chatty/internal/backoff"
	"github.com/chattyhq/chatty/internal/observability"
)

// contentTypes maps supported file extensions to document content types.
var contentTypes = map[string]string{
	".txt":      "text",
	".md":       "markdown",
	".markdown": "markdown",
}

// defaultEmbedBatchSize bounds how many chunks go to the embedding API
// in one request.
const defaultEmbedBatchSize = 64

// embedRetryAttempts is how often one batch may hit the embedding API
// before the ingest aborts. Bulk ingests ride out transient failures
// instead of losing the whole file to one bad response.
const embedRetryAttempts = 3

// Ingester loads knowledge files into the store.
type Ingester struct {
	store     *Store
	embedder  Embedder
	chunker   *Chunker
	batchSize int
	retry     backoff.Policy
	logger    *observability.Logger
}

// NewIngester wires an ingester over the store and embedder. A nil
// chunker falls back to the default configuration.
func NewIngester(store *Store, embedder Embedder, chunker *Chunker, logger *observability.Logger) *Ingester {
	if chunker == nil {
		chunker = NewChunker(DefaultChunkerConfig())
	}
	return &Ingester{
		store:     store,
		embedder:  embedder,
		chunker:   chunker,
		batchSize: defaultEmbedBatchSize,
		retry:     backoff.DefaultPolicy(),
		logger:    logger,
	}
}

// IngestFile reads one text or markdown file and indexes it. Document
// ids derive from the path, so re-ingesting a file replaces its
// previous chunks.
func (i *Ingester) IngestFile(ctx context.Context, path string) (*Document, error) {
	contentType, ok := contentTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("unsupported file type %q (want .txt, .md, or .markdown)", filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return i.IngestText(ctx, filepath.Base(path), path, contentType, string(data))
}

// IngestText chunks, embeds, and stores raw text under the given name.
func (i *Ingester) IngestText(ctx context.Context, name, source, contentType, text string) (*Document, error) {
	pieces := i.chunker.Split(text)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("no indexable content in %s", source)
	}

	chunks := make([]Chunk, len(pieces))
	for idx, piece := range pieces {
		chunks[idx] = Chunk{
			Index:      idx,
			Content:    piece,
			TokenCount: EstimateTokens(piece),
		}
	}

	for start := 0; start < len(chunks); start += i.batchSize {
		end := start + i.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, chunk := range chunks[start:end] {
			texts = append(texts, chunk.Content)
		}

		embeddings, err := backoff.Retry(ctx, i.retry, embedRetryAttempts, func() ([][]float32, error) {
			return i.embedder.EmbedBatch(ctx, texts)
		})
		if err != nil {
			return nil, fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(embeddings) != len(texts) {
			return nil, fmt.Errorf("embed chunks %d-%d: got %d embeddings for %d texts",
				start, end-1, len(embeddings), len(texts))
		}
		for j, embedding := range embeddings {
			chunks[start+j].Embedding = embedding
		}
	}

	doc := &Document{
		ID:          docID(source),
		Name:        name,
		Source:      source,
		ContentType: contentType,
		Content:     text,
	}

	if err := i.store.SaveDocument(ctx, doc, chunks); err != nil {
		return nil, err
	}

	if i.logger != nil {
		i.logger.Info(ctx, "document ingested",
			"document", doc.Name,
			"chunks", doc.ChunkCount,
			"tokens", totalTokens(chunks),
		)
	}
	return doc, nil
}

func totalTokens(chunks []Chunk) int {
	total := 0
	for _, chunk := range chunks {
		total += chunk.TokenCount
	}
	return total
}

// docID derives a stable document id from the source so repeated
// ingests of the same file update in place.
func docID(source string) string {
	sum := sha256.Sum256([]byte(source))
	return "doc_" + hex.EncodeToString(sum[:8])
}
