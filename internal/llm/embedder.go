package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// EmbedderConfig configures the embeddings endpoint. The endpoint shares the
// chat credentials unless BaseURL points at a dedicated server.
type EmbedderConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int // 0 means use the model's native dimension
}

// Embedder generates dense vectors through the embeddings API.
type Embedder struct {
	api       *openai.Client
	model     string
	dimension int
}

// NewEmbedder builds an Embedder, defaulting to text-embedding-3-small.
func NewEmbedder(cfg EmbedderConfig) *Embedder {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Embedder{
		api:       openai.NewClientWithConfig(apiCfg),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}
}

// Dimension returns the vector width produced by the configured model.
func (e *Embedder) Dimension() int {
	if e.dimension > 0 {
		return e.dimension
	}
	switch e.model {
	case "text-embedding-3-small":
		return 1536
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-ada-002":
		return 1536
	default:
		return 1536
	}
}

// Embed generates an embedding for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request. Results
// are ordered by the response index so they line up with the input slice.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}

	vectors := make([][]float32, len(resp.Data))
	for _, data := range resp.Data {
		vectors[data.Index] = data.Embedding
	}
	return vectors, nil
}
