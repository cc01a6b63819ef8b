package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/chattyhq/chatty/internal/llm"
	"github.com/chattyhq/chatty/internal/observability"
	"github.com/chattyhq/chatty/internal/rag"
)

// buildIngestCmd creates the "ingest" command that indexes knowledge files.
func buildIngestCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file...>",
		Short: "Embed and index knowledge documents",
		Long: `Ingest splits text or markdown files into chunks, embeds each chunk, and
stores the vectors in the knowledge index consumed by the search tool.
Re-ingesting a file replaces its previous chunks.`,
		Example: `  chatty ingest --config chatty.yaml examples/knowledge/*.md`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), *configPath, args, cmd.OutOrStdout())
		},
	}
}

func runIngest(ctx context.Context, configPath string, paths []string, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("ingest requires database.url")
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	store, err := rag.NewStore(rag.StoreConfig{
		DSN:           cfg.Database.URL,
		RunMigrations: true,
		Dimension:     cfg.Embedding.Dimension,
	})
	if err != nil {
		return fmt.Errorf("rag store: %w", err)
	}
	defer store.Close()

	embedder := llm.NewEmbedder(llm.EmbedderConfig{
		BaseURL:   cfg.Model.BaseURL,
		APIKey:    cfg.Model.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
	})

	ingester := rag.NewIngester(store, embedder, nil, logger)

	for _, path := range paths {
		doc, err := ingester.IngestFile(ctx, path)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		fmt.Fprintf(out, "indexed %s: %d chunks\n", doc.Name, doc.ChunkCount)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("index stats: %w", err)
	}
	fmt.Fprintf(out, "index now holds %d documents, %d chunks\n", stats.Documents, stats.Chunks)

	return nil
}
