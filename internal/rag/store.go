package rag

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chattyhq/chatty/internal/pg"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationLedger = "rag_schema_migrations"

// StoreConfig contains configuration for the knowledge store.
type StoreConfig struct {
	// DSN is the PostgreSQL connection string. If empty, DB must be provided.
	DSN string

	// DB is an existing connection pool to reuse. When set, DSN is
	// ignored and Close leaves the pool open.
	DB *sql.DB

	// RunMigrations applies pending migrations on startup.
	RunMigrations bool

	// Dimension is the expected embedding width.
	Dimension int
}

// Store persists documents and their embedded chunks in pgvector.
type Store struct {
	db        *sql.DB
	ownsDB    bool
	dimension int
}

// NewStore creates a knowledge store, optionally applying its migrations.
func NewStore(cfg StoreConfig) (*Store, error) {
	var (
		db     *sql.DB
		ownsDB bool
		err    error
	)

	switch {
	case cfg.DB != nil:
		db = cfg.DB
	case cfg.DSN != "":
		db, err = pg.Open(cfg.DSN, 0, 0)
		if err != nil {
			return nil, err
		}
		ownsDB = true
	default:
		return nil, fmt.Errorf("either DSN or DB must be provided")
	}

	s := &Store{db: db, ownsDB: ownsDB, dimension: cfg.Dimension}

	if cfg.RunMigrations {
		if err := pg.Migrate(context.Background(), db, migrationLedger, migrationsFS); err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, fmt.Errorf("running rag migrations: %w", err)
		}
	}

	return s, nil
}

// SaveDocument stores a document and its chunks in one transaction,
// replacing the chunks of any previous ingest of the same document id.
func (s *Store) SaveDocument(ctx context.Context, doc *Document, chunks []Chunk) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	for i := range chunks {
		if err := pg.ValidateVector(chunks[i].Embedding, s.dimension, false); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
	}

	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.ChunkCount = len(chunks)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rag_documents (id, name, source, content_type, content, chunk_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			source = EXCLUDED.source,
			content_type = EXCLUDED.content_type,
			content = EXCLUDED.content,
			chunk_count = EXCLUDED.chunk_count,
			updated_at = EXCLUDED.updated_at
	`, doc.ID, doc.Name, doc.Source, doc.ContentType, doc.Content,
		doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rag_chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("clear previous chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rag_chunks (id, document_id, chunk_index, content, token_count, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::vector, $7)
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for i := range chunks {
		chunk := &chunks[i]
		if chunk.ID == "" {
			chunk.ID = uuid.New().String()
		}
		chunk.DocumentID = doc.ID
		if chunk.CreatedAt.IsZero() {
			chunk.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, chunk.ID, chunk.DocumentID, chunk.Index, chunk.Content,
			chunk.TokenCount, pg.EncodeVector(chunk.Embedding), chunk.CreatedAt); err != nil {
			return fmt.Errorf("insert chunk %d: %w", chunk.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	return nil
}

// SearchChunks returns up to topK chunks whose cosine similarity to the
// embedding is at least threshold, best match first.
func (s *Store) SearchChunks(ctx context.Context, embedding []float32, topK int, threshold float64) ([]Snippet, error) {
	if err := pg.ValidateVector(embedding, s.dimension, false); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.name, c.content, 1 - (c.embedding <=> $1::vector) AS similarity
		FROM rag_chunks c
		JOIN rag_documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL
		  AND (1 - (c.embedding <=> $1::vector)) >= $2
		ORDER BY c.embedding <=> $1::vector ASC
		LIMIT $3
	`, pg.EncodeVector(embedding), threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var snip Snippet
		if err := rows.Scan(&snip.DocumentName, &snip.Content, &snip.Score); err != nil {
			return nil, fmt.Errorf("scan snippet: %w", err)
		}
		snippets = append(snippets, snip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snippets: %w", err)
	}
	return snippets, nil
}

// Stats reports how much knowledge the index holds.
type Stats struct {
	Documents int
	Chunks    int
}

// Stats counts the indexed documents and chunks.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM rag_documents),
			(SELECT COUNT(*) FROM rag_chunks)
	`).Scan(&st.Documents, &st.Chunks)
	if err != nil {
		return Stats{}, fmt.Errorf("collect stats: %w", err)
	}
	return st, nil
}

// Close releases the connection pool when the store owns it.
func (s *Store) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}
