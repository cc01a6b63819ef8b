// Package cache implements a semantic response cache over pgvector.
//
// Entries pair a query embedding with the response that answered it. A
// lookup embeds the incoming query and serves the closest stored
// response when its cosine similarity clears the configured threshold
// and the entry is younger than the TTL. The cache is advisory: every
// failure inside it degrades to a miss, never to a failed request.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chattyhq/chatty/internal/observability"
	"github.com/chattyhq/chatty/internal/pg"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationLedger = "cache_schema_migrations"

// Embedder turns a query into the vector compared against stored entries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config contains configuration for the semantic cache.
type Config struct {
	// DSN is the PostgreSQL connection string. If empty, DB must be provided.
	DSN string

	// DB is an existing connection pool to reuse. When set, DSN is
	// ignored and Close leaves the pool open.
	DB *sql.DB

	// RunMigrations applies pending migrations on startup.
	RunMigrations bool

	// Threshold is the minimum cosine similarity for a hit.
	Threshold float64

	// TTL bounds the age of a servable entry; 0 means entries never
	// expire.
	TTL time.Duration

	// Dimension is the embedding dimension used to validate vectors
	// before they reach the database.
	Dimension int
}

// Cache looks up and stores semantically cached responses.
type Cache struct {
	db        *sql.DB
	ownsDB    bool
	embedder  Embedder
	threshold float64
	ttl       time.Duration
	dimension int
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// New creates a semantic cache, optionally applying its migrations.
func New(cfg Config, embedder Embedder, logger *observability.Logger, metrics *observability.Metrics) (*Cache, error) {
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

	if embedder == nil {
		if ownsDB {
			db.Close()
		}
		return nil, fmt.Errorf("embedder is required")
	}

	c := &Cache{
		db:        db,
		ownsDB:    ownsDB,
		embedder:  embedder,
		threshold: cfg.Threshold,
		ttl:       cfg.TTL,
		dimension: cfg.Dimension,
		logger:    logger,
		metrics:   metrics,
	}

	if cfg.RunMigrations {
		if err := pg.Migrate(context.Background(), db, migrationLedger, migrationsFS); err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, fmt.Errorf("running cache migrations: %w", err)
		}
	}

	return c, nil
}

// Lookup returns the cached response for a query semantically equivalent
// to query, and whether one was found.
func (c *Cache) Lookup(ctx context.Context, query string) (string, bool) {
	embedding, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.miss(ctx, "embedding query", err)
		return "", false
	}
	if err := pg.ValidateVector(embedding, c.dimension, false); err != nil {
		c.miss(ctx, "validating query embedding", err)
		return "", false
	}

	cutoff := time.Time{}
	if c.ttl > 0 {
		cutoff = time.Now().Add(-c.ttl)
	}

	var (
		response   string
		similarity float64
	)
	err = c.db.QueryRowContext(ctx, `
		SELECT response, 1 - (embedding <=> $1::vector) AS similarity
		FROM cache_entries
		WHERE created_at > $2
		  AND (1 - (embedding <=> $1::vector)) >= $3
		ORDER BY embedding <=> $1::vector ASC
		LIMIT 1
	`, pg.EncodeVector(embedding), cutoff, c.threshold).Scan(&response, &similarity)
	if err == sql.ErrNoRows {
		if c.metrics != nil {
			c.metrics.RecordCacheLookup(false)
		}
		return "", false
	}
	if err != nil {
		c.miss(ctx, "querying cache", err)
		return "", false
	}

	if c.metrics != nil {
		c.metrics.RecordCacheLookup(true)
	}
	if c.logger != nil {
		c.logger.Debug(ctx, "semantic cache hit", "similarity", similarity)
	}
	return response, true
}

// Store saves a completed response for future reuse. Failures are logged
// and swallowed.
func (c *Cache) Store(ctx context.Context, query, response string) {
	if query == "" || response == "" {
		return
	}

	embedding, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.warn(ctx, "embedding query for cache store", err)
		return
	}
	if err := pg.ValidateVector(embedding, c.dimension, false); err != nil {
		c.warn(ctx, "validating embedding for cache store", err)
		return
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (id, query, embedding, response, created_at)
		VALUES ($1, $2, $3::vector, $4, $5)
	`, uuid.New().String(), query, pg.EncodeVector(embedding), response, time.Now())
	if err != nil {
		c.warn(ctx, "storing cache entry", err)
	}
}

// Close releases the connection pool when the cache owns it.
func (c *Cache) Close() error {
	if c.ownsDB && c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Cache) miss(ctx context.Context, op string, err error) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(false)
	}
	c.warn(ctx, op, err)
}

func (c *Cache) warn(ctx context.Context, op string, err error) {
	if c.logger != nil {
		c.logger.Warn(ctx, "semantic cache degraded", "op", op, "error", err)
	}
}
