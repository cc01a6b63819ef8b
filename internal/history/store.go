// Package history persists conversation transcripts in PostgreSQL.
//
// One row per message, scoped by conversation id. Appends are idempotent
// on the message id so a retried turn cannot duplicate transcript rows,
// and loads return the newest messages of a conversation in
// chronological order.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chattyhq/chatty/internal/pg"
	"github.com/chattyhq/chatty/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationLedger = "history_schema_migrations"

// Config contains configuration for the history store.
type Config struct {
	// DSN is the PostgreSQL connection string. If empty, DB must be provided.
	DSN string

	// DB is an existing connection pool to reuse. When set, DSN is
	// ignored and Close leaves the pool open.
	DB *sql.DB

	// RunMigrations applies pending migrations on startup.
	RunMigrations bool
}

// Store reads and writes conversation transcripts.
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// New creates a history store, optionally applying its migrations.
func New(cfg Config) (*Store, error) {
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

	s := &Store{db: db, ownsDB: ownsDB}

	if cfg.RunMigrations {
		if err := pg.Migrate(context.Background(), db, migrationLedger, migrationsFS); err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, fmt.Errorf("running history migrations: %w", err)
		}
	}

	return s, nil
}

// Append writes one message of a conversation. Re-appending a message id
// already present is a no-op.
func (s *Store) Append(ctx context.Context, conversationID, traceID string, msg models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, conversation_id, trace_id, role, content, tool_calls, tool_call_id, tool_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, conversationID, traceID, string(msg.Role), msg.Content,
		toolCalls, msg.ToolCallID, msg.Name, createdAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Load returns up to limit messages of a conversation, oldest first. When
// the conversation is longer than limit, the newest messages win.
func (s *Store) Load(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM chat_messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg       models.Message
			role      string
			toolCalls []byte
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.Name, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)

		if len(toolCalls) > 0 && string(toolCalls) != "null" {
			if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls for %s: %w", msg.ID, err)
			}
		}

		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// The query returns newest first; flip to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// Close releases the connection pool when the store owns it.
func (s *Store) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}
