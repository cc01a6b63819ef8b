package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/chattyhq/chatty/internal/pg"
)

var errDatabase = errors.New("pq: connection refused")

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("creating sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(StoreConfig{DB: db, Dimension: 3})
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	return store, mock
}

func TestNewStoreRequiresConnection(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatal("expected an error without DSN or DB")
	}
}

func TestStoreSaveDocumentReplacesChunks(t *testing.T) {
	store, mock := setupStore(t)

	doc := &Document{
		ID:          "doc_abc",
		Name:        "guide.md",
		Source:      "docs/guide.md",
		ContentType: "markdown",
		Content:     "full text",
	}
	chunks := []Chunk{
		{Index: 0, Content: "first", TokenCount: 2, Embedding: []float32{0.1, 0.2, 0.3}},
		{Index: 1, Content: "second", TokenCount: 2, Embedding: []float32{0.4, 0.5, 0.6}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rag_documents").
		WithArgs("doc_abc", "guide.md", "docs/guide.md", "markdown", "full text", 2,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM rag_chunks").
		WithArgs("doc_abc").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO rag_chunks")
	mock.ExpectExec("INSERT INTO rag_chunks").
		WithArgs(sqlmock.AnyArg(), "doc_abc", 0, "first", 2,
			pg.EncodeVector(chunks[0].Embedding), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO rag_chunks").
		WithArgs(sqlmock.AnyArg(), "doc_abc", 1, "second", 2,
			pg.EncodeVector(chunks[1].Embedding), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.SaveDocument(context.Background(), doc, chunks); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	if doc.ChunkCount != 2 {
		t.Errorf("ChunkCount = %d, want 2", doc.ChunkCount)
	}
	if chunks[0].ID == "" || chunks[0].DocumentID != "doc_abc" {
		t.Errorf("chunk 0 was not stamped: %+v", chunks[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStoreSaveDocumentRequiresID(t *testing.T) {
	store, mock := setupStore(t)

	err := store.SaveDocument(context.Background(), &Document{Name: "guide.md"}, nil)
	if err == nil {
		t.Fatal("expected an error for a document without an id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("database was touched: %v", err)
	}
}

func TestStoreSaveDocumentRejectsBadEmbedding(t *testing.T) {
	store, mock := setupStore(t)

	doc := &Document{ID: "doc_abc", Name: "guide.md"}
	chunks := []Chunk{{Index: 0, Content: "first", Embedding: []float32{0.1, 0.2}}}

	err := store.SaveDocument(context.Background(), doc, chunks)
	if err == nil {
		t.Fatal("expected a dimension error")
	}
	if !strings.Contains(err.Error(), "dimension mismatch") {
		t.Errorf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("database was touched: %v", err)
	}
}

func TestStoreSaveDocumentRollsBackOnChunkFailure(t *testing.T) {
	store, mock := setupStore(t)

	doc := &Document{ID: "doc_abc", Name: "guide.md"}
	chunks := []Chunk{{Index: 0, Content: "first", Embedding: []float32{0.1, 0.2, 0.3}}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rag_documents").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM rag_chunks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO rag_chunks")
	mock.ExpectExec("INSERT INTO rag_chunks").
		WillReturnError(errDatabase)
	mock.ExpectRollback()

	err := store.SaveDocument(context.Background(), doc, chunks)
	if err == nil {
		t.Fatal("expected the chunk failure to surface")
	}
	if !strings.Contains(err.Error(), "insert chunk 0") {
		t.Errorf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStoreSearchChunksReturnsScoredSnippets(t *testing.T) {
	store, mock := setupStore(t)

	embedding := []float32{0.1, 0.2, 0.3}
	rows := sqlmock.NewRows([]string{"name", "content", "similarity"}).
		AddRow("guide.md", "the closest chunk", 0.93).
		AddRow("notes.txt", "a weaker match", 0.81)

	mock.ExpectQuery("SELECT d.name, c.content").
		WithArgs(pg.EncodeVector(embedding), 0.75, 4).
		WillReturnRows(rows)

	snippets, err := store.SearchChunks(context.Background(), embedding, 4, 0.75)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}

	if len(snippets) != 2 {
		t.Fatalf("expected 2 snippets, got %d", len(snippets))
	}
	if snippets[0].DocumentName != "guide.md" || snippets[0].Content != "the closest chunk" {
		t.Errorf("unexpected first snippet: %+v", snippets[0])
	}
	if snippets[0].Score < snippets[1].Score {
		t.Errorf("snippets out of order: %v then %v", snippets[0].Score, snippets[1].Score)
	}
}

func TestStoreSearchChunksNoMatches(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery("SELECT d.name, c.content").
		WillReturnRows(sqlmock.NewRows([]string{"name", "content", "similarity"}))

	snippets, err := store.SearchChunks(context.Background(), []float32{0.1, 0.2, 0.3}, 4, 0.75)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if len(snippets) != 0 {
		t.Errorf("expected no snippets, got %d", len(snippets))
	}
}

func TestStoreSearchChunksDefaultsTopK(t *testing.T) {
	store, mock := setupStore(t)

	embedding := []float32{0.1, 0.2, 0.3}
	mock.ExpectQuery("SELECT d.name, c.content").
		WithArgs(pg.EncodeVector(embedding), 0.5, 5).
		WillReturnRows(sqlmock.NewRows([]string{"name", "content", "similarity"}))

	if _, err := store.SearchChunks(context.Background(), embedding, 0, 0.5); err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStoreSearchChunksRejectsBadEmbedding(t *testing.T) {
	store, mock := setupStore(t)

	if _, err := store.SearchChunks(context.Background(), nil, 4, 0.75); err == nil {
		t.Fatal("expected an error for an empty embedding")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("database was touched: %v", err)
	}
}

func TestStoreStats(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"documents", "chunks"}).AddRow(3, 42))

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Documents != 3 || stats.Chunks != 42 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
