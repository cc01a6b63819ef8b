package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/chattyhq/chatty/internal/backoff"
	"github.com/chattyhq/chatty/internal/pg"
)

func TestIngesterIngestFileStoresChunks(t *testing.T) {
	store, mock := setupStore(t)
	embedder := &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}}
	chunker := NewChunker(ChunkerConfig{ChunkSize: 40, MinChunkSize: 5})
	ingester := NewIngester(store, embedder, chunker, nil)

	content := "First paragraph with enough words here.\n\nSecond paragraph with different words."
	path := filepath.Join(t.TempDir(), "guide.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	encoded := pg.EncodeVector(embedder.vec)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rag_documents").
		WithArgs(docID(path), "guide.md", path, "markdown", content, 2,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM rag_chunks").
		WithArgs(docID(path)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO rag_chunks")
	mock.ExpectExec("INSERT INTO rag_chunks").
		WithArgs(sqlmock.AnyArg(), docID(path), 0, "First paragraph with enough words here.", 10,
			encoded, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO rag_chunks").
		WithArgs(sqlmock.AnyArg(), docID(path), 1, "Second paragraph with different words.", 10,
			encoded, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	doc, err := ingester.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	if doc.ContentType != "markdown" {
		t.Errorf("ContentType = %q, want markdown", doc.ContentType)
	}
	if doc.ChunkCount != 2 {
		t.Errorf("ChunkCount = %d, want 2", doc.ChunkCount)
	}
	if doc.ID != docID(path) {
		t.Errorf("ID = %q, want %q", doc.ID, docID(path))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIngesterIngestFileRejectsUnknownExtension(t *testing.T) {
	store, _ := setupStore(t)
	ingester := NewIngester(store, &fakeEmbedder{}, nil, nil)

	_, err := ingester.IngestFile(context.Background(), "notes.pdf")
	if err == nil {
		t.Fatal("expected an error for an unsupported extension")
	}
	if !strings.Contains(err.Error(), "unsupported file type") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIngesterIngestFileMissingFile(t *testing.T) {
	store, _ := setupStore(t)
	ingester := NewIngester(store, &fakeEmbedder{}, nil, nil)

	_, err := ingester.IngestFile(context.Background(), filepath.Join(t.TempDir(), "absent.md"))
	if err == nil {
		t.Fatal("expected a read error")
	}
}

func TestIngesterIngestTextRejectsEmptyContent(t *testing.T) {
	store, mock := setupStore(t)
	ingester := NewIngester(store, &fakeEmbedder{}, nil, nil)

	_, err := ingester.IngestText(context.Background(), "empty.txt", "empty.txt", "text", "   \n\n  ")
	if err == nil {
		t.Fatal("expected an error for empty content")
	}
	if !strings.Contains(err.Error(), "no indexable content") {
		t.Errorf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("database was touched: %v", err)
	}
}

func TestIngesterBatchesEmbeddings(t *testing.T) {
	store, mock := setupStore(t)
	embedder := &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}}
	chunker := NewChunker(ChunkerConfig{ChunkSize: 30, MinChunkSize: 5})
	ingester := NewIngester(store, embedder, chunker, nil)
	ingester.batchSize = 2

	para := strings.Repeat("a", 30)
	text := strings.Join([]string{para, para, para, para, para}, "\n\n")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rag_documents").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM rag_chunks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO rag_chunks")
	for i := 0; i < 5; i++ {
		mock.ExpectExec("INSERT INTO rag_chunks").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	if _, err := ingester.IngestText(context.Background(), "big.txt", "big.txt", "text", text); err != nil {
		t.Fatalf("IngestText: %v", err)
	}

	if len(embedder.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(embedder.batches))
	}
	for i, want := range []int{2, 2, 1} {
		if len(embedder.batches[i]) != want {
			t.Errorf("batch %d has %d texts, want %d", i, len(embedder.batches[i]), want)
		}
	}
}

func TestIngesterRetriesTransientEmbedFailures(t *testing.T) {
	store, mock := setupStore(t)
	embedder := &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}, failFirst: 2}
	ingester := NewIngester(store, embedder, nil, nil)
	ingester.retry = fastRetryPolicy()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rag_documents").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM rag_chunks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO rag_chunks")
	mock.ExpectExec("INSERT INTO rag_chunks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	doc, err := ingester.IngestText(context.Background(), "guide.md", "guide.md", "markdown", "Some content to index.")
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if doc.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d, want 1", doc.ChunkCount)
	}
	if embedder.embedCalls != 3 {
		t.Errorf("embedder was called %d times, want 3", embedder.embedCalls)
	}
}

func TestIngesterEmbedFailureAborts(t *testing.T) {
	store, mock := setupStore(t)
	embedder := &fakeEmbedder{err: errors.New("rate limited")}
	ingester := NewIngester(store, embedder, nil, nil)
	ingester.retry = fastRetryPolicy()

	_, err := ingester.IngestText(context.Background(), "guide.md", "guide.md", "markdown", "Some content to index.")
	if err == nil {
		t.Fatal("expected the embed failure to surface")
	}
	if !strings.Contains(err.Error(), "embed chunks") {
		t.Errorf("unexpected error: %v", err)
	}
	if embedder.embedCalls != embedRetryAttempts {
		t.Errorf("embedder was called %d times, want %d", embedder.embedCalls, embedRetryAttempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("database was touched: %v", err)
	}
}

func fastRetryPolicy() backoff.Policy {
	return backoff.Policy{Initial: time.Microsecond, Max: time.Millisecond, Factor: 2}
}
