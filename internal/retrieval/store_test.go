package retrieval

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db, dimension: 3}, mock
}

func TestStore_Search(t *testing.T) {
	store, mock := setupMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "content", "metadata"}).
		AddRow("doc-1", "hello world", `{"title":"Greeting"}`).
		AddRow("doc-2", "no title here", nil)

	mock.ExpectQuery("SELECT id, content, metadata").
		WithArgs("[0.1,0.2,0.3]", 5).
		WillReturnRows(rows)

	docs, err := store.Search(context.Background(), []float32{0.1, 0.2, 0.3}, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len(docs) = %d, want 2", len(docs))
	}
	if docs[0].Title != "Greeting" {
		t.Errorf("docs[0].Title = %q, want Greeting", docs[0].Title)
	}
	if docs[1].Title != "Untitled" {
		t.Errorf("docs[1].Title = %q, want Untitled for missing metadata", docs[1].Title)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_Search_RejectsDimensionMismatch(t *testing.T) {
	store, _ := setupMockStore(t)
	if _, err := store.Search(context.Background(), []float32{0.1, 0.2}, 5); err == nil {
		t.Fatal("expected dimension mismatch to error")
	}
}

func TestStore_Search_RejectsEmptyEmbedding(t *testing.T) {
	store, _ := setupMockStore(t)
	if _, err := store.Search(context.Background(), nil, 5); err == nil {
		t.Fatal("expected empty embedding to error")
	}
}

func TestStore_SearchFallback(t *testing.T) {
	store, mock := setupMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "content", "metadata"}).
		AddRow("doc-1", "fallback content", nil)

	mock.ExpectQuery("SELECT id, content, metadata").
		WillReturnRows(rows)

	docs, err := store.SearchFallback(context.Background())
	if err != nil {
		t.Fatalf("SearchFallback() error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("len(docs) = %d, want 1", len(docs))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_GetByIDs(t *testing.T) {
	store, mock := setupMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "content", "metadata"}).
		AddRow("doc-1", "content one", `{"title":"One"}`)

	mock.ExpectQuery("SELECT id, content, metadata").
		WithArgs(`{"doc-1","doc-2"}`).
		WillReturnRows(rows)

	docs, err := store.GetByIDs(context.Background(), []string{"doc-1", "doc-2"})
	if err != nil {
		t.Fatalf("GetByIDs() error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("len(docs) = %d, want 1 (doc-2 absent from table)", len(docs))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_GetByIDs_EmptyInputSkipsQuery(t *testing.T) {
	store, mock := setupMockStore(t)
	docs, err := store.GetByIDs(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetByIDs() error = %v", err)
	}
	if docs != nil {
		t.Errorf("expected nil docs for empty id list, got %v", docs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected queries issued: %v", err)
	}
}
