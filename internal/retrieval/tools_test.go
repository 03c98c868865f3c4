package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vector, f.err
}

func (f fakeEmbedder) Dimension() int {
	return len(f.vector)
}

func TestNewSearchTool_ReturnsFormattedResults(t *testing.T) {
	store, mock := setupMockStore(t)
	embedder := fakeEmbedder{vector: []float32{0.1, 0.2, 0.3}}

	rows := sqlmock.NewRows([]string{"id", "content", "metadata"}).
		AddRow("doc-1", "hello world", `{"title":"Greeting"}`)
	mock.ExpectQuery("SELECT id, content, metadata").
		WithArgs("[0.1,0.2,0.3]", 5).
		WillReturnRows(rows)

	tool := NewSearchTool(store, embedder, nil)
	result, err := tool.Target(context.Background(), json.RawMessage(`{"query":"hello"}`))
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	text := result.Text()
	if !strings.Contains(text, "[doc-1]: hello world") {
		t.Errorf("formatted result = %q, missing expected chunk", text)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestNewSearchTool_NoResultsReturnsPlaceholder(t *testing.T) {
	store, mock := setupMockStore(t)
	embedder := fakeEmbedder{vector: []float32{0.1, 0.2, 0.3}}

	mock.ExpectQuery("SELECT id, content, metadata").
		WithArgs("[0.1,0.2,0.3]", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "content", "metadata"}))

	tool := NewSearchTool(store, embedder, nil)
	result, err := tool.Target(context.Background(), json.RawMessage(`{"query":"hello"}`))
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if result.Text() != "No relevant information found in the knowledge base." {
		t.Errorf("Text() = %q, want the no-results placeholder", result.Text())
	}
}

func TestNewSearchTool_FallsBackOnSearchError(t *testing.T) {
	store, mock := setupMockStore(t)
	embedder := fakeEmbedder{vector: []float32{0.1, 0.2, 0.3}}

	mock.ExpectQuery("SELECT id, content, metadata").
		WithArgs("[0.1,0.2,0.3]", 5).
		WillReturnError(errors.New("index unavailable"))

	fallbackRows := sqlmock.NewRows([]string{"id", "content", "metadata"}).
		AddRow("doc-2", "fallback content", nil)
	mock.ExpectQuery("SELECT id, content, metadata").
		WillReturnRows(fallbackRows)

	tool := NewSearchTool(store, embedder, nil)
	result, err := tool.Target(context.Background(), json.RawMessage(`{"query":"hello"}`))
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if !strings.Contains(result.Text(), "doc-2") {
		t.Errorf("Text() = %q, want fallback results", result.Text())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestNewSearchTool_EmbedErrorReturnsToolResultNotError(t *testing.T) {
	store, _ := setupMockStore(t)
	embedder := fakeEmbedder{err: errors.New("embedding provider down")}

	tool := NewSearchTool(store, embedder, nil)
	result, err := tool.Target(context.Background(), json.RawMessage(`{"query":"hello"}`))
	if err != nil {
		t.Fatalf("Target() returned a Go error, want a ToolResult carrying it: %v", err)
	}
	if !strings.Contains(result.Text(), "Error searching knowledge base") {
		t.Errorf("Text() = %q, want an explanatory error string", result.Text())
	}
	if result.Destination != 0 {
		t.Errorf("Destination = %v, want ToServer", result.Destination)
	}
}

// TestNewReportGroundingTool_FiltersInjectionUnsafeSources exercises spec's
// literal injection-safe grounding scenario: a sources list mixing a valid
// identifier with a non-identifier string. Only the safe id may reach the
// store query.
func TestNewReportGroundingTool_FiltersInjectionUnsafeSources(t *testing.T) {
	store, mock := setupMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "content", "metadata"}).
		AddRow("doc-1", "safe content", `{"title":"Safe"}`)
	mock.ExpectQuery("SELECT id, content, metadata").
		WithArgs(`{"doc-1"}`).
		WillReturnRows(rows)

	tool := NewReportGroundingTool(store)
	args := json.RawMessage(`{"sources":["doc-1","'; DROP TABLE atem_voice_documents; --"]}`)
	result, err := tool.Target(context.Background(), args)
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}

	var payload struct {
		Sources []groundingSource `json:"sources"`
	}
	if err := json.Unmarshal([]byte(result.Text()), &payload); err != nil {
		t.Fatalf("decoding result payload: %v", err)
	}
	if len(payload.Sources) != 1 || payload.Sources[0].ChunkID != "doc-1" {
		t.Errorf("sources = %v, want exactly doc-1", payload.Sources)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations (unsafe source must never reach the query): %v", err)
	}
}

func TestNewReportGroundingTool_MalformedArgumentsReturnsToolResultNotError(t *testing.T) {
	store, _ := setupMockStore(t)
	tool := NewReportGroundingTool(store)

	result, err := tool.Target(context.Background(), json.RawMessage(`not json`))
	if err != nil {
		t.Fatalf("Target() returned a Go error, want a ToolResult carrying it: %v", err)
	}
	if !strings.Contains(result.Text(), "Error reporting grounding") {
		t.Errorf("Text() = %q, want an explanatory error string", result.Text())
	}
}

func TestNewReportGroundingTool_StoreErrorReturnsToolResultNotError(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectQuery("SELECT id, content, metadata").
		WithArgs(`{"doc-1"}`).
		WillReturnError(errors.New("connection reset"))

	tool := NewReportGroundingTool(store)
	result, err := tool.Target(context.Background(), json.RawMessage(`{"sources":["doc-1"]}`))
	if err != nil {
		t.Fatalf("Target() returned a Go error, want a ToolResult carrying it: %v", err)
	}
	if !strings.Contains(result.Text(), "Error reporting grounding") {
		t.Errorf("Text() = %q, want an explanatory error string", result.Text())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
