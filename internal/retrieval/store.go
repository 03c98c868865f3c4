package retrieval

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Document is one row of the flat retrieval table: a chunk of grounding
// content plus its embedding, shaped after the original Supabase
// atem_voice_documents table rather than the teacher's normalized
// documents/chunks pair — this system has no chunking pipeline of its own,
// only a pre-chunked knowledge base to search.
type Document struct {
	ID       string
	Content  string
	Title    string
	Metadata map[string]any
}

// Config configures a Store.
type Config struct {
	DSN           string
	DB            *sql.DB
	Dimension     int
	RunMigrations bool
}

// Store is a pgvector-backed nearest-neighbour store over a single document
// table, adapted from the teacher's internal/rag/store/pgvector.Store and
// trimmed to the flat shape this system's retrieval tools need.
type Store struct {
	db        *sql.DB
	dimension int
	ownsDB    bool
}

// New opens (or reuses) a database connection and, when cfg.RunMigrations
// is set, applies the embedded migrations.
func New(cfg Config) (*Store, error) {
	if cfg.Dimension == 0 {
		cfg.Dimension = 3072 // text-embedding-3-large
	}

	var db *sql.DB
	var ownsDB bool
	var err error

	switch {
	case cfg.DB != nil:
		db = cfg.DB
	case cfg.DSN != "":
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("retrieval: open database: %w", err)
		}
		ownsDB = true
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("retrieval: ping database: %w", err)
		}
	default:
		return nil, fmt.Errorf("retrieval: either DSN or DB must be provided")
	}

	s := &Store{db: db, dimension: cfg.Dimension, ownsDB: ownsDB}

	if cfg.RunMigrations {
		if err := s.runMigrations(context.Background()); err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, fmt.Errorf("retrieval: run migrations: %w", err)
		}
	}

	return s, nil
}

// Close releases the underlying connection, if the store opened it itself.
func (s *Store) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Search runs a cosine-similarity nearest-neighbour query over the document
// table, mirroring the original search tool's `match_count=5, filter={}`
// RPC call.
func (s *Store) Search(ctx context.Context, embedding []float32, matchCount int) ([]Document, error) {
	if matchCount <= 0 {
		matchCount = 5
	}
	if err := s.validateEmbedding(embedding); err != nil {
		return nil, err
	}
	queryVec := encodeEmbedding(embedding)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, metadata
		FROM atem_voice_documents
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $2
	`, queryVec, matchCount)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search query: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// SearchFallback runs the degraded-mode table scan the original Python
// implementation falls back to when the vector RPC itself errors: an
// unfiltered LIMIT 3 scan over the same table, so a transient index or
// function failure doesn't sever grounding entirely.
func (s *Store) SearchFallback(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, metadata
		FROM atem_voice_documents
		LIMIT 3
	`)
	if err != nil {
		return nil, fmt.Errorf("retrieval: fallback query: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// GetByIDs fetches rows by identifier, preserving no particular order
// beyond what Postgres returns, for report_grounding. Identifiers not
// present in the table are silently omitted.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, metadata
		FROM atem_voice_documents
		WHERE id = ANY($1::text[])
	`, pqStringArray(ids))
	if err != nil {
		return nil, fmt.Errorf("retrieval: get by ids: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var doc Document
		var metadataJSON sql.NullString
		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON); err != nil {
			return nil, fmt.Errorf("retrieval: scan document: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &doc.Metadata); err != nil {
				return nil, fmt.Errorf("retrieval: unmarshal metadata: %w", err)
			}
		}
		if title, ok := doc.Metadata["title"].(string); ok && title != "" {
			doc.Title = title
		} else {
			doc.Title = "Untitled"
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) validateEmbedding(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("retrieval: embedding is empty")
	}
	if s.dimension > 0 && len(embedding) != s.dimension {
		return fmt.Errorf("retrieval: embedding dimension mismatch: got %d, want %d", len(embedding), s.dimension)
	}
	for _, v := range embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("retrieval: embedding contains invalid values")
		}
	}
	return nil
}

func encodeEmbedding(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}

// pqStringArray renders a Go string slice as a Postgres array literal
// suitable for `= ANY($1)`, avoiding a dependency on lib/pq's array helper
// types for this one call site.
func pqStringArray(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = `"` + strings.ReplaceAll(id, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

func (s *Store) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS retrieval_schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create retrieval_schema_migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.ID] {
			continue
		}
		if strings.TrimSpace(m.UpSQL) == "" {
			return fmt.Errorf("missing up migration for %s", m.ID)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO retrieval_schema_migrations (id) VALUES ($1)`, m.ID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.ID, err)
		}
	}
	return nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM retrieval_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query retrieval_schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan retrieval_schema_migrations: %w", err)
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

// Migration is one embedded schema migration.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	entries := map[string]*Migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, "migrations/")
		var suffix string
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			suffix = ".up.sql"
		case strings.HasSuffix(base, ".down.sql"):
			suffix = ".down.sql"
		default:
			continue
		}
		id := strings.TrimSuffix(base, suffix)
		entry := entries[id]
		if entry == nil {
			entry = &Migration{ID: id}
			entries[id] = entry
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		if suffix == ".up.sql" {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := make([]Migration, 0, len(ids))
	for _, id := range ids {
		migrations = append(migrations, *entries[id])
	}
	return migrations, nil
}

// NewDocumentID returns a fresh identifier for a document row.
func NewDocumentID() string {
	return uuid.New().String()
}
