// Package store is the local SQLite side of the agent: the sqlite-vec
// nearest-neighbor index over section embeddings and the query journal.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// ErrDimensionMismatch is returned when an existing index was built with
// a different embedding dimension.
var ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")

// SectionVector is one section embedding to index.
type SectionVector struct {
	ID        int64
	Filename  string
	Company   string
	Embedding []float32
}

// Hit is one nearest-neighbor result. Lower distance is closer.
type Hit struct {
	ID       int64   `json:"id"`
	Distance float64 `json:"distance"`
}

// QueryLog is one journal entry.
type QueryLog struct {
	RequestID   string        `json:"request_id"`
	Query       string        `json:"query"`
	PlanKind    string        `json:"plan_kind"`
	State       string        `json:"state"`
	Answer      string        `json:"answer"`
	Sources     []string      `json:"sources"`
	Refinements int           `json:"refinements"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   string        `json:"created_at,omitempty"`
}

// Store wraps the SQLite database.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) the database at dbPath and initialises the
// schema, including the vec0 virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("store: embedding dimension must be positive, got %d", embeddingDim)
	}
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := s.checkDimension(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// checkDimension records the dimension on first open and rejects a
// different one afterwards.
func (s *Store) checkDimension(ctx context.Context) error {
	var stored string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM index_meta WHERE key = 'embedding_dim'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, "INSERT INTO index_meta (key, value) VALUES ('embedding_dim', ?)",
			strconv.Itoa(s.embeddingDim))
		return err
	case err != nil:
		return fmt.Errorf("reading index metadata: %w", err)
	}
	if stored != strconv.Itoa(s.embeddingDim) {
		return fmt.Errorf("%w: index has %s, configured %d", ErrDimensionMismatch, stored, s.embeddingDim)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Vector index ---

// UpsertSections writes section embeddings and metadata in one
// transaction. Vectors of the wrong dimension are rejected.
func (s *Store) UpsertSections(ctx context.Context, sections []SectionVector) error {
	for _, sec := range sections {
		if len(sec.Embedding) != s.embeddingDim {
			return fmt.Errorf("%w: section %d has %d, want %d",
				ErrDimensionMismatch, sec.ID, len(sec.Embedding), s.embeddingDim)
		}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, sec := range sections {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sections (id, filename, company, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(id) DO UPDATE SET filename = excluded.filename, company = excluded.company,
					updated_at = CURRENT_TIMESTAMP
			`, sec.ID, sec.Filename, sec.Company); err != nil {
				return fmt.Errorf("upserting section %d: %w", sec.ID, err)
			}
			// vec0 has no upsert.
			if _, err := tx.ExecContext(ctx, "DELETE FROM vec_sections WHERE section_id = ?", sec.ID); err != nil {
				return fmt.Errorf("clearing embedding %d: %w", sec.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO vec_sections (section_id, embedding) VALUES (?, ?)",
				sec.ID, serializeFloat32(sec.Embedding)); err != nil {
				return fmt.Errorf("inserting embedding %d: %w", sec.ID, err)
			}
		}
		return nil
	})
}

// Search returns the k nearest sections to embedding, closest first. An
// empty or unreadable index, or an embedding of the wrong size, yields no
// hits and no error. Only context errors are returned.
func (s *Store) Search(ctx context.Context, embedding []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(embedding) != s.embeddingDim {
		slog.WarnContext(ctx, "store: query embedding has wrong dimension",
			"got", len(embedding), "want", s.embeddingDim)
		return nil, nil
	}
	hits, err := s.search(ctx, embedding, k)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.WarnContext(ctx, "store: vector search failed, returning no hits", "error", err)
		return nil, nil
	}
	return hits, nil
}

func (s *Store) search(ctx context.Context, embedding []float32, k int) ([]Hit, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		slog.WarnContext(ctx, "store: vector index is empty")
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT section_id, distance
		FROM vec_sections
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, serializeFloat32(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Distance); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Count returns the number of indexed sections.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vec_sections").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return n, nil
}

// Reset removes every indexed section.
func (s *Store) Reset(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_sections"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM sections")
		return err
	})
}

// --- Query journal ---

// LogQuery writes an entry to the query journal.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	sourcesJSON, err := json.Marshal(q.Sources)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_log (request_id, query, plan_kind, state, answer, sources, refinements, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, q.RequestID, q.Query, q.PlanKind, q.State, q.Answer, string(sourcesJSON), q.Refinements,
		q.Duration.Milliseconds())
	return err
}

// RecentQueries returns up to n journal entries, newest first.
func (s *Store) RecentQueries(ctx context.Context, n int) ([]QueryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, query, COALESCE(plan_kind, ''), state, COALESCE(answer, ''),
			COALESCE(sources, '[]'), refinements, COALESCE(duration_ms, 0), created_at
		FROM query_log ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueryLog
	for rows.Next() {
		var (
			q          QueryLog
			sources    string
			durationMS int64
		)
		if err := rows.Scan(&q.RequestID, &q.Query, &q.PlanKind, &q.State, &q.Answer,
			&sources, &q.Refinements, &durationMS, &q.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sources), &q.Sources); err != nil {
			return nil, fmt.Errorf("decoding sources: %w", err)
		}
		q.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
