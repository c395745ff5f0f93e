package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// Run statuses.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusPartial  = "partial" // at least one batch was canceled
)

// Run represents a row in the runs table.
type Run struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	Format      string `json:"format"`
	ParseMethod string `json:"parse_method"`
	Model       string `json:"model"`
	Texts       int    `json:"texts"`
	Tables      int    `json:"tables"`
	Bundles     int    `json:"bundles"`
	Generated   int    `json:"generated"`
	Failed      int    `json:"failed"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Summary represents a row in the summaries table. Content is the unit
// that was summarized: the text, the table markup, or an image caption.
type Summary struct {
	ID          int64  `json:"id"`
	RunID       string `json:"run_id"`
	Kind        string `json:"kind"`
	Position    int    `json:"position"`
	Label       string `json:"label"`
	PageNumber  int    `json:"page_number,omitempty"`
	GeometryKey string `json:"geometry_key,omitempty"`
	Content     string `json:"content"`
	Summary     string `json:"summary"`
	OK          bool   `json:"ok"`
}

// SearchResult holds a summary with its retrieval score and run info.
type SearchResult struct {
	SummaryID   int64   `json:"summary_id"`
	RunID       string  `json:"run_id"`
	Kind        string  `json:"kind"`
	Label       string  `json:"label"`
	PageNumber  int     `json:"page_number,omitempty"`
	GeometryKey string  `json:"geometry_key,omitempty"`
	Content     string  `json:"content"`
	Summary     string  `json:"summary"`
	Filename    string  `json:"filename"`
	Path        string  `json:"path"`
	Score       float64 `json:"score"`
}

// Store wraps the SQLite database for all docdigest persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
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

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Run operations ---

// InsertRun records a run and returns its ID. A random UUID is assigned
// when r.ID is empty.
func (s *Store) InsertRun(ctx context.Context, r Run) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, path, filename, format, parse_method, model,
			texts, tables, bundles, generated, failed, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Path, r.Filename, r.Format, r.ParseMethod, r.Model,
		r.Texts, r.Tables, r.Bundles, r.Generated, r.Failed, r.Status)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// FinishRun stores the final counters and status of a run.
func (s *Store) FinishRun(ctx context.Context, id string, generated, failed int, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET generated = ?, failed = ?, status = ? WHERE id = ?",
		generated, failed, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, path, filename, format, parse_method, COALESCE(model, ''),
	texts, tables, bundles, generated, failed, status, created_at`

func scanRun(sc interface{ Scan(...any) error }) (Run, error) {
	var r Run
	err := sc.Scan(&r.ID, &r.Path, &r.Filename, &r.Format, &r.ParseMethod, &r.Model,
		&r.Texts, &r.Tables, &r.Bundles, &r.Generated, &r.Failed, &r.Status, &r.CreatedAt)
	return r, err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY created_at DESC, rowid DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run with its summaries and their embeddings.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_summaries WHERE summary_id IN (
				SELECT id FROM summaries WHERE run_id = ?
			)`, id); err != nil {
			return err
		}

		// Triggers clean up FTS.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM summaries WHERE run_id = ?", id); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- Summary operations ---

// InsertSummaries inserts a batch of summaries and returns their IDs.
func (s *Store) InsertSummaries(ctx context.Context, summaries []Summary) ([]int64, error) {
	ids := make([]int64, len(summaries))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO summaries (run_id, kind, position, label, page_number,
				geometry_key, content, summary, ok)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, sm := range summaries {
			res, err := stmt.ExecContext(ctx,
				sm.RunID, sm.Kind, sm.Position, sm.Label, sm.PageNumber,
				nullString(sm.GeometryKey), sm.Content, sm.Summary, sm.OK)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})

	return ids, err
}

// GetRunSummaries returns the summaries of a run grouped by kind, each kind
// in input order.
func (s *Store) GetRunSummaries(ctx context.Context, runID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, kind, position, label, COALESCE(page_number, 0),
			COALESCE(geometry_key, ''), content, summary, ok
		FROM summaries WHERE run_id = ?
		ORDER BY CASE kind WHEN 'text' THEN 0 WHEN 'table' THEN 1 ELSE 2 END, position
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.ID, &sm.RunID, &sm.Kind, &sm.Position, &sm.Label,
			&sm.PageNumber, &sm.GeometryKey, &sm.Content, &sm.Summary, &sm.OK); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// --- Embedding operations ---

// InsertEmbedding stores a vector embedding for a summary.
func (s *Store) InsertEmbedding(ctx context.Context, summaryID int64, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding has %d dimensions, store expects %d", len(embedding), s.embeddingDim)
	}
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("serializing embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_summaries (summary_id, embedding) VALUES (?, ?)",
		summaryID, blob)
	return err
}

// VectorSearch performs a KNN search returning the top-k nearest summaries.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int) ([]SearchResult, error) {
	blob, err := sqlite_vec.SerializeFloat32(queryEmbedding)
	if err != nil {
		return nil, fmt.Errorf("serializing query embedding: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.summary_id, v.distance,
			sm.run_id, sm.kind, sm.label, COALESCE(sm.page_number, 0), COALESCE(sm.geometry_key, ''),
			sm.content, sm.summary, r.filename, r.path
		FROM vec_summaries v
		JOIN summaries sm ON sm.id = v.summary_id
		JOIN runs r ON r.id = sm.run_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, blob, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var distance float64
		if err := rows.Scan(&r.SummaryID, &distance,
			&r.RunID, &r.Kind, &r.Label, &r.PageNumber, &r.GeometryKey,
			&r.Content, &r.Summary, &r.Filename, &r.Path); err != nil {
			return nil, err
		}
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// FTSSearch performs a full-text search over summaries and their source
// content using FTS5 BM25 ranking. Failed summaries are excluded.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank,
			sm.run_id, sm.kind, sm.label, COALESCE(sm.page_number, 0), COALESCE(sm.geometry_key, ''),
			sm.content, sm.summary, r.filename, r.path
		FROM summaries_fts f
		JOIN summaries sm ON sm.id = f.rowid
		JOIN runs r ON r.id = sm.run_id
		WHERE summaries_fts MATCH ? AND sm.ok = 1
		ORDER BY f.rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var rank float64
		if err := rows.Scan(&r.SummaryID, &rank,
			&r.RunID, &r.Kind, &r.Label, &r.PageNumber, &r.GeometryKey,
			&r.Content, &r.Summary, &r.Filename, &r.Path); err != nil {
			return nil, err
		}
		// FTS5 rank is negative (lower = better), convert to positive score
		r.Score = -rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Stats ---

// DBStats holds row counts for the main tables.
type DBStats struct {
	Runs       int `json:"runs"`
	Summaries  int `json:"summaries"`
	Embeddings int `json:"embeddings"`
}

// DBStats returns counts of runs, summaries, and embeddings.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM runs", &stats.Runs},
		{"SELECT COUNT(*) FROM summaries", &stats.Summaries},
		{"SELECT COUNT(*) FROM vec_summaries", &stats.Embeddings},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
