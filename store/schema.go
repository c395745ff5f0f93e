package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- One row per processed document
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    filename TEXT NOT NULL,
    format TEXT NOT NULL,
    parse_method TEXT NOT NULL,
    model TEXT,
    texts INTEGER DEFAULT 0,
    tables INTEGER DEFAULT 0,
    bundles INTEGER DEFAULT 0,
    generated INTEGER DEFAULT 0,
    failed INTEGER DEFAULT 0,
    status TEXT DEFAULT 'pending',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Summaries aligned with the units they describe
CREATE TABLE IF NOT EXISTS summaries (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    kind TEXT NOT NULL,
    position INTEGER NOT NULL,
    label TEXT NOT NULL,
    page_number INTEGER,
    geometry_key TEXT,
    content TEXT NOT NULL,
    summary TEXT NOT NULL,
    ok INTEGER NOT NULL DEFAULT 1,
    UNIQUE(run_id, kind, position)
);

-- Vector embeddings of summaries via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_summaries USING vec0(
    summary_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Full-text search via FTS5
CREATE VIRTUAL TABLE IF NOT EXISTS summaries_fts USING fts5(
    summary,
    content,
    content='summaries',
    content_rowid='id',
    tokenize='porter unicode61'
);

-- FTS triggers to keep index in sync
CREATE TRIGGER IF NOT EXISTS summaries_ai AFTER INSERT ON summaries BEGIN
    INSERT INTO summaries_fts(rowid, summary, content) VALUES (new.id, new.summary, new.content);
END;
CREATE TRIGGER IF NOT EXISTS summaries_ad AFTER DELETE ON summaries BEGIN
    INSERT INTO summaries_fts(summaries_fts, rowid, summary, content) VALUES ('delete', old.id, old.summary, old.content);
END;
CREATE TRIGGER IF NOT EXISTS summaries_au AFTER UPDATE ON summaries BEGIN
    INSERT INTO summaries_fts(summaries_fts, rowid, summary, content) VALUES ('delete', old.id, old.summary, old.content);
    INSERT INTO summaries_fts(rowid, summary, content) VALUES (new.id, new.summary, new.content);
END;

-- Indexes
CREATE INDEX IF NOT EXISTS idx_summaries_run ON summaries(run_id);
CREATE INDEX IF NOT EXISTS idx_summaries_kind ON summaries(kind);
CREATE INDEX IF NOT EXISTS idx_runs_path ON runs(path);
`, embeddingDim)
}
