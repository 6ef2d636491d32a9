package store

import "fmt"

// schemaSQL returns the base DDL. embeddingDim fixes the vec0 column size.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Section metadata mirrored from the graph; id is the graph node id
CREATE TABLE IF NOT EXISTS sections (
    id INTEGER PRIMARY KEY,
    filename TEXT NOT NULL,
    company TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Section embeddings via sqlite-vec (L2 distance)
CREATE VIRTUAL TABLE IF NOT EXISTS vec_sections USING vec0(
    section_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Query journal
CREATE TABLE IF NOT EXISTS query_log (
    id INTEGER PRIMARY KEY,
    request_id TEXT NOT NULL,
    query TEXT NOT NULL,
    plan_kind TEXT,
    state TEXT NOT NULL,
    answer TEXT,
    sources JSON,
    refinements INTEGER DEFAULT 0,
    duration_ms INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sections_company ON sections(company);
CREATE INDEX IF NOT EXISTS idx_query_log_created ON query_log(created_at);
`, embeddingDim)
}
