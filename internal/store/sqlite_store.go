package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS gen_jobs (
	id TEXT PRIMARY KEY,
	generation_id TEXT NOT NULL,
	job_type TEXT NOT NULL,
	target_id TEXT NOT NULL,
	backend_path TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	result TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (generation_id, job_type, target_id)
);

CREATE INDEX IF NOT EXISTS gen_jobs_generation_idx ON gen_jobs (generation_id);
CREATE INDEX IF NOT EXISTS gen_jobs_stale_idx ON gen_jobs (status, updated_at);

CREATE TABLE IF NOT EXISTS generations (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	style TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	snapshot TEXT NOT NULL DEFAULT '{}',
	film_id TEXT NOT NULL DEFAULT '',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	cost_total REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// NewSQLiteStore opens a single-file store for running without Postgres.
// Timestamps are written in a sortable text layout so updated_at can be
// compared directly.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	store := &SQLStore{db: db, rebind: rebindNumbered("?")}
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return store, nil
}
