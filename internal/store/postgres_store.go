package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS gen_jobs (
	id TEXT PRIMARY KEY,
	generation_id TEXT NOT NULL,
	job_type TEXT NOT NULL,
	target_id TEXT NOT NULL,
	backend_path TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	result JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (generation_id, job_type, target_id)
);

CREATE INDEX IF NOT EXISTS gen_jobs_generation_idx ON gen_jobs (generation_id);
CREATE INDEX IF NOT EXISTS gen_jobs_stale_idx ON gen_jobs (status, updated_at);

CREATE TABLE IF NOT EXISTS generations (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	style TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	snapshot JSONB NOT NULL DEFAULT '{}',
	film_id TEXT NOT NULL DEFAULT '',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	cost_total DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &SQLStore{db: db, rebind: rebindNumbered("$")}
	if _, err := db.ExecContext(ctx, postgresSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}

	return store, nil
}
