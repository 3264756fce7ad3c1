package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/id"
)

const jobColumns = `id, generation_id, job_type, target_id, backend_path, payload, status, result, error_message, created_at, updated_at`

const generationColumns = `id, title, style, status, snapshot, film_id, thumbnail_url, cost_total, created_at, updated_at`

// SQLStore implements Store on database/sql. Queries are written with
// numbered $n placeholders and rebound per driver.
type SQLStore struct {
	db     *sql.DB
	rebind func(string) string
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) Upsert(ctx context.Context, sub domain.Submission) (domain.Job, error) {
	now := time.Now().UTC()
	payload := string(sub.Payload)
	if payload == "" {
		payload = "{}"
	}

	row := s.queryRow(
		ctx,
		`INSERT INTO gen_jobs (id, generation_id, job_type, target_id, backend_path, payload, status, result, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, '', $8, $8)
		 ON CONFLICT (generation_id, job_type, target_id) DO UPDATE SET
			backend_path = excluded.backend_path,
			payload = excluded.payload,
			status = excluded.status,
			result = NULL,
			error_message = '',
			updated_at = excluded.updated_at
		 RETURNING `+jobColumns,
		id.New(),
		sub.GenerationID,
		string(sub.JobType),
		sub.TargetID,
		string(sub.Route),
		payload,
		domain.JobStatusGenerating,
		now,
	)
	job, err := scanJob(row)
	if err != nil {
		return domain.Job{}, fmt.Errorf("upsert job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.queryRow(ctx, `SELECT `+jobColumns+` FROM gen_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *SQLStore) GetBySlot(ctx context.Context, slot domain.Slot) (domain.Job, bool, error) {
	row := s.queryRow(
		ctx,
		`SELECT `+jobColumns+` FROM gen_jobs
		 WHERE generation_id = $1 AND job_type = $2 AND target_id = $3`,
		slot.GenerationID,
		string(slot.JobType),
		slot.TargetID,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job by slot: %w", err)
	}
	return job, true, nil
}

func (s *SQLStore) ListByGeneration(ctx context.Context, generationID string) ([]domain.Job, error) {
	rows, err := s.query(
		ctx,
		`SELECT `+jobColumns+` FROM gen_jobs WHERE generation_id = $1 ORDER BY created_at, id`,
		generationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *SQLStore) ListStale(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	rows, err := s.query(
		ctx,
		`SELECT `+jobColumns+` FROM gen_jobs
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at, id`,
		domain.JobStatusGenerating,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *SQLStore) Touch(ctx context.Context, id string) error {
	guard, guardArgs := statusGuard(3, domain.JobStatusGenerating)
	res, err := s.exec(
		ctx,
		`UPDATE gen_jobs SET updated_at = $1 WHERE id = $2 AND `+guard,
		append([]any{time.Now().UTC(), id}, guardArgs...)...,
	)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	if n == 0 {
		_, err := s.refused(ctx, id, domain.JobStatusGenerating)
		return err
	}
	return nil
}

func (s *SQLStore) UpdateProgress(ctx context.Context, id string, progress domain.Result) (domain.Job, error) {
	resultJSON, err := marshalResult(progress)
	if err != nil {
		return domain.Job{}, err
	}
	guard, guardArgs := statusGuard(4, domain.JobStatusGenerating)
	return s.transition(
		ctx,
		id,
		domain.JobStatusGenerating,
		`UPDATE gen_jobs SET result = $1, updated_at = $2
		 WHERE id = $3 AND `+guard+`
		 RETURNING `+jobColumns,
		append([]any{resultJSON, time.Now().UTC(), id}, guardArgs...)...,
	)
}

func (s *SQLStore) Complete(ctx context.Context, id string, result domain.Result) (domain.Job, error) {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return domain.Job{}, err
	}
	guard, guardArgs := statusGuard(5, domain.JobStatusCompleted)
	return s.transition(
		ctx,
		id,
		domain.JobStatusCompleted,
		`UPDATE gen_jobs SET status = $1, result = $2, error_message = '', updated_at = $3
		 WHERE id = $4 AND `+guard+`
		 RETURNING `+jobColumns,
		append([]any{domain.JobStatusCompleted, resultJSON, time.Now().UTC(), id}, guardArgs...)...,
	)
}

func (s *SQLStore) Fail(ctx context.Context, id, message string) (domain.Job, error) {
	guard, guardArgs := statusGuard(5, domain.JobStatusFailed)
	return s.transition(
		ctx,
		id,
		domain.JobStatusFailed,
		`UPDATE gen_jobs SET status = $1, error_message = $2, updated_at = $3
		 WHERE id = $4 AND `+guard+`
		 RETURNING `+jobColumns,
		append([]any{domain.JobStatusFailed, message, time.Now().UTC(), id}, guardArgs...)...,
	)
}

// statusGuard renders "status IN (...)" over the statuses allowed to move
// to to, numbering placeholders from first.
func statusGuard(first int, to string) (string, []any) {
	sources := domain.TransitionSources(to)
	marks := make([]string, len(sources))
	args := make([]any, len(sources))
	for i, status := range sources {
		marks[i] = fmt.Sprintf("$%d", first+i)
		args[i] = status
	}
	return "status IN (" + strings.Join(marks, ", ") + ")", args
}

// transition runs a guarded UPDATE ... RETURNING and explains a miss.
func (s *SQLStore) transition(ctx context.Context, id, to, query string, args ...any) (domain.Job, error) {
	job, err := scanJob(s.queryRow(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	return s.refused(ctx, id, to)
}

func (s *SQLStore) refused(ctx context.Context, id, to string) (domain.Job, error) {
	current, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return current, transitionError(current, to)
}

func (s *SQLStore) CreateGeneration(ctx context.Context, g domain.Generation) error {
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if g.Status == "" {
		g.Status = domain.GenerationDrafting
	}
	snapshotJSON, err := json.Marshal(g.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.exec(
		ctx,
		`INSERT INTO generations (`+generationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		g.ID,
		g.Title,
		g.Style,
		g.Status,
		string(snapshotJSON),
		g.FilmID,
		g.ThumbnailURL,
		g.CostTotal,
		g.CreatedAt.UTC(),
		now,
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetGeneration(ctx context.Context, id string) (domain.Generation, bool, error) {
	row := s.queryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	g, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Generation{}, false, nil
		}
		return domain.Generation{}, false, fmt.Errorf("query generation: %w", err)
	}
	return g, true, nil
}

func (s *SQLStore) ListGenerations(ctx context.Context, limit int) ([]domain.GenerationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(
		ctx,
		`SELECT id, title, status, thumbnail_url, cost_total, updated_at
		 FROM generations ORDER BY updated_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	out := make([]domain.GenerationSummary, 0)
	for rows.Next() {
		var (
			g         domain.GenerationSummary
			updatedAt dbTime
		)
		if err := rows.Scan(&g.ID, &g.Title, &g.Status, &g.ThumbnailURL, &g.CostTotal, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan generation summary: %w", err)
		}
		g.UpdatedAt = updatedAt.Time
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLStore) PatchGeneration(ctx context.Context, id string, patch domain.GenerationPatch) (domain.Generation, error) {
	g, ok, err := s.GetGeneration(ctx, id)
	if err != nil {
		return domain.Generation{}, err
	}
	if !ok {
		return domain.Generation{}, ErrGenerationNotFound
	}
	g = patch.Apply(g)
	g.UpdatedAt = time.Now().UTC()
	_, err = s.exec(
		ctx,
		`UPDATE generations SET title = $1, style = $2, thumbnail_url = $3, updated_at = $4 WHERE id = $5`,
		g.Title,
		g.Style,
		g.ThumbnailURL,
		g.UpdatedAt,
		id,
	)
	if err != nil {
		return domain.Generation{}, fmt.Errorf("patch generation: %w", err)
	}
	return g, nil
}

func (s *SQLStore) ApplyProjection(ctx context.Context, id string, p domain.Projection) (domain.Generation, error) {
	snapshotJSON, err := json.Marshal(p.Snapshot)
	if err != nil {
		return domain.Generation{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	row := s.queryRow(
		ctx,
		`UPDATE generations SET
			status = CASE WHEN CAST($1 AS TEXT) = '' THEN status ELSE CAST($1 AS TEXT) END,
			film_id = CASE WHEN CAST($2 AS TEXT) = '' THEN film_id ELSE CAST($2 AS TEXT) END,
			snapshot = $3,
			cost_total = $4,
			updated_at = $5
		 WHERE id = $6
		 RETURNING `+generationColumns,
		p.Status,
		p.FilmID,
		string(snapshotJSON),
		p.CostTotal,
		time.Now().UTC(),
		id,
	)
	g, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Generation{}, ErrGenerationNotFound
		}
		return domain.Generation{}, fmt.Errorf("apply projection: %w", err)
	}
	return g, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job        domain.Job
		jobType    string
		route      string
		payload    sql.NullString
		resultJSON sql.NullString
		createdAt  dbTime
		updatedAt  dbTime
	)
	if err := row.Scan(
		&job.ID,
		&job.GenerationID,
		&jobType,
		&job.TargetID,
		&route,
		&payload,
		&job.Status,
		&resultJSON,
		&job.ErrorMessage,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	job.CreatedAt = createdAt.Time
	job.UpdatedAt = updatedAt.Time
	job.Type = domain.JobType(jobType)
	job.Route = domain.Route(route)
	if payload.Valid && payload.String != "" {
		job.Payload = json.RawMessage(payload.String)
	}
	if resultJSON.Valid && resultJSON.String != "" && resultJSON.String != "null" {
		if err := json.Unmarshal([]byte(resultJSON.String), &job.Result); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job result: %w", err)
		}
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()
	out := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func scanGeneration(row rowScanner) (domain.Generation, error) {
	var (
		g            domain.Generation
		snapshotJSON sql.NullString
		createdAt    dbTime
		updatedAt    dbTime
	)
	if err := row.Scan(
		&g.ID,
		&g.Title,
		&g.Style,
		&g.Status,
		&snapshotJSON,
		&g.FilmID,
		&g.ThumbnailURL,
		&g.CostTotal,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Generation{}, err
	}
	g.CreatedAt = createdAt.Time
	g.UpdatedAt = updatedAt.Time
	if snapshotJSON.Valid && snapshotJSON.String != "" {
		if err := json.Unmarshal([]byte(snapshotJSON.String), &g.Snapshot); err != nil {
			return domain.Generation{}, fmt.Errorf("unmarshal snapshot: %w", err)
		}
	}
	return g, nil
}

func marshalResult(r domain.Result) (any, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal job result: %w", err)
	}
	return string(raw), nil
}

func rebindNumbered(prefix string) func(string) string {
	return func(query string) string {
		if prefix == "$" {
			return query
		}
		return strings.ReplaceAll(query, "$", prefix)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
}

// dbTime scans timestamps from drivers that return either time.Time or
// text.
type dbTime struct {
	Time time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case int64:
		t.Time = time.Unix(0, v).UTC()
		return nil
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", s)
}
