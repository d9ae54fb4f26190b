package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/actflow/internal/domain"
	"github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	request JSONB NOT NULL,
	remote_id TEXT NOT NULL DEFAULT '',
	attempt INT NOT NULL DEFAULT 0,
	download_attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	result_url TEXT NOT NULL DEFAULT '',
	asset_location TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (state);
`

// PostgresJobStore backs the orchestrator with Postgres for setups
// where several machines share one batch. Per-ID update serialization
// comes from SELECT ... FOR UPDATE inside a transaction.
type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresJobStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Put(ctx context.Context, job domain.Job) error {
	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshal job request: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, state, request, remote_id, attempt, download_attempts, last_error, result_url, asset_location, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID,
		job.State,
		requestJSON,
		job.RemoteID,
		job.Attempt,
		job.DownloadAttempts,
		job.LastError,
		job.ResultURL,
		job.AssetLocation,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, state, request, remote_id, attempt, download_attempts, last_error, result_url, asset_location, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var (
		job         domain.Job
		requestJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.State,
		&requestJSON,
		&job.RemoteID,
		&job.Attempt,
		&job.DownloadAttempts,
		&job.LastError,
		&job.ResultURL,
		&job.AssetLocation,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(requestJSON, &job.Request); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job request: %w", err)
	}
	return job, nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`,
		id,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) ListByState(ctx context.Context, states ...string) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at, id`
	args := []any{}
	if len(states) > 0 {
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE state = ANY($1) ORDER BY created_at, id`
		args = append(args, pq.Array(states))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return out, nil
}

func (s *PostgresJobStore) Update(ctx context.Context, id string, mutate Mutation) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin job update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`,
		id,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("lock job: %w", err)
	}

	updated := job
	if err := mutate(&updated); err != nil {
		return domain.Job{}, err
	}
	if err := domain.CheckJobTransition(job, updated); err != nil {
		return domain.Job{}, err
	}
	updated.ID = job.ID
	updated.UpdatedAt = time.Now().UTC()

	requestJSON, err := json.Marshal(updated.Request)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job request: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE jobs
		 SET state = $1, request = $2, remote_id = $3, attempt = $4, download_attempts = $5,
		     last_error = $6, result_url = $7, asset_location = $8, updated_at = $9
		 WHERE id = $10`,
		updated.State,
		requestJSON,
		updated.RemoteID,
		updated.Attempt,
		updated.DownloadAttempts,
		updated.LastError,
		updated.ResultURL,
		updated.AssetLocation,
		updated.UpdatedAt,
		updated.ID,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("commit job update: %w", err)
	}
	return updated, nil
}

func (s *PostgresJobStore) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("purge jobs: %w", err)
	}
	return nil
}
