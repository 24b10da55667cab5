package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"audiorelay-backend/internal/domain"
)

// PostgresStore implements Store using a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database using the provided connection string.
func NewPostgresStore(ctx context.Context, conn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const schema = `
	CREATE TABLE IF NOT EXISTS verified_users (
		email       text PRIMARY KEY,
		verified_at timestamptz NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS transfer_jobs (
		job_id            text PRIMARY KEY,
		upload_id         text NOT NULL DEFAULT '',
		owner             text NOT NULL,
		original_filename text NOT NULL,
		stored_filename   text NOT NULL,
		size_bytes        bigint NOT NULL,
		outcome           text NOT NULL,
		detail            text NOT NULL DEFAULT '',
		created_at        timestamptz NOT NULL,
		updated_at        timestamptz NOT NULL
	);
`

// EnsureSchema creates the tables the store relies on when they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Ping checks connectivity for the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// IsVerified reports whether the owner completed email verification.
func (s *PostgresStore) IsVerified(ctx context.Context, owner string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM verified_users WHERE lower(email) = $1)
	`, strings.ToLower(strings.TrimSpace(owner))).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) RecordJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO transfer_jobs (
			job_id, upload_id, owner, original_filename, stored_filename,
			size_bytes, outcome, detail, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,'',now(),now()
		)
	`
	_, err := s.pool.Exec(ctx, query,
		job.JobID, job.UploadID, job.Owner, job.OriginalFilename, job.StoredFilename,
		job.SizeBytes, string(job.Outcome),
	)
	return err
}

func (s *PostgresStore) UpdateJobOutcome(ctx context.Context, jobID string, outcome domain.TransferOutcome, detail string) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE transfer_jobs SET outcome=$2, detail=$3, updated_at=now() WHERE job_id=$1
	`, jobID, string(outcome), detail)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT job_id, upload_id, owner, original_filename, stored_filename,
		       size_bytes, outcome, detail, created_at, updated_at
		FROM transfer_jobs
		WHERE job_id = $1
	`
	var job domain.Job
	var outcome string
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.JobID,
		&job.UploadID,
		&job.Owner,
		&job.OriginalFilename,
		&job.StoredFilename,
		&job.SizeBytes,
		&outcome,
		&job.Detail,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Outcome = domain.TransferOutcome(outcome)
	return &job, nil
}
