package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/pi-docket/ConvertX-CN/models"
)

const conversionJobsSchema = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
	id                TEXT PRIMARY KEY,
	owner             TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	source_format     TEXT NOT NULL,
	target_format     TEXT NOT NULL,
	engine            TEXT NOT NULL,
	status            TEXT NOT NULL,
	progress          INTEGER NOT NULL DEFAULT 0,
	output_filename   TEXT,
	error_message     TEXT,
	options           JSONB,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	completed_at      TIMESTAMPTZ,
	deleted_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS conversion_jobs_owner_idx ON conversion_jobs (owner, created_at);
`

const upsertConversionJob = `
INSERT INTO conversion_jobs (
	id, owner, original_filename, source_format, target_format, engine,
	status, progress, output_filename, error_message, options,
	created_at, updated_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	progress = EXCLUDED.progress,
	output_filename = EXCLUDED.output_filename,
	error_message = EXCLUDED.error_message,
	updated_at = EXCLUDED.updated_at,
	completed_at = EXCLUDED.completed_at
WHERE conversion_jobs.updated_at <= EXCLUDED.updated_at`

// DatabaseService keeps a Postgres history of conversion jobs. Deleted and
// expired jobs stay in the table with deleted_at set.
type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db}, nil
}

func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, conversionJobsSchema); err != nil {
		return fmt.Errorf("failed to create conversion_jobs table: %w", err)
	}
	return nil
}

func (d *DatabaseService) RecordJob(ctx context.Context, job models.ConversionJob) error {
	_, err := d.db.ExecContext(ctx, upsertConversionJob,
		job.ID,
		job.Owner,
		job.OriginalFilename,
		job.SourceFormat,
		job.TargetFormat,
		job.EngineID,
		string(job.Status),
		job.Progress,
		nullString(job.OutputFilename),
		nullString(job.ErrorMessage),
		nullJSON(job.Options),
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", job.ID, err)
	}
	return nil
}

func (d *DatabaseService) ForgetJob(ctx context.Context, jobID string) error {
	query := `UPDATE conversion_jobs SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`
	if _, err := d.db.ExecContext(ctx, query, time.Now().UTC(), jobID); err != nil {
		return fmt.Errorf("failed to mark job %s deleted: %w", jobID, err)
	}
	return nil
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
