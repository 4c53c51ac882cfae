package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/jmoiron/sqlx"
)

const artifactColumns = `job_id, path, size, created_at, expires_at, deleted_at, delete_error`

const queryInsertArtifact = `
INSERT INTO export_artifacts (job_id, path, size, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO NOTHING
`

const queryGetArtifact = `
SELECT ` + artifactColumns + `
FROM export_artifacts
WHERE job_id = $1
`

const queryListPending = `
SELECT ` + artifactColumns + `
FROM export_artifacts
WHERE deleted_at IS NULL
ORDER BY expires_at ASC
`

const queryListExpired = `
SELECT ` + artifactColumns + `
FROM export_artifacts
WHERE deleted_at IS NULL
  AND expires_at <= $1
ORDER BY expires_at ASC
`

const queryMarkDeleted = `
UPDATE export_artifacts
SET deleted_at = $1
WHERE job_id = $2
  AND deleted_at IS NULL
`

const queryRecordDeleteError = `
UPDATE export_artifacts
SET delete_error = $1
WHERE job_id = $2
`

// PostgresStore keeps artifact records in the export_artifacts table.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) Insert(ctx context.Context, a Artifact) error {
	result, err := s.db.ExecContext(ctx, queryInsertArtifact,
		a.JobID,
		a.Path,
		a.Size,
		a.CreatedAt,
		a.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrArtifactExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Artifact, error) {
	var a Artifact
	if err := s.db.GetContext(ctx, &a, queryGetArtifact, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]Artifact, error) {
	var out []Artifact
	if err := s.db.SelectContext(ctx, &out, queryListPending); err != nil {
		return nil, fmt.Errorf("failed to list pending artifacts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]Artifact, error) {
	var out []Artifact
	if err := s.db.SelectContext(ctx, &out, queryListExpired, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list expired artifacts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkDeleted(ctx context.Context, jobID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryMarkDeleted, at.UTC(), jobID)
	if err != nil {
		return false, fmt.Errorf("failed to mark artifact deleted: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *PostgresStore) RecordDeleteError(ctx context.Context, jobID string, reason string) error {
	if _, err := s.db.ExecContext(ctx, queryRecordDeleteError, reason, jobID); err != nil {
		return fmt.Errorf("failed to record delete error: %w", err)
	}
	return nil
}
