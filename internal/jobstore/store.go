// Package jobstore persists conversation transfer jobs in PostgreSQL.
//
// Lifecycle timestamps are write-once: every mutation is a conditional
// UPDATE guarded on the current timestamps, so concurrent workers can
// neither double-claim nor double-finalize a job.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	DefaultQueryLimit = 20
	MaxQueryLimit     = 100
	staleBatchSize    = 100
)

// Store handles all job table operations
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	clock  func() time.Time
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the time source used for lifecycle timestamps.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// Create inserts a new job with no lifecycle timestamps set.
func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx, queryInsertJob,
		job.ID,
		job.Name,
		job.Payload,
		job.RequesterID,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get retrieves a job by its ID
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := s.db.GetContext(ctx, &job, queryGetJob, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Query lists jobs matching the criteria, newest first.
func (s *Store) Query(ctx context.Context, c domain.JobCriteria) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM conversation_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if c.ID != "" {
		query += fmt.Sprintf(" AND id = $%d", argIdx)
		args = append(args, c.ID)
		argIdx++
	}

	if c.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", argIdx)
		args = append(args, string(c.Name))
		argIdx++
	}

	if c.RequesterID != "" {
		query += fmt.Sprintf(" AND requester_id = $%d", argIdx)
		args = append(args, c.RequesterID)
		argIdx++
	}

	if c.Status != "" {
		predicate, err := statusPredicate(c.Status)
		if err != nil {
			return nil, err
		}
		query += " AND " + predicate
	}

	if c.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, c.Cursor.CreatedAt, c.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := c.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit+1 {
		limit = MaxQueryLimit + 1
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	return jobs, nil
}

// statusPredicate mirrors domain.DeriveStatus in SQL.
func statusPredicate(status domain.JobStatus) (string, error) {
	switch status {
	case domain.StatusScheduled:
		return "started_at IS NULL", nil
	case domain.StatusRunning:
		return "(started_at IS NOT NULL AND finished_at IS NULL AND failed_at IS NULL)", nil
	case domain.StatusCompleted:
		return "(started_at IS NOT NULL AND failed_at IS NULL AND finished_at IS NOT NULL)", nil
	case domain.StatusFailed:
		return "(started_at IS NOT NULL AND failed_at IS NOT NULL)", nil
	default:
		return "", fmt.Errorf("unknown job status %q", status)
	}
}

// ClaimNext claims the oldest scheduled job among the given names.
// Returns domain.ErrNoJobAvailable when nothing is waiting and
// domain.ErrClaimConflict when scheduled jobs exist but another worker
// claimed or locked the candidate first.
func (s *Store) ClaimNext(ctx context.Context, names []domain.JobName) (*domain.Job, error) {
	kinds := make([]string, len(names))
	for i, n := range names {
		kinds[i] = string(n)
	}

	var job domain.Job
	err := s.db.GetContext(ctx, &job, queryClaimNext, s.now(), pq.Array(kinds))
	if err == nil {
		s.logger.Debug("Job claimed",
			slog.String("job_id", job.ID),
			slog.String("job_name", job.Name.String()),
		)
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	var waiting bool
	if err := s.db.GetContext(ctx, &waiting, queryScheduledExists, pq.Array(kinds)); err != nil {
		return nil, fmt.Errorf("failed to check scheduled jobs: %w", err)
	}
	if waiting {
		return nil, domain.ErrClaimConflict
	}
	return nil, domain.ErrNoJobAvailable
}

// Finish records successful completion of a running job.
func (s *Store) Finish(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, queryFinishJob, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return s.checkFinalized(ctx, id, result)
}

// Fail records a handler failure for a running job.
func (s *Store) Fail(ctx context.Context, id string, reason string) error {
	result, err := s.db.ExecContext(ctx, queryFailJob, s.now(), reason, id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return s.checkFinalized(ctx, id, result)
}

// FailStale forces running jobs started before the cutoff into the failed state
// and returns their ids.
func (s *Store) FailStale(ctx context.Context, startedBefore time.Time, reason string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, queryFailStaleJobs, startedBefore.UTC(), staleBatchSize, s.now(), reason)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale jobs: %w", err)
	}
	return ids, nil
}

// checkFinalized distinguishes a missing job from one that already reached a
// terminal state when a guarded update touched no rows.
func (s *Store) checkFinalized(ctx context.Context, id string, result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrJobNotFound
	}

	s.logger.Warn("Job finalization skipped - job not running",
		slog.String("job_id", id),
	)
	return domain.ErrJobAlreadyFinalized
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, queryJobExists, id); err != nil {
		return false, fmt.Errorf("failed to check job existence: %w", err)
	}
	return exists, nil
}
