// Package artifact stages export files on local disk and guarantees each one
// is deleted after its TTL, including across process restarts.
package artifact

import (
	"context"
	"time"
)

// Artifact is a staged export file and its expiry bookkeeping.
type Artifact struct {
	JobID       string     `db:"job_id"`
	Path        string     `db:"path"`
	Size        int64      `db:"size"`
	CreatedAt   time.Time  `db:"created_at"`
	ExpiresAt   time.Time  `db:"expires_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
	DeleteError *string    `db:"delete_error"`
}

// Expired reports whether the artifact is past its TTL at now.
func (a Artifact) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Available reports whether the file may still be served at now.
func (a Artifact) Available(now time.Time) bool {
	return a.DeletedAt == nil && !a.Expired(now)
}

// Store persists artifact records.
type Store interface {
	// Insert records a new artifact; domain.ErrArtifactExists if the job already has one.
	Insert(ctx context.Context, a Artifact) error
	// Get returns domain.ErrArtifactNotFound when the job has no artifact.
	Get(ctx context.Context, jobID string) (*Artifact, error)
	// ListPending returns artifacts whose deletion has not been attempted.
	ListPending(ctx context.Context) ([]Artifact, error)
	// ListExpired returns pending artifacts with expires_at at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]Artifact, error)
	// MarkDeleted claims the single deletion attempt. False means another
	// caller already claimed it.
	MarkDeleted(ctx context.Context, jobID string, at time.Time) (bool, error)
	RecordDeleteError(ctx context.Context, jobID string, reason string) error
}
