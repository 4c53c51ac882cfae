package domain

import (
	"fmt"
	"time"
)

// JobName identifies which handler processes a job.
type JobName string

const (
	JobNameImport JobName = "import"
	JobNameExport JobName = "export"
)

// JobNames lists every job kind the scheduler must have a handler for.
var JobNames = []JobName{
	JobNameImport,
	JobNameExport,
}

func (n JobName) String() string {
	return string(n)
}

// Valid reports whether n is one of the known job kinds.
func (n JobName) Valid() bool {
	for _, known := range JobNames {
		if n == known {
			return true
		}
	}
	return false
}

// ParseJobName converts a stored or user-supplied name into a JobName.
func ParseJobName(s string) (JobName, error) {
	n := JobName(s)
	if !n.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownJobName, s)
	}
	return n, nil
}

// Job is a unit of deferred work. Status is never stored; see DeriveStatus.
type Job struct {
	ID           string     `db:"id"`
	Name         JobName    `db:"name"`
	Payload      []byte     `db:"payload"`
	RequesterID  string     `db:"requester_id"`
	CreatedAt    time.Time  `db:"created_at"`
	StartedAt    *time.Time `db:"started_at"`
	FinishedAt   *time.Time `db:"finished_at"`
	FailedAt     *time.Time `db:"failed_at"`
	ErrorMessage *string    `db:"error_message"`
}

// Status derives the job's current state from its timestamps.
func (j Job) Status() JobStatus {
	return DeriveStatus(j)
}

// OwnedBy reports whether the job was submitted by requesterID.
func (j Job) OwnedBy(requesterID string) bool {
	return j.RequesterID == requesterID
}

// JobCursor marks a position in a (created_at DESC, id DESC) ordered listing.
type JobCursor struct {
	CreatedAt time.Time
	ID        string
}

// JobCriteria filters job lookups. Zero-valued fields do not filter.
type JobCriteria struct {
	ID          string
	Name        JobName
	RequesterID string
	Status      JobStatus
	Cursor      *JobCursor
	Limit       int
}
