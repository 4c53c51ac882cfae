// Package metrics records scheduler, rate limiter and artifact activity.
package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler metrics
	JobEnqueued(name string)
	JobStarted(name string)
	JobFinished(name string, outcome string, duration time.Duration)
	ClaimConflict()
	JobsReaped(count int)
	WorkersBusyIncr()
	WorkersBusyDecr()

	// Rate limiter metrics
	RateLimitDecision(scope string, allowed bool)
	RateLimitBackendError(scope string)

	// Artifact metrics
	ArtifactStaged(sizeBytes int64)
	ArtifactDeleted(outcome string)
}

// Outcome constants for JobFinished.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomePanic     = "panic"
)

// Outcome constants for ArtifactDeleted.
const (
	DeleteRemoved = "removed"
	DeleteMissing = "missing"
	DeleteError   = "error"
)
