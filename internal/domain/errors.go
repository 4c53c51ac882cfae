package domain

import "errors"

var (
	// ErrRateLimitExceeded is returned when a submission is rejected by a limiter
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrFormatUnrecognized is returned when an import payload matches no importer
	ErrFormatUnrecognized = errors.New("import format not recognized")

	// ErrPersistence wraps storage failures during import or export
	ErrPersistence = errors.New("persistence failure")

	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobUnauthorized is returned when the caller does not own the job
	ErrJobUnauthorized = errors.New("job belongs to another requester")

	// ErrArtifactStaging is returned when an export artifact could not be written
	ErrArtifactStaging = errors.New("export artifact staging failed")

	// ErrClaimConflict is returned when another worker already claimed the job
	ErrClaimConflict = errors.New("job already claimed")

	// ErrNoJobAvailable is returned when no scheduled job is waiting to be claimed
	ErrNoJobAvailable = errors.New("no job available")

	// ErrJobAlreadyFinalized is returned when finishing or failing a job that already reached a terminal state
	ErrJobAlreadyFinalized = errors.New("job already finalized")

	// ErrJobTimeout is recorded when a handler exceeds the configured job timeout
	ErrJobTimeout = errors.New("job timed out")

	// ErrJobAbandoned is recorded when a running job outlived its worker
	ErrJobAbandoned = errors.New("job abandoned by worker")

	ErrUnknownJobName        = errors.New("unknown job name")
	ErrHandlerAlreadyDefined = errors.New("handler already defined")
	ErrHandlerNotDefined     = errors.New("handler not defined")

	ErrArtifactExists   = errors.New("artifact already staged for job")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrArtifactExpired  = errors.New("artifact expired")
)
