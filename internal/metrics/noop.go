package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) JobEnqueued(name string)                                  {}
func (n *NoopSink) JobStarted(name string)                                   {}
func (n *NoopSink) JobFinished(name, outcome string, duration time.Duration) {}
func (n *NoopSink) ClaimConflict()                                           {}
func (n *NoopSink) JobsReaped(count int)                                     {}
func (n *NoopSink) WorkersBusyIncr()                                         {}
func (n *NoopSink) WorkersBusyDecr()                                         {}
func (n *NoopSink) RateLimitDecision(scope string, allowed bool)             {}
func (n *NoopSink) RateLimitBackendError(scope string)                       {}
func (n *NoopSink) ArtifactStaged(sizeBytes int64)                           {}
func (n *NoopSink) ArtifactDeleted(outcome string)                           {}
