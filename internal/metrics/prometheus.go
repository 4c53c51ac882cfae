package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "convo_transfer"

// PrometheusSink implements Sink using Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *slog.Logger

	// Scheduler metrics
	jobsEnqueuedTotal  *prometheus.CounterVec
	jobsStartedTotal   *prometheus.CounterVec
	jobsFinishedTotal  *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	claimConflictTotal prometheus.Counter
	jobsReapedTotal    prometheus.Counter
	workersBusy        prometheus.Gauge

	// Rate limiter metrics
	rateLimitDecisionsTotal *prometheus.CounterVec
	rateLimitErrorsTotal    *prometheus.CounterVec

	// Artifact metrics
	artifactsStagedTotal  prometheus.Counter
	artifactBytes         prometheus.Histogram
	artifactDeletionTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
func NewPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	s := &PrometheusSink{logger: logger}
	s.initSchedulerMetrics(reg)
	s.initRateLimitMetrics(reg)
	s.initArtifactMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.jobsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Total number of jobs accepted for execution.",
	}, []string{"job"})
	s.jobsStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_started_total",
		Help:      "Total number of jobs claimed by a worker.",
	}, []string{"job"})
	s.jobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Total number of jobs that reached a terminal state.",
	}, []string{"job", "outcome"})
	s.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"job"})
	s.claimConflictTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_claim_conflicts_total",
		Help:      "Total number of claims lost to another worker.",
	})
	s.jobsReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_reaped_total",
		Help:      "Total number of abandoned running jobs forced to failed.",
	})
	s.workersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_busy",
		Help:      "Number of workers currently executing a job.",
	})

	s.register(reg, s.jobsEnqueuedTotal, "jobs_enqueued_total")
	s.register(reg, s.jobsStartedTotal, "jobs_started_total")
	s.register(reg, s.jobsFinishedTotal, "jobs_finished_total")
	s.register(reg, s.jobDuration, "job_duration_seconds")
	s.register(reg, s.claimConflictTotal, "job_claim_conflicts_total")
	s.register(reg, s.jobsReapedTotal, "jobs_reaped_total")
	s.register(reg, s.workersBusy, "workers_busy")
}

func (s *PrometheusSink) initRateLimitMetrics(reg prometheus.Registerer) {
	s.rateLimitDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_decisions_total",
		Help:      "Total number of rate limit decisions.",
	}, []string{"scope", "allowed"})
	s.rateLimitErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_backend_errors_total",
		Help:      "Total number of limiter backend errors (request admitted).",
	}, []string{"scope"})

	s.register(reg, s.rateLimitDecisionsTotal, "rate_limit_decisions_total")
	s.register(reg, s.rateLimitErrorsTotal, "rate_limit_backend_errors_total")
}

func (s *PrometheusSink) initArtifactMetrics(reg prometheus.Registerer) {
	s.artifactsStagedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artifacts_staged_total",
		Help:      "Total number of export artifacts written.",
	})
	s.artifactBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "artifact_size_bytes",
		Help:      "Size of staged export artifacts.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	})
	s.artifactDeletionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artifact_deletions_total",
		Help:      "Total number of artifact deletion attempts by outcome.",
	}, []string{"outcome"})

	s.register(reg, s.artifactsStagedTotal, "artifacts_staged_total")
	s.register(reg, s.artifactBytes, "artifact_size_bytes")
	s.register(reg, s.artifactDeletionTotal, "artifact_deletions_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("Failed to register metric",
			slog.String("metric", name),
			slog.Any("error", err),
		)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) JobEnqueued(name string) {
	s.jobsEnqueuedTotal.WithLabelValues(name).Inc()
}

func (s *PrometheusSink) JobStarted(name string) {
	s.jobsStartedTotal.WithLabelValues(name).Inc()
}

func (s *PrometheusSink) JobFinished(name, outcome string, duration time.Duration) {
	s.jobsFinishedTotal.WithLabelValues(name, outcome).Inc()
	s.jobDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func (s *PrometheusSink) ClaimConflict() {
	s.claimConflictTotal.Inc()
}

func (s *PrometheusSink) JobsReaped(count int) {
	s.jobsReapedTotal.Add(float64(count))
}

func (s *PrometheusSink) WorkersBusyIncr() {
	s.workersBusy.Inc()
}

func (s *PrometheusSink) WorkersBusyDecr() {
	s.workersBusy.Dec()
}

// Rate limiter metrics implementation

func (s *PrometheusSink) RateLimitDecision(scope string, allowed bool) {
	s.rateLimitDecisionsTotal.WithLabelValues(scope, strconv.FormatBool(allowed)).Inc()
}

func (s *PrometheusSink) RateLimitBackendError(scope string) {
	s.rateLimitErrorsTotal.WithLabelValues(scope).Inc()
}

// Artifact metrics implementation

func (s *PrometheusSink) ArtifactStaged(sizeBytes int64) {
	s.artifactsStagedTotal.Inc()
	s.artifactBytes.Observe(float64(sizeBytes))
}

func (s *PrometheusSink) ArtifactDeleted(outcome string) {
	s.artifactDeletionTotal.WithLabelValues(outcome).Inc()
}
