// Package scheduler runs persisted jobs through registered handlers.
//
// A job is claimed by exactly one worker via the store's atomic claim,
// executed once under a timeout, and finalized as completed or failed.
// Failed jobs are never retried.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/cuongbtq/convo-transfer/internal/metrics"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Store is the job persistence the scheduler drives.
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	Query(ctx context.Context, c domain.JobCriteria) ([]domain.Job, error)
	ClaimNext(ctx context.Context, names []domain.JobName) (*domain.Job, error)
	Finish(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, reason string) error
	FailStale(ctx context.Context, startedBefore time.Time, reason string) ([]string, error)
}

// Handler executes one job. A nil return completes the job; any error fails it.
type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) error {
	return f(ctx, job)
}

// Notifier tells worker processes that a job is ready.
type Notifier interface {
	NotifyJobReady(ctx context.Context, job domain.Job) error
}

// Config controls worker behaviour.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
	// StaleGrace is added to JobTimeout before a running job counts as abandoned.
	StaleGrace time.Duration
	// ReapSchedule is a cron expression for the stale job reaper; empty disables it.
	ReapSchedule string
}

const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 5 * time.Second
	DefaultJobTimeout   = 10 * time.Minute
	DefaultStaleGrace   = 5 * time.Minute

	finalizeTimeout = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.StaleGrace <= 0 {
		c.StaleGrace = DefaultStaleGrace
	}
}

// Scheduler owns job definitions and the worker pool.
type Scheduler struct {
	cfg      Config
	store    Store
	logger   *slog.Logger
	metrics  metrics.Sink
	notifier Notifier
	clock    func() time.Time
	newID    func() string

	mu       sync.RWMutex
	handlers map[domain.JobName]Handler

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler. API processes use it without defining handlers.
func New(store Store, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		metrics:  metrics.NewNoopSink(),
		clock:    time.Now,
		newID:    uuid.NewString,
		handlers: make(map[domain.JobName]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// WithMetrics sets the metrics sink.
func (s *Scheduler) WithMetrics(sink metrics.Sink) *Scheduler {
	s.metrics = sink
	return s
}

// WithNotifier sets where enqueue wake-ups are published.
func (s *Scheduler) WithNotifier(n Notifier) *Scheduler {
	s.notifier = n
	return s
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Define registers the handler for name. Each name may be defined once.
func (s *Scheduler) Define(name domain.JobName, h Handler) error {
	if !name.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownJobName, name)
	}
	if h == nil {
		return fmt.Errorf("nil handler for job %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[name]; exists {
		return fmt.Errorf("%w: %q", domain.ErrHandlerAlreadyDefined, name)
	}
	s.handlers[name] = h
	return nil
}

func (s *Scheduler) handler(name domain.JobName) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[name]
	return h, ok
}

// Enqueue persists a new scheduled job and returns its id.
func (s *Scheduler) Enqueue(ctx context.Context, name domain.JobName, payload []byte, requesterID string) (string, error) {
	if !name.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownJobName, name)
	}

	s.mu.RLock()
	defined := len(s.handlers)
	_, ok := s.handlers[name]
	s.mu.RUnlock()
	if defined > 0 && !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrHandlerNotDefined, name)
	}

	if payload == nil {
		payload = []byte{}
	}

	job := &domain.Job{
		ID:          s.newID(),
		Name:        name,
		Payload:     payload,
		RequesterID: requesterID,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	s.metrics.JobEnqueued(name.String())
	s.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_name", name.String()),
		slog.String("requester_id", requesterID),
	)

	s.Notify()
	if s.notifier != nil {
		if err := s.notifier.NotifyJobReady(ctx, *job); err != nil {
			s.logger.Warn("Failed to publish job notification",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}
	return job.ID, nil
}

// Get returns one job.
func (s *Scheduler) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.Get(ctx, id)
}

// Query lists jobs matching c.
func (s *Scheduler) Query(ctx context.Context, c domain.JobCriteria) ([]domain.Job, error) {
	return s.store.Query(ctx, c)
}

// Notify wakes one idle worker. It never blocks.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run executes jobs until ctx is cancelled, then waits for in-flight jobs.
// It fails immediately if any job name lacks a handler.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, name := range domain.JobNames {
		if _, ok := s.handler(name); !ok {
			return fmt.Errorf("%w: %q", domain.ErrHandlerNotDefined, name)
		}
	}

	var reaper *cron.Cron
	if s.cfg.ReapSchedule != "" {
		reaper = cron.New()
		_, err := reaper.AddFunc(s.cfg.ReapSchedule, func() {
			if _, err := s.ReapStale(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Stale job reap failed", slog.Any("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid reap schedule %q: %w", s.cfg.ReapSchedule, err)
		}
		reaper.Start()
	}

	s.logger.Info("Scheduler started",
		slog.Int("concurrency", s.cfg.Concurrency),
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Duration("job_timeout", s.cfg.JobTimeout),
	)

	s.spawnWorkerPool(ctx)
	<-ctx.Done()

	s.logger.Info("Scheduler stopping, waiting for in-flight jobs")
	if reaper != nil {
		<-reaper.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
	return nil
}

// spawnWorkerPool spawns Concurrency worker goroutines
func (s *Scheduler) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}
}

// workerLoop claims and runs jobs back to back, idling between the poll
// interval and wake-ups when the queue is empty.
func (s *Scheduler) workerLoop(ctx context.Context, workerNum int) {
	defer s.wg.Done()

	s.logger.Debug("Worker goroutine started", slog.Int("worker_num", workerNum))

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("Failed to claim job",
				slog.Int("worker_num", workerNum),
				slog.Any("error", err),
			)
		}
		if processed {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.PollInterval)

		select {
		case <-ctx.Done():
			s.logger.Debug("Worker goroutine stopping - context canceled", slog.Int("worker_num", workerNum))
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// RunOnce claims at most one due job and executes it. It reports whether a
// job was processed.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.store.ClaimNext(ctx, domain.JobNames)
	switch {
	case errors.Is(err, domain.ErrNoJobAvailable):
		return false, nil
	case errors.Is(err, domain.ErrClaimConflict):
		s.metrics.ClaimConflict()
		return false, nil
	case err != nil:
		return false, err
	}

	s.execute(ctx, *job)
	return true, nil
}

// execute runs the handler for a claimed job and records the outcome.
// Shutdown does not interrupt a running job; only JobTimeout does.
func (s *Scheduler) execute(parent context.Context, job domain.Job) {
	logger := s.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name.String()),
	)

	s.metrics.JobStarted(job.Name.String())
	s.metrics.WorkersBusyIncr()
	defer s.metrics.WorkersBusyDecr()

	start := s.clock()
	logger.Info("Job started")

	h, ok := s.handler(job.Name)
	var err error
	if !ok {
		err = fmt.Errorf("%w: %q", domain.ErrHandlerNotDefined, job.Name)
	} else {
		err = s.invoke(context.WithoutCancel(parent), h, job)
	}
	elapsed := s.clock().Sub(start)

	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalizeTimeout)
	defer cancel()

	outcome := metrics.OutcomeCompleted
	var finalizeErr error
	if err == nil {
		finalizeErr = s.store.Finish(finalizeCtx, job.ID)
		logger.Info("Job completed", slog.Duration("duration", elapsed))
	} else {
		outcome = outcomeFor(err)
		finalizeErr = s.store.Fail(finalizeCtx, job.ID, err.Error())
		logger.Warn("Job failed",
			slog.Duration("duration", elapsed),
			slog.Any("error", err),
		)
	}
	s.metrics.JobFinished(job.Name.String(), outcome, elapsed)

	if finalizeErr != nil {
		if errors.Is(finalizeErr, domain.ErrJobAlreadyFinalized) {
			logger.Warn("Job outcome discarded - already finalized")
			return
		}
		logger.Error("Failed to record job outcome", slog.Any("error", finalizeErr))
	}
}

// invoke calls h under JobTimeout. A handler that ignores its context is
// abandoned when the timeout fires; its eventual result is dropped.
func (s *Scheduler) invoke(ctx context.Context, h Handler, job domain.Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", errHandlerPanic, r)
			}
		}()
		done <- h.Handle(ctx, job)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %w", domain.ErrJobTimeout, s.cfg.JobTimeout, err)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", domain.ErrJobTimeout, s.cfg.JobTimeout)
	}
}

var errHandlerPanic = errors.New("handler panicked")

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrJobTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, errHandlerPanic):
		return metrics.OutcomePanic
	default:
		return metrics.OutcomeFailed
	}
}

// ReapStale fails running jobs that outlived JobTimeout by more than
// StaleGrace, which only happens when a worker died mid-job.
func (s *Scheduler) ReapStale(ctx context.Context) (int, error) {
	cutoff := s.clock().Add(-(s.cfg.JobTimeout + s.cfg.StaleGrace))

	ids, err := s.store.FailStale(ctx, cutoff, domain.ErrJobAbandoned.Error())
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		s.metrics.JobsReaped(len(ids))
		s.logger.Warn("Abandoned jobs failed",
			slog.Int("count", len(ids)),
			slog.Any("job_ids", ids),
		)
	}
	return len(ids), nil
}
