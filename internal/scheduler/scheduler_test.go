package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/cuongbtq/convo-transfer/internal/metrics"
	"github.com/cuongbtq/convo-transfer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, domain.Job) error { return nil }

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *testutil.MemoryJobStore) {
	t.Helper()
	store := testutil.NewMemoryJobStore(nil)
	return New(store, cfg, testutil.DiscardLogger()), store
}

func defineAll(t *testing.T, s *Scheduler, h HandlerFunc) {
	t.Helper()
	for _, name := range domain.JobNames {
		require.NoError(t, s.Define(name, h))
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (n *recordingNotifier) NotifyJobReady(_ context.Context, job domain.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job.ID)
	return n.err
}

func TestDefine(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})

	require.NoError(t, s.Define(domain.JobNameImport, HandlerFunc(noop)))

	err := s.Define(domain.JobNameImport, HandlerFunc(noop))
	assert.ErrorIs(t, err, domain.ErrHandlerAlreadyDefined)

	err = s.Define("cleanup", HandlerFunc(noop))
	assert.ErrorIs(t, err, domain.ErrUnknownJobName)

	err = s.Define(domain.JobNameExport, nil)
	assert.Error(t, err)
}

func TestRun_RequiresEveryHandler(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	require.NoError(t, s.Define(domain.JobNameImport, HandlerFunc(noop)))

	err := s.Run(testutil.TestContext(t))
	assert.ErrorIs(t, err, domain.ErrHandlerNotDefined)
	assert.Contains(t, err.Error(), "export")
}

func TestRun_InvalidReapSchedule(t *testing.T) {
	s, _ := newTestScheduler(t, Config{ReapSchedule: "sometimes"})
	defineAll(t, s, noop)

	err := s.Run(testutil.TestContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid reap schedule")
}

func TestEnqueue(t *testing.T) {
	s, store := newTestScheduler(t, Config{})
	notifier := &recordingNotifier{}
	s.WithNotifier(notifier)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, domain.JobNameImport, []byte(`{}`), "u1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, job.Status())
	assert.Equal(t, "u1", job.RequesterID)
	assert.Equal(t, []byte(`{}`), job.Payload)
	assert.Equal(t, []string{id}, notifier.jobs)
	assert.Equal(t, 1, store.CreateCount())
}

func TestEnqueue_Errors(t *testing.T) {
	s, store := newTestScheduler(t, Config{})
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "cleanup", nil, "u1")
	assert.ErrorIs(t, err, domain.ErrUnknownJobName)

	store.CreateErr = errors.New("connection reset")
	_, err = s.Enqueue(ctx, domain.JobNameExport, nil, "u1")
	assert.ErrorIs(t, err, domain.ErrPersistence)
}

func TestEnqueue_WorkerModeRequiresDefinition(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	require.NoError(t, s.Define(domain.JobNameImport, HandlerFunc(noop)))

	_, err := s.Enqueue(context.Background(), domain.JobNameExport, nil, "u1")
	assert.ErrorIs(t, err, domain.ErrHandlerNotDefined)
}

func TestEnqueue_NotifierFailureIgnored(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	s.WithNotifier(&recordingNotifier{err: errors.New("broker down")})

	id, err := s.Enqueue(context.Background(), domain.JobNameImport, nil, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestRunOnce_Completes(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	var observed []domain.JobStatus
	defineAll(t, s, func(ctx context.Context, job domain.Job) error {
		current, err := s.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		observed = append(observed, current.Status())
		return nil
	})

	id, err := s.Enqueue(ctx, domain.JobNameImport, nil, "u1")
	require.NoError(t, err)

	processed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, job.Status())
	assert.Equal(t, []domain.JobStatus{domain.StatusRunning}, observed)
	assert.Nil(t, job.ErrorMessage)
}

func TestRunOnce_FailureIsNotRetried(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	defineAll(t, s, func(context.Context, domain.Job) error {
		calls.Add(1)
		return domain.ErrFormatUnrecognized
	})

	id, err := s.Enqueue(ctx, domain.JobNameImport, nil, "u1")
	require.NoError(t, err)

	processed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, job.Status())
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, domain.ErrFormatUnrecognized.Error(), *job.ErrorMessage)

	processed, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunOnce_PanicFailsJob(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()
	defineAll(t, s, func(context.Context, domain.Job) error {
		panic("nil map")
	})

	id, err := s.Enqueue(ctx, domain.JobNameExport, nil, "u1")
	require.NoError(t, err)

	processed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	job, _ := s.Get(ctx, id)
	assert.Equal(t, domain.StatusFailed, job.Status())
	assert.Contains(t, *job.ErrorMessage, "nil map")
}

func TestRunOnce_Timeout(t *testing.T) {
	s, _ := newTestScheduler(t, Config{JobTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	defineAll(t, s, func(context.Context, domain.Job) error {
		<-release // ignores its context
		return nil
	})

	id, err := s.Enqueue(ctx, domain.JobNameImport, nil, "u1")
	require.NoError(t, err)

	_, err = s.RunOnce(ctx)
	require.NoError(t, err)

	job, _ := s.Get(ctx, id)
	assert.Equal(t, domain.StatusFailed, job.Status())
	assert.Contains(t, *job.ErrorMessage, domain.ErrJobTimeout.Error())
}

func TestRunOnce_ContextAwareTimeout(t *testing.T) {
	s, _ := newTestScheduler(t, Config{JobTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	defineAll(t, s, func(ctx context.Context, _ domain.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})

	id, err := s.Enqueue(ctx, domain.JobNameImport, nil, "u1")
	require.NoError(t, err)
	_, err = s.RunOnce(ctx)
	require.NoError(t, err)

	job, _ := s.Get(ctx, id)
	assert.Equal(t, domain.StatusFailed, job.Status())
	assert.Contains(t, *job.ErrorMessage, domain.ErrJobTimeout.Error())
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	defineAll(t, s, noop)

	processed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

type conflictingStore struct {
	*testutil.MemoryJobStore
}

func (conflictingStore) ClaimNext(context.Context, []domain.JobName) (*domain.Job, error) {
	return nil, domain.ErrClaimConflict
}

type conflictCounter struct {
	metrics.NoopSink
	conflicts int
}

func (c *conflictCounter) ClaimConflict() { c.conflicts++ }

func TestRunOnce_ClaimConflictIsNotAnError(t *testing.T) {
	sink := &conflictCounter{}
	s := New(conflictingStore{testutil.NewMemoryJobStore(nil)}, Config{}, testutil.DiscardLogger()).
		WithMetrics(sink)
	defineAll(t, s, noop)

	processed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, 1, sink.conflicts)
}

func TestRunOnce_SingleWinnerUnderConcurrency(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	defineAll(t, s, func(context.Context, domain.Job) error {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	id, err := s.Enqueue(ctx, domain.JobNameImport, nil, "u1")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processed, err := s.RunOnce(ctx)
			if err == nil && processed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(1), calls.Load())

	job, _ := s.Get(ctx, id)
	assert.Equal(t, domain.StatusCompleted, job.Status())
}

func TestRun_ProcessesEnqueuedJobs(t *testing.T) {
	s, _ := newTestScheduler(t, Config{Concurrency: 3, PollInterval: time.Hour})

	var calls atomic.Int32
	defineAll(t, s, func(context.Context, domain.Job) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Enqueue(context.Background(), domain.JobNameImport, nil, "u1")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// The poll interval is an hour, so only wake-ups and back-to-back claims drive progress.
	assert.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := s.Get(context.Background(), id)
			if err != nil || job.Status() != domain.StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestRun_ShutdownLetsRunningJobFinish(t *testing.T) {
	s, _ := newTestScheduler(t, Config{Concurrency: 1, PollInterval: 10 * time.Millisecond})

	started := make(chan struct{})
	release := make(chan struct{})
	defineAll(t, s, func(ctx context.Context, _ domain.Job) error {
		close(started)
		<-release
		return ctx.Err()
	})

	id, err := s.Enqueue(context.Background(), domain.JobNameExport, nil, "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-started
	cancel()
	close(release)
	require.NoError(t, <-done)

	job, _ := s.Get(context.Background(), id)
	assert.Equal(t, domain.StatusCompleted, job.Status())
}

func TestReapStale(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	store := testutil.NewMemoryJobStore(clock.Now)
	s := New(store, Config{JobTimeout: 10 * time.Minute, StaleGrace: 5 * time.Minute}, testutil.DiscardLogger()).
		WithClock(clock.Now)

	oldStart := clock.Now().Add(-16 * time.Minute)
	recentStart := clock.Now().Add(-time.Minute)
	store.Put(domain.Job{ID: "stale", Name: domain.JobNameImport, CreatedAt: oldStart, StartedAt: &oldStart})
	store.Put(domain.Job{ID: "busy", Name: domain.JobNameImport, CreatedAt: recentStart, StartedAt: &recentStart})
	store.Put(domain.Job{ID: "queued", Name: domain.JobNameExport, CreatedAt: oldStart})

	n, err := s.ReapStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, _ := store.Get(context.Background(), "stale")
	assert.Equal(t, domain.StatusFailed, stale.Status())
	assert.Equal(t, domain.ErrJobAbandoned.Error(), *stale.ErrorMessage)

	busy, _ := store.Get(context.Background(), "busy")
	assert.Equal(t, domain.StatusRunning, busy.Status())
	queued, _ := store.Get(context.Background(), "queued")
	assert.Equal(t, domain.StatusScheduled, queued.Status())

	// A late finish from the dead worker cannot overwrite the reaped outcome.
	assert.ErrorIs(t, store.Finish(context.Background(), "stale"), domain.ErrJobAlreadyFinalized)
}
