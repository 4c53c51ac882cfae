package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/cuongbtq/convo-transfer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for manager tests.
type memStore struct {
	mu           sync.Mutex
	rows         map[string]*Artifact
	markAttempts map[string]int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*Artifact), markAttempts: make(map[string]int)}
}

func (s *memStore) Insert(_ context.Context, a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[a.JobID]; ok {
		return domain.ErrArtifactExists
	}
	s.rows[a.JobID] = &a
	return nil
}

func (s *memStore) Get(_ context.Context, jobID string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[jobID]
	if !ok {
		return nil, domain.ErrArtifactNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) ListPending(_ context.Context) ([]Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Artifact
	for _, a := range s.rows {
		if a.DeletedAt == nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *memStore) ListExpired(_ context.Context, now time.Time) ([]Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Artifact
	for _, a := range s.rows {
		if a.DeletedAt == nil && !a.ExpiresAt.After(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *memStore) MarkDeleted(_ context.Context, jobID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markAttempts[jobID]++
	a, ok := s.rows[jobID]
	if !ok || a.DeletedAt != nil {
		return false, nil
	}
	a.DeletedAt = &at
	return true, nil
}

func (s *memStore) RecordDeleteError(_ context.Context, jobID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.rows[jobID]; ok {
		a.DeleteError = &reason
	}
	return nil
}

func (s *memStore) row(jobID string) Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[jobID]
}

var stagedAt = time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *memStore, *testutil.FakeClock) {
	t.Helper()
	store := newMemStore()
	clock := testutil.NewFakeClock(stagedAt)
	m, err := NewManager(Config{Dir: t.TempDir(), TTL: ttl}, store, testutil.DiscardLogger())
	require.NoError(t, err)
	m.WithClock(clock.Now)
	t.Cleanup(m.Close)
	return m, store, clock
}

func TestNewManager_InvalidSchedule(t *testing.T) {
	_, err := NewManager(Config{Dir: t.TempDir(), SweepSchedule: "every minute"}, newMemStore(), testutil.DiscardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sweep schedule")
}

func TestManager_StageAndOpen(t *testing.T) {
	m, store, _ := newTestManager(t, 5*time.Minute)
	ctx := context.Background()

	a, err := m.Stage(ctx, "job-1", []byte(`{"conversations":[]}`))
	require.NoError(t, err)
	assert.Equal(t, m.PathFor("job-1"), a.Path)
	assert.Equal(t, "export-job-1.json", filepath.Base(a.Path))
	assert.Equal(t, stagedAt.Add(5*time.Minute), a.ExpiresAt)
	assert.Equal(t, int64(20), a.Size)

	info, err := os.Stat(a.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	f, got, err := m.Open(ctx, "job-1")
	require.NoError(t, err)
	defer f.Close()
	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, `{"conversations":[]}`, string(content))
	assert.Equal(t, a.ExpiresAt, got.ExpiresAt)

	assert.Nil(t, store.row("job-1").DeletedAt)

	entries, err := os.ReadDir(filepath.Dir(a.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestManager_StageTwiceRejected(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	_, err := m.Stage(ctx, "job-1", []byte("a"))
	require.NoError(t, err)

	_, err = m.Stage(ctx, "job-1", []byte("b"))
	assert.ErrorIs(t, err, domain.ErrArtifactExists)

	f, _, err := m.Open(ctx, "job-1")
	require.NoError(t, err)
	defer f.Close()
	content, _ := io.ReadAll(f)
	assert.Equal(t, "a", string(content), "first artifact is untouched")
}

func TestManager_OpenAfterExpiry(t *testing.T) {
	m, _, clock := newTestManager(t, 5*time.Minute)
	ctx := context.Background()

	_, err := m.Stage(ctx, "job-1", []byte("data"))
	require.NoError(t, err)

	clock.Advance(5*time.Minute - time.Second)
	f, _, err := m.Open(ctx, "job-1")
	require.NoError(t, err)
	f.Close()

	clock.Advance(time.Second)
	_, _, err = m.Open(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrArtifactExpired)
}

func TestManager_OpenUnknown(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)

	_, _, err := m.Open(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrArtifactNotFound)
}

func TestManager_SweepDeletesOnce(t *testing.T) {
	m, store, clock := newTestManager(t, 5*time.Minute)
	ctx := context.Background()

	a, err := m.Stage(ctx, "job-1", []byte("data"))
	require.NoError(t, err)
	_, err = m.Stage(ctx, "job-2", []byte("data"))
	require.NoError(t, err)

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing expired yet")

	clock.Advance(5 * time.Minute)
	n, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(a.Path)
	assert.True(t, os.IsNotExist(err))
	assert.NotNil(t, store.row("job-1").DeletedAt)
	assert.Nil(t, store.row("job-1").DeleteError)

	n, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, store.markAttempts["job-1"])
}

func TestManager_RecoverAfterRestart(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	clock := testutil.NewFakeClock(stagedAt)

	first, err := NewManager(Config{Dir: dir, TTL: 5 * time.Minute}, store, testutil.DiscardLogger())
	require.NoError(t, err)
	first.WithClock(clock.Now)

	old, err := first.Stage(context.Background(), "old", []byte("old"))
	require.NoError(t, err)
	clock.Advance(3 * time.Minute)
	fresh, err := first.Stage(context.Background(), "fresh", []byte("fresh"))
	require.NoError(t, err)
	first.Close()

	// Restart after the first artifact expired but before the second did.
	clock.Advance(3 * time.Minute)
	second, err := NewManager(Config{Dir: dir, TTL: 5 * time.Minute}, store, testutil.DiscardLogger())
	require.NoError(t, err)
	second.WithClock(clock.Now)
	defer second.Close()

	require.NoError(t, second.Recover(context.Background()))

	_, err = os.Stat(old.Path)
	assert.True(t, os.IsNotExist(err), "expired artifact deleted at startup")
	assert.NotNil(t, store.row("old").DeletedAt)

	_, err = os.Stat(fresh.Path)
	assert.NoError(t, err, "unexpired artifact kept")
	second.mu.Lock()
	_, armed := second.timers["fresh"]
	second.mu.Unlock()
	assert.True(t, armed)
}

func TestManager_TimerDeletesAtExpiry(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(Config{Dir: t.TempDir(), TTL: 50 * time.Millisecond}, store, testutil.DiscardLogger())
	require.NoError(t, err)
	defer m.Close()

	a, err := m.Stage(context.Background(), "job-1", []byte("data"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(a.Path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return store.row("job-1").DeletedAt != nil
	}, time.Second, 10*time.Millisecond)
}

func TestManager_MissingFileCountsAsDeleted(t *testing.T) {
	m, store, clock := newTestManager(t, time.Minute)
	ctx := context.Background()

	a, err := m.Stage(ctx, "job-1", []byte("data"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(a.Path))

	clock.Advance(time.Minute)
	_, err = m.Sweep(ctx)
	require.NoError(t, err)

	row := store.row("job-1")
	assert.NotNil(t, row.DeletedAt)
	assert.Nil(t, row.DeleteError)
}

func TestManager_DeleteErrorRecorded(t *testing.T) {
	m, store, clock := newTestManager(t, time.Minute)
	ctx := context.Background()

	// A non-empty directory at the artifact path cannot be removed.
	path := filepath.Join(m.cfg.Dir, "stuck")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0o700))
	require.NoError(t, store.Insert(ctx, Artifact{
		JobID:     "stuck",
		Path:      path,
		CreatedAt: stagedAt,
		ExpiresAt: stagedAt.Add(time.Minute),
	}))

	clock.Advance(time.Minute)
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row := store.row("stuck")
	assert.NotNil(t, row.DeletedAt)
	require.NotNil(t, row.DeleteError)

	n, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "deletion is attempted only once")
}

func TestManager_StartSweeperIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t, time.Minute)

	require.NoError(t, m.StartSweeper())
	require.NoError(t, m.StartSweeper())
	m.Close()
	assert.Nil(t, m.cron)
}

// crashAfterInsert records the row and then dies, like a process killed
// between recording an artifact and writing its file.
type crashAfterInsert struct {
	*memStore
}

func (s crashAfterInsert) Insert(ctx context.Context, a Artifact) error {
	if err := s.memStore.Insert(ctx, a); err != nil {
		return err
	}
	panic("process killed")
}

func TestManager_CrashDuringStageIsRecovered(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	clock := testutil.NewFakeClock(stagedAt)

	crashing, err := NewManager(Config{Dir: dir, TTL: 5 * time.Minute}, crashAfterInsert{store}, testutil.DiscardLogger())
	require.NoError(t, err)
	crashing.WithClock(clock.Now)

	assert.Panics(t, func() {
		_, _ = crashing.Stage(context.Background(), "job-1", []byte("data"))
	})
	row := store.row("job-1")
	assert.Equal(t, stagedAt.Add(5*time.Minute), row.ExpiresAt, "expiry recorded before the file")

	clock.Advance(time.Hour)
	restarted, err := NewManager(Config{Dir: dir, TTL: 5 * time.Minute}, store, testutil.DiscardLogger())
	require.NoError(t, err)
	restarted.WithClock(clock.Now)
	defer restarted.Close()

	require.NoError(t, restarted.Recover(context.Background()))
	assert.NotNil(t, store.row("job-1").DeletedAt)
	assert.Nil(t, store.row("job-1").DeleteError)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_RecoverRemovesOrphanedFiles(t *testing.T) {
	m, store, clock := newTestManager(t, 5*time.Minute)
	ctx := context.Background()

	_, err := m.Stage(ctx, "kept", []byte("data"))
	require.NoError(t, err)

	write := func(name string, modTime time.Time) string {
		path := filepath.Join(m.cfg.Dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
		require.NoError(t, os.Chtimes(path, modTime, modTime))
		return path
	}
	clock.Advance(time.Hour)
	stale := clock.Now().Add(-time.Hour)

	staleTemp := write(".export-123.tmp", stale)
	unrecorded := write("export-ghost.json", stale)
	freshTemp := write(".export-456.tmp", clock.Now())
	unrelated := write("notes.txt", stale)

	require.NoError(t, m.Recover(ctx))

	for _, gone := range []string{staleTemp, unrecorded} {
		_, err := os.Stat(gone)
		assert.True(t, os.IsNotExist(err), "%s removed", filepath.Base(gone))
	}
	for _, kept := range []string{freshTemp, unrelated} {
		_, err := os.Stat(kept)
		assert.NoError(t, err, "%s kept", filepath.Base(kept))
	}
	assert.NotNil(t, store.row("kept").DeletedAt, "recorded artifact goes through its row")
}

func TestManager_StageWriteFailureSpendsDeletion(t *testing.T) {
	m, store, _ := newTestManager(t, 5*time.Minute)

	// A regular file where the directory should be makes every write fail.
	require.NoError(t, os.RemoveAll(m.cfg.Dir))
	require.NoError(t, os.WriteFile(m.cfg.Dir, nil, 0o600))

	_, err := m.Stage(context.Background(), "job-1", []byte("data"))
	require.Error(t, err)

	row := store.row("job-1")
	assert.NotNil(t, row.DeletedAt)
	_, _, err = m.Open(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrArtifactExpired)
}

func TestManager_ConcurrentStageKeepsWinner(t *testing.T) {
	m, _, _ := newTestManager(t, 5*time.Minute)
	ctx := context.Background()

	const stagers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		rejected int
	)
	for i := 0; i < stagers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := string(rune('a' + i))
			_, err := m.Stage(ctx, "job-1", []byte(content))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, content)
				return
			}
			if errors.Is(err, domain.ErrArtifactExists) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, stagers-1, rejected)

	f, _, err := m.Open(ctx, "job-1")
	require.NoError(t, err)
	defer f.Close()
	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, winners[0], string(content))
}
