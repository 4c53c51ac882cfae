package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/cuongbtq/convo-transfer/internal/metrics"
	"github.com/robfig/cron/v3"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepSchedule = "@every 1m"

	deleteTimeout = 10 * time.Second

	filePrefix = "export-"
	fileSuffix = ".json"
	tempPrefix = ".export-"
	tempSuffix = ".tmp"
)

// Config controls where artifacts live and how long they are kept.
type Config struct {
	Dir           string
	TTL           time.Duration
	SweepSchedule string
}

// Manager is the only component that creates or deletes artifact files.
//
// Expiry is enforced three ways: an in-process timer per artifact, a cron
// sweep of expired rows, and Recover at startup. All paths go through
// Store.MarkDeleted first so each file sees exactly one deletion attempt.
type Manager struct {
	cfg     Config
	store   Store
	logger  *slog.Logger
	metrics metrics.Sink
	clock   func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	cron   *cron.Cron
}

// NewManager creates the staging directory if needed.
func NewManager(cfg Config, store Store, logger *slog.Logger) (*Manager, error) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "convo-exports")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	return &Manager{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		metrics: metrics.NewNoopSink(),
		clock:   time.Now,
		timers:  make(map[string]*time.Timer),
	}, nil
}

// WithMetrics sets the metrics sink.
func (m *Manager) WithMetrics(sink metrics.Sink) *Manager {
	m.metrics = sink
	return m
}

// WithClock overrides the time source used for expiry decisions.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// TTL returns the configured retention.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// PathFor returns where the artifact for jobID is written.
func (m *Manager) PathFor(jobID string) string {
	return filepath.Join(m.cfg.Dir, filePrefix+jobID+fileSuffix)
}

// Stage records the artifact with its expiry, then writes content for jobID
// and arms the expiry timer. The row comes first so a crash at any point
// leaves a record for Recover or Sweep to delete.
func (m *Manager) Stage(ctx context.Context, jobID string, content []byte) (*Artifact, error) {
	now := m.clock().UTC()
	a := Artifact{
		JobID:     jobID,
		Path:      m.PathFor(jobID),
		Size:      int64(len(content)),
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	if err := m.store.Insert(ctx, a); err != nil {
		return nil, err
	}

	if err := writeFileAtomic(m.cfg.Dir, a.Path, content); err != nil {
		// Spend the single deletion attempt now so the row never serves a file.
		m.remove(context.WithoutCancel(ctx), a)
		return nil, err
	}

	m.metrics.ArtifactStaged(a.Size)
	m.schedule(a)

	m.logger.Info("Artifact staged",
		slog.String("job_id", jobID),
		slog.Int64("size", a.Size),
		slog.Time("expires_at", a.ExpiresAt),
	)
	return &a, nil
}

// Get returns the artifact record for jobID.
func (m *Manager) Get(ctx context.Context, jobID string) (*Artifact, error) {
	return m.store.Get(ctx, jobID)
}

// Open returns the staged file for reading. Past expiry, or once deletion
// was attempted, it returns domain.ErrArtifactExpired.
func (m *Manager) Open(ctx context.Context, jobID string) (*os.File, *Artifact, error) {
	a, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if !a.Available(m.clock()) {
		return nil, a, domain.ErrArtifactExpired
	}

	f, err := os.Open(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, a, domain.ErrArtifactExpired
		}
		return nil, a, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, a, nil
}

// Recover deletes artifacts that expired while no process was running and
// re-arms timers for the rest.
func (m *Manager) Recover(ctx context.Context) error {
	pending, err := m.store.ListPending(ctx)
	if err != nil {
		return err
	}

	now := m.clock()
	expired, armed := 0, 0
	for _, a := range pending {
		if a.Expired(now) {
			m.remove(ctx, a)
			expired++
			continue
		}
		m.schedule(a)
		armed++
	}

	orphans, err := m.removeOrphans(ctx)
	if err != nil {
		m.logger.Warn("Failed to scan artifact dir for orphans", slog.Any("error", err))
	}

	m.logger.Info("Artifact expiry recovered",
		slog.Int("expired", expired),
		slog.Int("armed", armed),
		slog.Int("orphans", orphans),
	)
	return nil
}

// removeOrphans deletes files in the artifact dir that no record accounts
// for: temp files from an interrupted write and export files without a row.
// Files younger than one TTL are left alone since another worker may still
// be writing them.
func (m *Manager) removeOrphans(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read artifact dir: %w", err)
	}

	cutoff := m.clock().Add(-m.cfg.TTL)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()

		switch {
		case strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix):
		case strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix):
			jobID := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
			if _, err := m.store.Get(ctx, jobID); !errors.Is(err, domain.ErrArtifactNotFound) {
				continue
			}
		default:
			continue
		}

		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.cfg.Dir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("Failed to remove orphaned artifact file",
				slog.String("path", path),
				slog.Any("error", err),
			)
			continue
		}
		m.metrics.ArtifactDeleted(metrics.DeleteRemoved)
		m.logger.Info("Orphaned artifact file removed", slog.String("path", path))
		removed++
	}
	return removed, nil
}

// Sweep deletes every expired artifact that has not been attempted yet and
// returns how many it handled.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpired(ctx, m.clock())
	if err != nil {
		return 0, err
	}
	for _, a := range expired {
		m.remove(ctx, a)
	}
	if len(expired) > 0 {
		m.logger.Debug("Artifact sweep completed", slog.Int("deleted", len(expired)))
	}
	return len(expired), nil
}

// StartSweeper runs Sweep on the configured cron schedule until Close.
func (m *Manager) StartSweeper() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(m.cfg.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.Error("Artifact sweep failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule artifact sweep: %w", err)
	}
	c.Start()
	m.cron = c

	m.logger.Info("Artifact sweeper started", slog.String("schedule", m.cfg.SweepSchedule))
	return nil
}

// Close stops the sweeper and all pending timers. Files are left for the
// next Recover.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

func (m *Manager) schedule(a Artifact) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if t, ok := m.timers[a.JobID]; ok {
		t.Stop()
	}

	delay := a.ExpiresAt.Sub(m.clock())
	if delay < 0 {
		delay = 0
	}
	m.timers[a.JobID] = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		defer cancel()
		m.remove(ctx, a)
	})
}

// remove performs the single deletion attempt for a. Errors are logged and
// recorded on the row, never returned.
func (m *Manager) remove(ctx context.Context, a Artifact) {
	m.mu.Lock()
	if t, ok := m.timers[a.JobID]; ok {
		t.Stop()
		delete(m.timers, a.JobID)
	}
	m.mu.Unlock()

	claimed, err := m.store.MarkDeleted(ctx, a.JobID, m.clock())
	if err != nil {
		m.logger.Error("Failed to claim artifact deletion",
			slog.String("job_id", a.JobID),
			slog.Any("error", err),
		)
		return
	}
	if !claimed {
		return
	}

	err = os.Remove(a.Path)
	switch {
	case err == nil:
		m.metrics.ArtifactDeleted(metrics.DeleteRemoved)
		m.logger.Info("Artifact deleted", slog.String("job_id", a.JobID))
	case errors.Is(err, fs.ErrNotExist):
		m.metrics.ArtifactDeleted(metrics.DeleteMissing)
		m.logger.Debug("Artifact already gone", slog.String("job_id", a.JobID))
	default:
		m.metrics.ArtifactDeleted(metrics.DeleteError)
		m.logger.Error("Failed to delete artifact",
			slog.String("job_id", a.JobID),
			slog.String("path", a.Path),
			slog.Any("error", err),
		)
		if recErr := m.store.RecordDeleteError(ctx, a.JobID, err.Error()); recErr != nil {
			m.logger.Error("Failed to record artifact delete error",
				slog.String("job_id", a.JobID),
				slog.Any("error", recErr),
			)
		}
	}
}

// writeFileAtomic writes to a temp file in dir and renames it over path so
// readers never observe a partial artifact.
func writeFileAtomic(dir, path string, content []byte) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set artifact permissions: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}
