package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/domain"
)

// MemoryJobStore is an in-process job store with the same claim and
// finalization guards as the PostgreSQL store.
type MemoryJobStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	clock func() time.Time

	// Creates counts successful Create calls.
	Creates int
	// CreateErr, when set, is returned by Create.
	CreateErr error
}

// NewMemoryJobStore creates an empty store using clock for timestamps.
func NewMemoryJobStore(clock func() time.Time) *MemoryJobStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryJobStore{jobs: make(map[string]*domain.Job), clock: clock}
}

func (s *MemoryJobStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	cp := *job
	s.jobs[job.ID] = &cp
	s.Creates++
	return nil
}

// Put stores job as-is, including any lifecycle timestamps.
func (s *MemoryJobStore) Put(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &job
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryJobStore) Query(_ context.Context, c domain.JobCriteria) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if c.ID != "" && j.ID != c.ID {
			continue
		}
		if c.Name != "" && j.Name != c.Name {
			continue
		}
		if c.RequesterID != "" && j.RequesterID != c.RequesterID {
			continue
		}
		if c.Status != "" && j.Status() != c.Status {
			continue
		}
		if c.Cursor != nil && !before(*j, *c.Cursor) {
			continue
		}
		out = append(out, *j)
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})

	limit := c.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func before(j domain.Job, cur domain.JobCursor) bool {
	if j.CreatedAt.Equal(cur.CreatedAt) {
		return j.ID < cur.ID
	}
	return j.CreatedAt.Before(cur.CreatedAt)
}

func (s *MemoryJobStore) ClaimNext(_ context.Context, names []domain.JobName) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.Job
	for _, j := range s.jobs {
		if j.StartedAt != nil || !containsName(names, j.Name) {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) ||
			(j.CreatedAt.Equal(next.CreatedAt) && j.ID < next.ID) {
			next = j
		}
	}
	if next == nil {
		return nil, domain.ErrNoJobAvailable
	}

	now := s.clock().UTC()
	next.StartedAt = &now
	cp := *next
	return &cp, nil
}

func containsName(names []domain.JobName, n domain.JobName) bool {
	for _, name := range names {
		if name == n {
			return true
		}
	}
	return false
}

func (s *MemoryJobStore) Finish(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.running(id)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	j.FinishedAt = &now
	return nil
}

func (s *MemoryJobStore) Fail(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.running(id)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	j.FailedAt = &now
	j.ErrorMessage = &reason
	return nil
}

func (s *MemoryJobStore) running(id string) (*domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status() != domain.StatusRunning {
		return nil, domain.ErrJobAlreadyFinalized
	}
	return j, nil
}

func (s *MemoryJobStore) FailStale(_ context.Context, startedBefore time.Time, reason string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	var ids []string
	for _, j := range s.jobs {
		if j.Status() == domain.StatusRunning && j.StartedAt.Before(startedBefore) {
			j.FailedAt = &now
			msg := reason
			j.ErrorMessage = &msg
			ids = append(ids, j.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateCount returns the number of successful Create calls.
func (s *MemoryJobStore) CreateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Creates
}
