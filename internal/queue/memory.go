package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory. Records are copied on the
// way in and out, so callers never alias stored state.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*models.Job
	now    func() time.Time
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*models.Job), now: time.Now}
}

// SetClock replaces the time source used for eligibility and updated_at.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Insert(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("insert job %s: duplicate id", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, patch models.Patch) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	s.apply(job, patch)
	return job.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, id uuid.UUID, from []models.Status, patch models.Patch) (*models.Job, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("transition of %s: no source status given", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	if !statusIn(job.Status, from) {
		return nil, invalidTransition(id, job.Status, from)
	}
	s.apply(job, patch)
	return job.Clone(), nil
}

func (s *MemoryStore) apply(job *models.Job, patch models.Patch) {
	if patch.Error != nil {
		msg := summarizeError(*patch.Error)
		patch.Error = &msg
	}
	patch.Apply(job, s.now())
}

func (s *MemoryStore) QueryEligible(_ context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*models.Job
	for _, job := range s.jobs {
		if job.Eligible(now) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return cloneAll(out), nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*models.Job, error) {
	opts = opts.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if opts.Status != "" && job.Status != opts.Status {
			continue
		}
		if opts.JobType != "" && job.JobType != opts.JobType {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) > 0
	})
	if opts.Offset >= len(out) {
		return []*models.Job{}, nil
	}
	out = out[opts.Offset:]
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return cloneAll(out), nil
}

func (s *MemoryStore) CountByStatus(context.Context) (map[models.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.Status]int64, len(models.AllStatuses))
	for _, status := range models.AllStatuses {
		counts[status] = 0
	}
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

var errStoreClosed = errors.New("memory store closed")

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func statusIn(status models.Status, set []models.Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func cloneAll(jobs []*models.Job) []*models.Job {
	out := make([]*models.Job, len(jobs))
	for i, job := range jobs {
		out[i] = job.Clone()
	}
	return out
}
