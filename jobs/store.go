package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a job ID does not resolve.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when creating a job whose ID exists.
	ErrConflict = errors.New("job already exists")
	// ErrInvalidID rejects nil jobs and empty IDs.
	ErrInvalidID = errors.New("invalid job id")
)

// ListOptions filters List calls. Zero values mean "no filter"; a zero
// Limit returns everything.
type ListOptions struct {
	AppID  string
	Status Status
	Limit  int
	Offset int
}

// Store persists jobs. Implementations must be safe for concurrent
// use and must not retain references to stored values. List returns
// jobs oldest-first so recovery re-enqueues in submission order.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Update(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Delete(ctx context.Context, id string) error
}

func matchesJobFilter(j *Job, opts ListOptions) bool {
	if opts.AppID != "" && j.AppID != opts.AppID {
		return false
	}
	if opts.Status != "" && j.Status != opts.Status {
		return false
	}
	return true
}

func paginateJobs(jobs []*Job, offset, limit int) []*Job {
	if offset >= len(jobs) {
		return []*Job{}
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

// MemoryStore keeps jobs in a map. The default when Redis is not
// configured; recovery is then a no-op across restarts.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(ctx context.Context, j *Job) error {
	if j == nil || j.ID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return ErrConflict
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, j *Job) error {
	if j == nil || j.ID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; !exists {
		return ErrNotFound
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if matchesJobFilter(j, opts) {
			matched = append(matched, j.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return paginateJobs(matched, opts.Offset, opts.Limit), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}
