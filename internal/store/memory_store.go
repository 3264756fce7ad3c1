package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/id"
)

type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	jobs        map[string]domain.Job
	slots       map[string]string
	generations map[string]domain.Generation
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for created_at/updated_at.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:         func() time.Time { return time.Now().UTC() },
		jobs:        make(map[string]domain.Job),
		slots:       make(map[string]string),
		generations: make(map[string]domain.Generation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, sub domain.Submission) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := sub.Slot().Key()
	job := domain.Job{
		ID:           id.New(),
		GenerationID: sub.GenerationID,
		Type:         sub.JobType,
		TargetID:     sub.TargetID,
		CreatedAt:    now,
	}
	if existingID, ok := s.slots[key]; ok {
		job = s.jobs[existingID]
	}
	job.Route = sub.Route
	job.Payload = append([]byte(nil), sub.Payload...)
	job.Status = domain.JobStatusGenerating
	job.Result = nil
	job.ErrorMessage = ""
	job.UpdatedAt = now

	s.jobs[job.ID] = job
	s.slots[key] = job.ID
	return copyJob(job), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return copyJob(job), ok, nil
}

func (s *MemoryStore) GetBySlot(_ context.Context, slot domain.Slot) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobID, ok := s.slots[slot.Key()]
	if !ok {
		return domain.Job{}, false, nil
	}
	return copyJob(s.jobs[jobID]), true, nil
}

func (s *MemoryStore) ListByGeneration(_ context.Context, generationID string) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.GenerationID == generationID {
			out = append(out, copyJob(job))
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) ListStale(_ context.Context, cutoff time.Time) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusGenerating && job.UpdatedAt.Before(cutoff) {
			out = append(out, copyJob(job))
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string) error {
	_, err := s.transition(id, domain.JobStatusGenerating, func(job *domain.Job) {})
	return err
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id string, progress domain.Result) (domain.Job, error) {
	return s.transition(id, domain.JobStatusGenerating, func(job *domain.Job) {
		job.Result = progress.Clone()
	})
}

func (s *MemoryStore) Complete(_ context.Context, id string, result domain.Result) (domain.Job, error) {
	return s.transition(id, domain.JobStatusCompleted, func(job *domain.Job) {
		job.Status = domain.JobStatusCompleted
		job.Result = result.Clone()
		job.ErrorMessage = ""
	})
}

func (s *MemoryStore) Fail(_ context.Context, id, message string) (domain.Job, error) {
	return s.transition(id, domain.JobStatusFailed, func(job *domain.Job) {
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = message
	})
}

// transition applies fn only when the job may move to status to, which
// makes the first terminal write the only one.
func (s *MemoryStore) transition(id, to string, fn func(job *domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if !domain.CanTransition(job.Status, to) {
		return copyJob(job), transitionError(job, to)
	}
	fn(&job)
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return copyJob(job), nil
}

func (s *MemoryStore) CreateGeneration(_ context.Context, g domain.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Status == "" {
		g.Status = domain.GenerationDrafting
	}
	s.generations[g.ID] = g
	return nil
}

func (s *MemoryStore) GetGeneration(_ context.Context, id string) (domain.Generation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.generations[id]
	return g, ok, nil
}

func (s *MemoryStore) ListGenerations(_ context.Context, limit int) ([]domain.GenerationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.GenerationSummary, 0, len(s.generations))
	for _, g := range s.generations {
		out = append(out, g.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PatchGeneration(_ context.Context, id string, patch domain.GenerationPatch) (domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return domain.Generation{}, ErrGenerationNotFound
	}
	g = patch.Apply(g)
	g.UpdatedAt = s.now()
	s.generations[id] = g
	return g, nil
}

func (s *MemoryStore) ApplyProjection(_ context.Context, id string, p domain.Projection) (domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return domain.Generation{}, ErrGenerationNotFound
	}
	if p.Status != "" {
		g.Status = p.Status
	}
	if p.FilmID != "" {
		g.FilmID = p.FilmID
	}
	g.Snapshot = p.Snapshot
	g.CostTotal = p.CostTotal
	g.UpdatedAt = s.now()
	s.generations[id] = g
	return g, nil
}

func copyJob(job domain.Job) domain.Job {
	job.Result = job.Result.Clone()
	if job.Payload != nil {
		job.Payload = append([]byte(nil), job.Payload...)
	}
	return job
}

func sortJobs(jobs []domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
