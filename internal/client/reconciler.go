package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/dunamismax/reelflow/internal/domain"
)

const DefaultPollInterval = 30 * time.Second

type ReconcilerOptions struct {
	// PollInterval is the fallback refetch period while the feed is quiet or
	// down.
	PollInterval time.Duration
	// PersistProjection writes the projection back after every apply.
	PersistProjection bool
	// OnApply runs once per applied terminal job, outside the lock.
	OnApply func(job domain.Job)
	Logger  zerolog.Logger
}

// Reconciler applies terminal job results to a generation's projection
// exactly once per session. The processed set lives in memory; Restore
// re-derives it from server rows after a reload.
type Reconciler struct {
	api          *Client
	generationID string
	opts         ReconcilerOptions
	logger       zerolog.Logger

	mu         sync.Mutex
	projection *Projection
	processed  map[string]processedJob
	live       map[string]domain.Job
	// superseded holds, per evicted job id, the updated_at of the last
	// applied terminal row. Rows at or before it belong to the old run.
	superseded map[string]time.Time
}

type processedJob struct {
	slot string
	at   time.Time
}

func NewReconciler(api *Client, generationID string, projection *Projection, opts ReconcilerOptions) *Reconciler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if projection == nil {
		projection = NewProjection(domain.Generation{ID: generationID})
	}
	return &Reconciler{
		api:          api,
		generationID: generationID,
		opts:         opts,
		logger:       opts.Logger.With().Str("component", "reconciler").Str("generation_id", generationID).Logger(),
		projection:   projection,
		processed:    make(map[string]processedJob),
		live:         make(map[string]domain.Job),
		superseded:   make(map[string]time.Time),
	}
}

// Handle folds one observed job row into local state. It reports whether a
// terminal result was applied.
func (r *Reconciler) Handle(ctx context.Context, job domain.Job) bool {
	if job.GenerationID != "" && job.GenerationID != r.generationID {
		return false
	}

	r.mu.Lock()
	if floor, ok := r.superseded[job.ID]; ok && !job.UpdatedAt.After(floor) {
		// Late delivery from before a resubmission.
		r.mu.Unlock()
		return false
	}
	if !job.Terminal() {
		// Terminal rows never go back to generating, so a processed id seen
		// generating again with a newer timestamp was resubmitted elsewhere.
		if done, ok := r.processed[job.ID]; ok {
			if !job.UpdatedAt.After(done.at) {
				r.mu.Unlock()
				return false
			}
			r.supersede(job.ID)
		}
		if tracked, ok := r.live[job.ID]; !ok || !tracked.UpdatedAt.After(job.UpdatedAt) {
			r.live[job.ID] = job
		}
		r.mu.Unlock()
		return false
	}
	if _, done := r.processed[job.ID]; done {
		r.mu.Unlock()
		return false
	}
	if tracked, ok := r.live[job.ID]; ok && tracked.UpdatedAt.After(job.UpdatedAt) {
		r.mu.Unlock()
		return false
	}
	delete(r.live, job.ID)
	delete(r.superseded, job.ID)
	r.processed[job.ID] = processedJob{slot: job.Slot().Key(), at: job.UpdatedAt}
	if !r.projection.Apply(job) {
		r.mu.Unlock()
		return false
	}
	snapshot := r.projection.Domain()
	r.mu.Unlock()

	r.logger.Debug().Str("job_id", job.ID).Str("job_type", string(job.Type)).Str("status", job.Status).Msg("job applied")
	if r.opts.PersistProjection {
		if _, err := r.api.ApplyProjection(ctx, r.generationID, snapshot); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("persist projection failed")
		}
	}
	if r.opts.OnApply != nil {
		r.opts.OnApply(job)
	}
	return true
}

// MarkProcessed records a job as already applied without touching the
// projection.
func (r *Reconciler) MarkProcessed(job domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[job.ID] = processedJob{slot: job.Slot().Key(), at: job.UpdatedAt}
	delete(r.live, job.ID)
	delete(r.superseded, job.ID)
}

// Track registers an in-flight job so Pending covers it before the first
// feed event arrives.
func (r *Reconciler) Track(job domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supersede(job.ID)
	if tracked, ok := r.live[job.ID]; !ok || !tracked.UpdatedAt.After(job.UpdatedAt) {
		r.live[job.ID] = job
	}
}

// Evict forgets processed ids for slot so the next terminal event for it
// applies again.
func (r *Reconciler) Evict(slot domain.Slot) {
	key := slot.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	for jobID, done := range r.processed {
		if done.slot == key {
			r.supersede(jobID)
		}
	}
}

// supersede moves a processed job id behind a timestamp floor. Callers hold
// r.mu.
func (r *Reconciler) supersede(jobID string) {
	done, ok := r.processed[jobID]
	if !ok {
		return
	}
	delete(r.processed, jobID)
	if floor, seen := r.superseded[jobID]; !seen || done.at.After(floor) {
		r.superseded[jobID] = done.at
	}
}

// Resubmit evicts the slot before submitting it again.
func (r *Reconciler) Resubmit(ctx context.Context, submitter *Submitter, sub Submission) (string, error) {
	r.Evict(sub.Slot())
	jobID, err := submitter.Submit(ctx, sub)
	if err != nil {
		return "", err
	}
	r.Track(domain.Job{
		ID:           jobID,
		GenerationID: sub.GenerationID,
		Type:         sub.JobType,
		TargetID:     sub.TargetID,
		Status:       domain.JobStatusGenerating,
	})
	return jobID, nil
}

// Pending is the number of jobs still generating, the loading indicator.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Progress returns the latest progress seen for a generating job.
func (r *Reconciler) Progress(jobID string) (domain.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.live[jobID]
	return job.Result.Clone(), ok
}

func (r *Reconciler) Processed(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processed[jobID]
	return ok
}

func (r *Reconciler) Projection() domain.Projection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.projection.Domain()
}

// Poll refetches every job of the generation and handles each row.
func (r *Reconciler) Poll(ctx context.Context) error {
	jobs, err := r.api.ListJobs(ctx, r.generationID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		r.Handle(ctx, job)
	}
	return nil
}

// Run follows the change feed and polls on an interval until ctx ends. Feed
// failures degrade to polling while the stream reconnects.
func (r *Reconciler) Run(ctx context.Context) error {
	go r.pollLoop(ctx)

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = time.Second
	reconnect.MaxInterval = r.opts.PollInterval

	for {
		events, err := r.api.Events(ctx, r.generationID)
		if err == nil {
			reconnect.Reset()
			for ev := range events {
				r.Handle(ctx, ev.Job)
			}
		} else if !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Msg("change feed unavailable, polling")
		}
		if ctx.Err() != nil {
			return nil
		}

		timer := time.NewTimer(reconnect.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (r *Reconciler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("poll jobs failed")
			}
		}
	}
}
