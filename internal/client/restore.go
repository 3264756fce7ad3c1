package client

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dunamismax/reelflow/internal/domain"
)

type Restorer struct {
	api       *Client
	submitter *Submitter
	logger    zerolog.Logger
}

func NewRestorer(api *Client, submitter *Submitter, logger zerolog.Logger) *Restorer {
	return &Restorer{
		api:       api,
		submitter: submitter,
		logger:    logger.With().Str("component", "restorer").Logger(),
	}
}

// RestoreResult is what a reload found on the server and did about it.
type RestoreResult struct {
	Generation  domain.Generation
	Projection  *Projection
	InFlight    []domain.Job
	Applied     []domain.Job
	Terminal    []domain.Job
	Resubmitted []BatchResult
}

// Restore rebuilds client state for a generation after a reload. Generating
// rows are in flight. Expected slots with no row at all are resubmitted
// from their saved payloads. Terminal rows not yet consumed are applied in
// one batch and written back so a later restore skips them.
func (r *Restorer) Restore(ctx context.Context, generationID string, expected []Submission) (*RestoreResult, error) {
	g, err := r.api.GetGeneration(ctx, generationID)
	if err != nil {
		return nil, fmt.Errorf("load generation: %w", err)
	}
	jobs, err := r.api.ListJobs(ctx, generationID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	res := &RestoreResult{Generation: g, Projection: NewProjection(g)}
	present := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		present[job.Slot().Key()] = true
		if !job.Terminal() {
			res.InFlight = append(res.InFlight, job)
			continue
		}
		res.Terminal = append(res.Terminal, job)
		if res.Projection.Apply(job) {
			res.Applied = append(res.Applied, job)
		}
	}

	if len(res.Applied) > 0 {
		updated, err := r.api.ApplyProjection(ctx, generationID, res.Projection.Domain())
		if err != nil {
			return nil, fmt.Errorf("persist projection: %w", err)
		}
		res.Generation = updated
	}

	var missing []Submission
	for _, sub := range expected {
		if sub.GenerationID == "" {
			sub.GenerationID = generationID
		}
		if !present[sub.Slot().Key()] {
			missing = append(missing, sub)
		}
	}
	if len(missing) > 0 && r.submitter != nil {
		res.Resubmitted = Batch(ctx, r.submitter, missing, DefaultBatchLimit)
		for _, br := range res.Resubmitted {
			if br.Err != nil {
				r.logger.Warn().Err(br.Err).Str("slot", br.Submission.Slot().Key()).Msg("resubmit on restore failed")
				continue
			}
			res.InFlight = append(res.InFlight, domain.Job{
				ID:           br.JobID,
				GenerationID: br.Submission.GenerationID,
				Type:         br.Submission.JobType,
				TargetID:     br.Submission.TargetID,
				Route:        br.Submission.Route,
				Status:       domain.JobStatusGenerating,
			})
		}
	}

	r.logger.Info().
		Str("generation_id", generationID).
		Int("in_flight", len(res.InFlight)).
		Int("applied", len(res.Applied)).
		Int("resubmitted", len(res.Resubmitted)).
		Msg("generation restored")
	return res, nil
}

// Reconciler returns a reconciler that continues from the restored state:
// terminal rows count as processed and in-flight rows as pending.
func (res *RestoreResult) Reconciler(api *Client, opts ReconcilerOptions) *Reconciler {
	rec := NewReconciler(api, res.Generation.ID, res.Projection, opts)
	for _, job := range res.Terminal {
		rec.MarkProcessed(job)
	}
	for _, job := range res.InFlight {
		rec.Track(job)
	}
	return rec
}
