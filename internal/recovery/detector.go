package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/provider"
	"github.com/dunamismax/reelflow/internal/store"
)

const (
	msgInterrupted = "Interrupted by server restart"
	maxErrorChars  = 100
)

type DetectorConfig struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
	StatusTimeout time.Duration
	// MaxStatusChecks caps provider lookups per sweep; the remainder is left
	// for the next sweep.
	MaxStatusChecks int
	// RecoverRunning hands jobs that are still running on the provider to
	// the resumer instead of failing them.
	RecoverRunning bool
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		StaleAfter:      5 * time.Minute,
		SweepInterval:   time.Minute,
		StatusTimeout:   5 * time.Second,
		MaxStatusChecks: 10,
	}
}

type SweepReport struct {
	Scanned  int
	Failed   int
	Resumed  int
	Deferred int
}

// Detector finds generating jobs whose heartbeat stopped and settles them:
// resumable jobs whose provider work succeeded are handed to the resumer,
// everything else is failed.
type Detector struct {
	cfg        DetectorConfig
	jobs       store.JobStore
	completer  *dispatch.Completer
	resumables Registry
	resumer    Resumer
	metrics    *Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

func NewDetector(cfg DetectorConfig, jobs store.JobStore, completer *dispatch.Completer, resumables Registry, resumer Resumer, metrics *Metrics, logger zerolog.Logger) *Detector {
	return &Detector{
		cfg:        cfg,
		jobs:       jobs,
		completer:  completer,
		resumables: resumables,
		resumer:    resumer,
		metrics:    metrics,
		logger:     logger.With().Str("component", "stale_detector").Logger(),
		now:        time.Now,
	}
}

// Run sweeps once immediately and then every SweepInterval until ctx ends.
func (d *Detector) Run(ctx context.Context) error {
	if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error().Err(err).Msg("stale sweep failed")
	}
	if d.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Msg("stale sweep failed")
			}
		}
	}
}

func (d *Detector) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := d.now().Add(-d.cfg.StaleAfter)
	stale, err := d.jobs.ListStale(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("list stale jobs: %w", err)
	}

	checks := 0
	for _, job := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		res, resumable := d.resumables.lookup(job.Type)
		if !resumable || job.Result.PredictionID() == "" {
			d.fail(ctx, job, msgInterrupted, &report)
			continue
		}
		if d.cfg.MaxStatusChecks > 0 && checks >= d.cfg.MaxStatusChecks {
			report.Deferred++
			d.metrics.staleJob(job.Type, OutcomeDeferred)
			continue
		}
		checks++
		d.settle(ctx, job, res, &report)
	}

	d.metrics.sweep()
	if report.Scanned > 0 {
		d.logger.Info().
			Int("scanned", report.Scanned).
			Int("failed", report.Failed).
			Int("resumed", report.Resumed).
			Int("deferred", report.Deferred).
			Msg("stale sweep finished")
	}
	return report, nil
}

// settle asks the provider what happened to a stale job's work.
func (d *Detector) settle(ctx context.Context, job domain.Job, res Resumable, report *SweepReport) {
	statusCtx := ctx
	if d.cfg.StatusTimeout > 0 {
		var cancel context.CancelFunc
		statusCtx, cancel = context.WithTimeout(ctx, d.cfg.StatusTimeout)
		defer cancel()
	}

	pred, err := res.Status(statusCtx, job)
	if err != nil {
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("provider status check failed")
		d.fail(ctx, job, fmt.Sprintf("%s (could not check provider: %s)", msgInterrupted, truncate(err.Error(), maxErrorChars)), report)
		return
	}

	switch {
	case pred.Status == provider.StatusSucceeded:
		d.handOff(ctx, job, report)
	case pred.Done():
		message := pred.Error
		if message == "" {
			message = "generation " + pred.Status
		}
		d.fail(ctx, job, "provider: "+message, report)
	case d.cfg.RecoverRunning:
		d.handOff(ctx, job, report)
	default:
		d.fail(ctx, job, fmt.Sprintf("%s (still generating on provider after %s)", msgInterrupted, d.cfg.StaleAfter), report)
	}
}

func (d *Detector) handOff(ctx context.Context, job domain.Job, report *SweepReport) {
	// Touch first so a concurrent sweep does not hand the same job off twice.
	if err := d.jobs.Touch(ctx, job.ID); err != nil {
		if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrJobNotFound) {
			d.metrics.staleJob(job.Type, OutcomeSkipped)
			return
		}
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("touch before resume failed")
	}
	if d.resumer == nil {
		d.fail(ctx, job, msgInterrupted+" (no resumer configured)", report)
		return
	}
	if err := d.resumer.Resume(ctx, job); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("resume handoff failed")
		d.fail(ctx, job, fmt.Sprintf("%s (resume failed: %s)", msgInterrupted, truncate(err.Error(), maxErrorChars)), report)
		return
	}
	report.Resumed++
	d.metrics.staleJob(job.Type, OutcomeResumed)
	d.logger.Info().Str("job_id", job.ID).Str("job_type", string(job.Type)).Msg("stale job handed to resumer")
}

func (d *Detector) fail(ctx context.Context, job domain.Job, message string, report *SweepReport) {
	_, err := d.completer.Fail(ctx, job, message)
	switch {
	case err == nil:
		report.Failed++
		d.metrics.staleJob(job.Type, OutcomeFailed)
	case errors.Is(err, store.ErrTerminal):
		d.metrics.staleJob(job.Type, OutcomeSkipped)
	default:
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("could not fail stale job")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ResumeOrphans hands every generating job that is not yet stale but has a
// provider handle to the resumer. It is meant for the startup of a process
// that is the only dispatcher, where such jobs cannot have a live task.
func (d *Detector) ResumeOrphans(ctx context.Context) (int, error) {
	if d.resumer == nil {
		return 0, nil
	}
	now := d.now()
	generating, err := d.jobs.ListStale(ctx, now.Add(time.Second))
	if err != nil {
		return 0, fmt.Errorf("list generating jobs: %w", err)
	}

	cutoff := now.Add(-d.cfg.StaleAfter)
	resumed := 0
	for _, job := range generating {
		if job.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, ok := d.resumables.lookup(job.Type); !ok || job.Result.PredictionID() == "" {
			continue
		}
		if err := d.resumer.Resume(ctx, job); err != nil {
			d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("orphan resume failed")
			continue
		}
		resumed++
	}
	if resumed > 0 {
		d.logger.Info().Int("resumed", resumed).Msg("resumed interrupted jobs")
	}
	return resumed, nil
}
