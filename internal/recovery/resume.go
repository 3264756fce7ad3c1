package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/provider"
	"github.com/dunamismax/reelflow/internal/store"
)

var (
	ErrNotResumable = errors.New("job type is not resumable")
	ErrStopped      = errors.New("resume worker stopped")
)

type ResumeConfig struct {
	PollInterval      time.Duration
	PollTimeout       time.Duration
	HeartbeatInterval time.Duration
}

func DefaultResumeConfig() ResumeConfig {
	return ResumeConfig{
		PollInterval:      3 * time.Second,
		PollTimeout:       10 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// ResumeWorker polls the provider for jobs recovered after a restart and
// finishes them through the same completion path as a dispatched handler.
type ResumeWorker struct {
	cfg        ResumeConfig
	jobs       store.JobStore
	completer  *dispatch.Completer
	resumables Registry
	jobMetrics *dispatch.Metrics
	metrics    *Metrics
	logger     zerolog.Logger
	tracer     trace.Tracer

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
	closed  bool
}

func NewResumeWorker(cfg ResumeConfig, jobs store.JobStore, completer *dispatch.Completer, resumables Registry, jobMetrics *dispatch.Metrics, metrics *Metrics, logger zerolog.Logger) *ResumeWorker {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &ResumeWorker{
		cfg:        cfg,
		jobs:       jobs,
		completer:  completer,
		resumables: resumables,
		jobMetrics: jobMetrics,
		metrics:    metrics,
		logger:     logger.With().Str("component", "resume_worker").Logger(),
		tracer:     otel.Tracer("reelflow/recovery"),
		baseCtx:    baseCtx,
		cancel:     cancel,
		running:    make(map[string]struct{}),
	}
}

// Resume starts polling for job in the background. A job already being
// resumed by this worker is not started twice.
func (w *ResumeWorker) Resume(_ context.Context, job domain.Job) error {
	if _, ok := w.resumables.lookup(job.Type); !ok {
		return fmt.Errorf("%w: %s", ErrNotResumable, job.Type)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrStopped
	}
	if _, busy := w.running[job.ID]; busy {
		w.mu.Unlock()
		return nil
	}
	w.running[job.ID] = struct{}{}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.running, job.ID)
			w.mu.Unlock()
		}()
		if err := w.Run(w.baseCtx, job); err != nil && w.baseCtx.Err() == nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("resume failed")
		}
	}()
	return nil
}

// Run polls until the job reaches a terminal state, the poll timeout passes
// or ctx ends. When ctx ends first the job is left generating.
func (w *ResumeWorker) Run(ctx context.Context, job domain.Job) error {
	res, ok := w.resumables.lookup(job.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotResumable, job.Type)
	}

	ctx, span := w.tracer.Start(ctx, "recovery.resume")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.String("prediction.id", job.Result.PredictionID()),
	)
	defer span.End()

	startedAt := time.Now()
	if job.Result.PredictionID() == "" {
		w.fail(ctx, job, "Resume polling failed: no provider handle", startedAt)
		return nil
	}

	stop := dispatch.StartHeartbeat(ctx, w.jobs, job.ID, w.cfg.HeartbeatInterval, w.logger)
	defer stop()

	var deadline <-chan time.Time
	if w.cfg.PollTimeout > 0 {
		timer := time.NewTimer(w.cfg.PollTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info().Str("job_id", job.ID).Str("prediction_id", job.Result.PredictionID()).Msg("resuming provider polling")
	for polls := 1; ; polls++ {
		pred, err := res.Status(ctx, job)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				span.SetStatus(codes.Error, "interrupted")
				return ctx.Err()
			}
			if !provider.Retryable(err) {
				span.RecordError(err)
				w.fail(ctx, job, "Resume polling failed: "+err.Error(), startedAt)
				return nil
			}
			w.logger.Warn().Err(err).Str("job_id", job.ID).Int("poll", polls).Msg("provider status check failed, retrying")
		case pred.Status == provider.StatusSucceeded:
			return w.finish(ctx, span, res, job, pred, startedAt)
		case pred.Done():
			message := pred.Error
			if message == "" {
				message = "generation " + pred.Status
			}
			w.fail(ctx, job, "provider: "+message, startedAt)
			return nil
		}

		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, "interrupted")
			return ctx.Err()
		case <-deadline:
			w.fail(ctx, job, fmt.Sprintf("resume polling timed out after %s", w.cfg.PollTimeout), startedAt)
			return nil
		case <-ticker.C:
		}
	}
}

func (w *ResumeWorker) finish(ctx context.Context, span trace.Span, res Resumable, job domain.Job, pred provider.Prediction, startedAt time.Time) error {
	result, err := res.Finish(ctx, job, pred)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		w.fail(ctx, job, "Resume failed: "+err.Error(), startedAt)
		return nil
	}

	done, err := w.completer.Complete(ctx, job, result)
	switch {
	case err == nil:
		w.metrics.resumed(job.Type, done.Status)
		w.jobMetrics.JobFinished(job.Type, done.Status, "resume", time.Since(startedAt))
		span.SetStatus(codes.Ok, done.Status)
		return nil
	case errors.Is(err, store.ErrTerminal):
		return nil
	default:
		span.RecordError(err)
		return fmt.Errorf("complete resumed job: %w", err)
	}
}

func (w *ResumeWorker) fail(ctx context.Context, job domain.Job, message string, startedAt time.Time) {
	if _, err := w.completer.Fail(ctx, job, message); err != nil {
		if !errors.Is(err, store.ErrTerminal) {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("could not fail resumed job")
		}
		return
	}
	w.metrics.resumed(job.Type, domain.JobStatusFailed)
	w.jobMetrics.JobFinished(job.Type, domain.JobStatusFailed, "resume", time.Since(startedAt))
}

// Active reports how many jobs are being resumed.
func (w *ResumeWorker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// Shutdown stops accepting work and waits for running resumes. If ctx ends
// first they are cancelled and their jobs stay generating.
func (w *ResumeWorker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}
