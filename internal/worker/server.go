package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/reelflow/internal/config"
	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/queue"
	"github.com/dunamismax/reelflow/internal/recovery"
	"github.com/dunamismax/reelflow/internal/store"
)

const (
	outcomeDone       = "done"
	outcomeSkipped    = "skipped"
	outcomeRetry      = "retry"
	outcomeBadPayload = "bad_payload"
)

// Runner polls a recovered job to a terminal state; recovery.ResumeWorker
// implements it.
type Runner interface {
	Run(ctx context.Context, job domain.Job) error
}

// Server consumes resume tasks enqueued by the stale detector.
type Server struct {
	logger  zerolog.Logger
	server  *asynq.Server
	jobs    store.JobStore
	runner  Runner
	metrics *metrics
	tracer  trace.Tracer
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	registry *prometheus.Registry,
	jobs store.JobStore,
	runner Runner,
) (*Server, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("resume runner is required")
	}

	logger = logger.With().Str("component", "worker").Logger()
	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: max(1, workerCfg.Concurrency),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Error().Err(err).
						Str("task_type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		),
		jobs:    jobs,
		runner:  runner,
		metrics: newMetrics(registry),
		tracer:  otel.Tracer("reelflow/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeResumeJob, s.handleResumeJob)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleResumeJob(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	payload, err := queue.ParseResumeJobPayload(task)
	if err != nil {
		s.metrics.tasksTotal.WithLabelValues("", outcomeBadPayload).Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	outcome := outcomeRetry
	jobType := string(payload.JobType)
	defer func() {
		s.metrics.taskDuration.WithLabelValues(jobType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(jobType, outcome).Inc()
	}()

	ctx, span := s.tracer.Start(ctx, "worker.resume_job", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.type", jobType),
		attribute.String("prediction.id", payload.PredictionID),
	)
	defer span.End()

	s.metrics.activeTasks.Inc()
	defer s.metrics.activeTasks.Dec()

	job, ok, err := s.jobs.Get(ctx, payload.JobID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load job: %w", err)
	}
	switch {
	case !ok:
		outcome = outcomeSkipped
		s.logger.Warn().Str("job_id", payload.JobID).Msg("resume task for unknown job")
		return nil
	case job.Status != domain.JobStatusGenerating:
		outcome = outcomeSkipped
		s.logger.Info().Str("job_id", job.ID).Str("status", job.Status).Msg("job already settled, skipping resume")
		return nil
	case job.Result.PredictionID() != payload.PredictionID:
		outcome = outcomeSkipped
		s.logger.Info().Str("job_id", job.ID).Msg("job was resubmitted, skipping stale resume task")
		return nil
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", jobType).
		Str("prediction_id", payload.PredictionID).
		Msg("resuming job")

	if err := s.runner.Run(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resume failed")
		if errors.Is(err, recovery.ErrNotResumable) {
			outcome = outcomeSkipped
			return fmt.Errorf("resume job: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("resume job: %w", err)
	}

	outcome = outcomeDone
	span.SetStatus(codes.Ok, "resumed")
	return nil
}
