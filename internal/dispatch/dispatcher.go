package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/feed"
	"github.com/dunamismax/reelflow/internal/store"
)

var (
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrSlotBusy          = errors.New("slot submission already in progress")
	ErrShuttingDown      = errors.New("dispatcher is shutting down")
)

// flight marks a slot as owned by one running task.
type flight struct {
	jobID string
	done  bool
}

type Config struct {
	TextTimeout  time.Duration
	ImageTimeout time.Duration
	// VideoTimeout is zero by default: video handlers bound themselves with
	// their own poll timeout.
	VideoTimeout      time.Duration
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		TextTimeout:       3 * time.Minute,
		ImageTimeout:      5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Dispatcher accepts submissions, records them as generating and runs each
// handler in its own goroutine. Submit never waits for the handler.
type Dispatcher struct {
	cfg       Config
	store     store.JobStore
	resolver  Resolver
	completer *Completer
	metrics   *Metrics
	logger    zerolog.Logger
	tracer    trace.Tracer

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*flight
	closed   bool
}

func New(cfg Config, jobs store.JobStore, resolver Resolver, completer *Completer, metrics *Metrics, logger zerolog.Logger) *Dispatcher {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg,
		store:     jobs,
		resolver:  resolver,
		completer: completer,
		metrics:   metrics,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		tracer:    otel.Tracer("reelflow/dispatch"),
		baseCtx:   baseCtx,
		cancel:    cancel,
		inflight:  make(map[string]*flight),
	}
}

// Submit validates the submission, resolves its route, upserts the slot as
// generating and starts the handler. A slot whose stored job is still
// generating is answered with that job instead of a second task.
func (d *Dispatcher) Submit(ctx context.Context, sub domain.Submission) (domain.Job, error) {
	if err := sub.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	handler, err := d.resolver.Resolve(sub.Route)
	if err != nil {
		return domain.Job{}, err
	}

	slot := sub.Slot().Key()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return domain.Job{}, ErrShuttingDown
	}
	running, busy := d.inflight[slot]
	var runningID string
	if busy {
		runningID = running.jobID
	}
	f := &flight{}
	d.inflight[slot] = f
	d.wg.Add(1)
	d.mu.Unlock()

	abort := func(restore bool) {
		if restore {
			d.restore(slot, f, running)
		} else {
			d.release(slot, f)
		}
		d.wg.Done()
	}

	if busy && runningID == "" {
		abort(true)
		return domain.Job{}, ErrSlotBusy
	}
	// The slot may be owned by a resume worker or another process, so the
	// stored row decides, not only this process's flights.
	existing, found, err := d.store.GetBySlot(ctx, sub.Slot())
	if err != nil {
		abort(busy)
		return domain.Job{}, err
	}
	if found && existing.Status == domain.JobStatusGenerating {
		abort(busy)
		d.metrics.duplicate()
		d.logger.Info().Str("job_id", existing.ID).Str("slot", slot).Msg("slot already generating, returning running job")
		return existing, nil
	}

	job, err := d.store.Upsert(ctx, sub)
	if err != nil {
		abort(false)
		return domain.Job{}, fmt.Errorf("record job: %w", err)
	}

	d.mu.Lock()
	f.jobID = job.ID
	d.mu.Unlock()

	d.metrics.jobSubmitted(job.Type)
	d.completer.Announce(ctx, job, feed.EventInsert)
	d.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("target_id", job.TargetID).
		Str("route", string(job.Route)).
		Msg("job dispatched")

	go d.run(job, handler, f)
	return job, nil
}

func (d *Dispatcher) run(job domain.Job, handler Handler, f *flight) {
	defer d.wg.Done()
	defer d.release(job.Slot().Key(), f)

	startedAt := time.Now()
	category := job.Route.Category()
	d.metrics.jobStarted(category)
	defer d.metrics.jobStopped(category)

	ctx, span := d.tracer.Start(d.baseCtx, "dispatch.run", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.String("job.route", string(job.Route)),
		attribute.String("generation.id", job.GenerationID),
	)
	defer span.End()

	timeout := d.timeoutFor(category)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stopHeartbeat := StartHeartbeat(ctx, d.store, job.ID, d.cfg.HeartbeatInterval, d.logger)
	task := Task{
		Job: job,
		Progress: func(ctx context.Context, progress domain.Result) error {
			return d.completer.Progress(ctx, job, progress)
		},
	}
	result, err := d.invoke(ctx, handler, task)
	stopHeartbeat()

	if err != nil {
		if d.baseCtx.Err() != nil {
			d.metrics.abandon()
			d.logger.Warn().Str("job_id", job.ID).Msg("shutdown interrupted job, leaving it for recovery")
			span.SetStatus(codes.Error, "interrupted by shutdown")
			return
		}
		message := err.Error()
		if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			message = fmt.Sprintf("timed out after %s", timeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		if _, ferr := d.completer.Fail(ctx, job, message); ferr == nil {
			d.metrics.JobFinished(job.Type, domain.JobStatusFailed, "dispatch", time.Since(startedAt))
		}
		return
	}

	done, err := d.completer.Complete(ctx, job, result)
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("could not record completion")
		return
	}
	if err == nil {
		d.metrics.JobFinished(job.Type, done.Status, "dispatch", time.Since(startedAt))
		span.SetStatus(codes.Ok, done.Status)
	}
}

// invoke runs the handler, converting a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, task Task) (result domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("job_id", task.Job.ID).
				Str("stack", string(debug.Stack())).
				Msgf("handler panic: %v", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, task)
}

func (d *Dispatcher) timeoutFor(cat domain.Category) time.Duration {
	switch cat {
	case domain.CategoryText:
		return d.cfg.TextTimeout
	case domain.CategoryImage:
		return d.cfg.ImageTimeout
	default:
		return d.cfg.VideoTimeout
	}
}

// release drops the slot reservation if f still owns it.
func (d *Dispatcher) release(slot string, f *flight) {
	d.mu.Lock()
	f.done = true
	if d.inflight[slot] == f {
		delete(d.inflight, slot)
	}
	d.mu.Unlock()
}

// restore hands the slot back to the flight that held it before f, unless
// that flight has finished in the meantime.
func (d *Dispatcher) restore(slot string, f, previous *flight) {
	d.mu.Lock()
	if d.inflight[slot] == f {
		if previous.done {
			delete(d.inflight, slot)
		} else {
			d.inflight[slot] = previous
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Shutdown stops accepting work and waits for running handlers. If ctx ends
// first, running handlers are cancelled and their jobs stay generating.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
