package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/feed"
	"github.com/dunamismax/reelflow/internal/postprocess"
	"github.com/dunamismax/reelflow/internal/store"
)

const finishTimeout = 2 * time.Minute

type ResultProcessor interface {
	Process(ctx context.Context, target postprocess.Target, result domain.Result) (domain.Result, error)
}

// Completer is the single path by which a job leaves GENERATING, used by
// the dispatcher and by the resume worker alike. Writes run on a context
// detached from the caller's so a timed-out task can still record its
// failure.
type Completer struct {
	store  store.JobStore
	post   ResultProcessor
	feed   feed.Publisher
	logger zerolog.Logger
}

func NewCompleter(jobs store.JobStore, post ResultProcessor, publisher feed.Publisher, logger zerolog.Logger) *Completer {
	return &Completer{
		store:  jobs,
		post:   post,
		feed:   publisher,
		logger: logger.With().Str("component", "completer").Logger(),
	}
}

// Complete post-processes result and marks the job completed. If
// post-processing fails the job is failed instead. ErrTerminal means some
// other writer got there first; the stored row wins.
func (c *Completer) Complete(ctx context.Context, job domain.Job, result domain.Result) (domain.Job, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	processed := result
	if c.post != nil {
		var err error
		processed, err = c.post.Process(ctx, postprocess.TargetOf(job), result)
		if err != nil {
			return c.fail(ctx, job, fmt.Sprintf("postprocess result: %v", err))
		}
	}
	if processed == nil {
		processed = domain.Result{}
	}

	done, err := c.store.Complete(ctx, job.ID, processed)
	if err != nil {
		if errors.Is(err, store.ErrTerminal) {
			c.logger.Info().Str("job_id", job.ID).Str("status", done.Status).Msg("completion skipped, job already terminal")
		}
		return done, err
	}
	c.publish(ctx, done)
	c.logger.Info().
		Str("job_id", done.ID).
		Str("job_type", string(done.Type)).
		Str("target_id", done.TargetID).
		Msg("job completed")
	return done, nil
}

func (c *Completer) Fail(ctx context.Context, job domain.Job, message string) (domain.Job, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	return c.fail(ctx, job, message)
}

func (c *Completer) fail(ctx context.Context, job domain.Job, message string) (domain.Job, error) {
	failed, err := c.store.Fail(ctx, job.ID, message)
	if err != nil {
		if errors.Is(err, store.ErrTerminal) {
			c.logger.Info().Str("job_id", job.ID).Str("status", failed.Status).Msg("failure skipped, job already terminal")
		}
		return failed, err
	}
	c.publish(ctx, failed)
	c.logger.Warn().
		Str("job_id", failed.ID).
		Str("job_type", string(failed.Type)).
		Str("target_id", failed.TargetID).
		Str("error", message).
		Msg("job failed")
	return failed, nil
}

// Progress persists an intermediate result; it doubles as a heartbeat.
func (c *Completer) Progress(ctx context.Context, job domain.Job, progress domain.Result) error {
	updated, err := c.store.UpdateProgress(ctx, job.ID, progress)
	if err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	c.publish(ctx, updated)
	return nil
}

func (c *Completer) Announce(ctx context.Context, job domain.Job, t feed.EventType) {
	if c.feed == nil {
		return
	}
	if err := c.feed.Publish(ctx, feed.NewEvent(t, job)); err != nil {
		c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("feed publish failed")
	}
}

func (c *Completer) publish(ctx context.Context, job domain.Job) {
	c.Announce(ctx, job, feed.EventUpdate)
}
