package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/feed"
	"github.com/dunamismax/reelflow/internal/logging"
	"github.com/dunamismax/reelflow/internal/postprocess"
	"github.com/dunamismax/reelflow/internal/storage"
	"github.com/dunamismax/reelflow/internal/store"
)

type routeMap map[domain.Route]Handler

func (m routeMap) Resolve(route domain.Route) (Handler, error) {
	h, ok := m[route]
	if !ok {
		return nil, ErrRouteNotFound
	}
	return h, nil
}

type harness struct {
	store      *store.MemoryStore
	objects    *storage.MemoryStore
	hub        *feed.Hub
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, cfg Config, routes routeMap) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemoryStore(),
		objects: storage.NewMemoryStore(),
		hub:     feed.NewHub(),
	}
	completer := NewCompleter(h.store, postprocess.New(h.objects, logging.Nop()), h.hub, logging.Nop())
	h.dispatcher = New(cfg, h.store, routes, completer, NewMetrics(nil), logging.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.dispatcher.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitStatus(t *testing.T, jobID, status string) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok, _ = h.store.Get(context.Background(), jobID)
		return ok && job.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func submission(route domain.Route, jobType domain.JobType, target string) domain.Submission {
	return domain.Submission{
		GenerationID: "gen-1",
		JobType:      jobType,
		TargetID:     target,
		Route:        route,
		Payload:      json.RawMessage(`{"prompt":"a lighthouse"}`),
	}
}

func TestSubmitUnknownRouteWritesNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig(), routeMap{})
	_, err := h.dispatcher.Submit(context.Background(), submission("/nope", domain.JobTypeStory, "story"))
	require.ErrorIs(t, err, ErrRouteNotFound)

	jobs, err := h.store.ListByGeneration(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmitRejectsInvalidSubmission(t *testing.T) {
	h := newHarness(t, DefaultConfig(), routeMap{})
	_, err := h.dispatcher.Submit(context.Background(), domain.Submission{Route: domain.RouteStoryGenerate})
	require.ErrorIs(t, err, ErrInvalidSubmission)
}

func TestSubmitReturnsBeforeHandlerAndCompletes(t *testing.T) {
	release := make(chan struct{})
	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG fake"))
	h := newHarness(t, DefaultConfig(), routeMap{
		domain.RouteCharacter: HandlerFunc(func(ctx context.Context, task Task) (domain.Result, error) {
			<-release
			return domain.Result{"image": map[string]any{"image_base64": png, "mime_type": "image/png"}}, nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := h.hub.Subscribe(ctx, "gen-1")
	require.NoError(t, err)

	job, err := h.dispatcher.Submit(context.Background(), submission(domain.RouteCharacter, domain.JobTypeCharacter, "char-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusGenerating, job.Status)

	close(release)
	done := h.waitStatus(t, job.ID, domain.JobStatusCompleted)
	assert.Empty(t, done.Result.InlineBinaryKeys())
	img := done.Result["image"].(map[string]any)
	assert.Equal(t, "mem://gen-1/character_image/char-1/image.png", img["image_url"])

	first := <-events
	assert.Equal(t, feed.EventInsert, first.Type)
	last := <-events
	assert.Equal(t, domain.JobStatusCompleted, last.Job.Status)
}

func TestHandlerErrorAndPanicBecomeFailed(t *testing.T) {
	h := newHarness(t, DefaultConfig(), routeMap{
		domain.RouteStoryGenerate: HandlerFunc(func(ctx context.Context, task Task) (domain.Result, error) {
			return nil, errors.New("provider refused prompt")
		}),
		domain.RouteLocation: HandlerFunc(func(ctx context.Context, task Task) (domain.Result, error) {
			panic("boom")
		}),
	})

	story, err := h.dispatcher.Submit(context.Background(), submission(domain.RouteStoryGenerate, domain.JobTypeStory, "story"))
	require.NoError(t, err)
	failed := h.waitStatus(t, story.ID, domain.JobStatusFailed)
	assert.Equal(t, "provider refused prompt", failed.ErrorMessage)

	loc, err := h.dispatcher.Submit(context.Background(), submission(domain.RouteLocation, domain.JobTypeLocation, "loc-1"))
	require.NoError(t, err)
	failed = h.waitStatus(t, loc.ID, domain.JobStatusFailed)
	assert.Equal(t, "handler panic: boom", failed.ErrorMessage)
}

func TestCategoryTimeoutFailsJob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TextTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, routeMap{
		domain.RouteStoryGenerate: HandlerFunc(func(ctx context.Context, task Task) (domain.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	job, err := h.dispatcher.Submit(context.Background(), submission(domain.RouteStoryGenerate, domain.JobTypeStory, "story"))
	require.NoError(t, err)
	failed := h.waitStatus(t, job.ID, domain.JobStatusFailed)
	assert.Equal(t, "timed out after 20ms", failed.ErrorMessage)
}

func TestHeartbeatAdvancesUpdatedAt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	release := make(chan struct{})
	h := newHarness(t, cfg, routeMap{
		domain.RouteClipGenerate: HandlerFunc(func(ctx context.Context, task Task) (domain.Result, error) {
			<-release
			return domain.Result{"video_url": "https://cdn/clip.mp4"}, nil
		}),
	})

	job, err := h.dispatcher.Submit(context.Background(), submission(domain.RouteClipGenerate, domain.JobTypeClip, "scene-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, _, _ := h.store.Get(context.Background(), job.ID)
		return current.UpdatedAt.After(job.UpdatedAt.Add(15 * time.Millisecond))
	}, time.Second, 5*time.Millisecond)

	close(release)
	h.waitStatus(t, job.ID, domain.JobStatusCompleted)
}

func TestDuplicateSubmissionReturnsRunningJob(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	h := newHarness(t, DefaultConfig(), routeMap{
		domain.RouteKeyMoment: HandlerFunc(func(ctx context.Context, task Task) (domain.Result, error) {
			calls.Add(1)
			<-release
			return domain.Result{"image_url": "u"}, nil
		}),
	})

	sub := submission(domain.RouteKeyMoment, domain.JobTypeKeyMoment, "km-1")
	first, err := h.dispatcher.Submit(context.Background(), sub)
	require.NoError(t, err)
	second, err := h.dispatcher.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	close(release)
	h.waitStatus(t, first.ID, domain.JobStatusCompleted)
	assert.Equal(t, int32(1), calls.Load())

	require.Eventually(t, func() bool { return h.dispatcher.InFlight() == 0 }, time.Second, 5*time.Millisecond)

	third, err := h.dispatcher.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID, "resubmission reuses the slot")
	h.waitStatus(t, third.ID, domain.JobStatusCompleted)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubmitDefersToGeneratingRowOwnedElsewhere(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, DefaultConfig(), routeMap{
		domain.RouteClipGenerate: HandlerFunc(func(ctx context.Context, task Task) (domain.Result, error) {
			calls.Add(1)
			return domain.Result{"video_url": "https://cdn/new.mp4"}, nil
		}),
	})

	sub := submission(domain.RouteClipGenerate, domain.JobTypeClip, "scene-1")
	owned, err := h.store.Upsert(context.Background(), sub)
	require.NoError(t, err)
	owned, err = h.store.UpdateProgress(context.Background(), owned.ID, domain.Result{"prediction_id": "pred-old", "polling": true})
	require.NoError(t, err)

	sub.Payload = json.RawMessage(`{"prompt":"new"}`)
	job, err := h.dispatcher.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, owned.ID, job.ID)
	assert.Equal(t, "pred-old", job.Result.PredictionID())
	assert.Zero(t, h.dispatcher.InFlight())

	stored, _, err := h.store.Get(context.Background(), owned.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"prompt":"a lighthouse"}`, string(stored.Payload), "the running row is not overwritten")

	_, err = h.store.Complete(context.Background(), owned.ID, domain.Result{"video_url": "https://cdn/old.mp4"})
	require.NoError(t, err)
	job, err = h.dispatcher.Submit(context.Background(), sub)
	require.NoError(t, err)
	done := h.waitStatus(t, job.ID, domain.JobStatusCompleted)
	assert.Equal(t, "https://cdn/new.mp4", done.Result.String("video_url"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestProgressIsPersisted(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, DefaultConfig(), routeMap{
		domain.RouteClipGenerate: HandlerFunc(func(ctx context.Context, task Task) (domain.Result, error) {
			if err := task.Progress(ctx, domain.Result{"prediction_id": "pred-1", "polling": true}); err != nil {
				return nil, err
			}
			<-release
			return domain.Result{"video_url": "https://cdn/clip.mp4"}, nil
		}),
	})

	job, err := h.dispatcher.Submit(context.Background(), submission(domain.RouteClipGenerate, domain.JobTypeClip, "scene-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		current, _, _ := h.store.Get(context.Background(), job.ID)
		return current.Result.PredictionID() == "pred-1"
	}, time.Second, 5*time.Millisecond)

	close(release)
	done := h.waitStatus(t, job.ID, domain.JobStatusCompleted)
	assert.Empty(t, done.Result.PredictionID())
}

func TestShutdownLeavesInterruptedJobsGenerating(t *testing.T) {
	h := newHarness(t, DefaultConfig(), routeMap{
		domain.RouteClipGenerate: HandlerFunc(func(ctx context.Context, task Task) (domain.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	job, err := h.dispatcher.Submit(context.Background(), submission(domain.RouteClipGenerate, domain.JobTypeClip, "scene-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.dispatcher.Shutdown(ctx), context.DeadlineExceeded)

	current, _, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusGenerating, current.Status)

	_, err = h.dispatcher.Submit(context.Background(), submission(domain.RouteClipGenerate, domain.JobTypeClip, "scene-2"))
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestUploadFailureFailsJob(t *testing.T) {
	h := newHarness(t, DefaultConfig(), routeMap{
		domain.RouteCharacter: HandlerFunc(func(ctx context.Context, task Task) (domain.Result, error) {
			return domain.Result{"image_base64": base64.StdEncoding.EncodeToString([]byte("x"))}, nil
		}),
	})
	h.objects.FailPuts(errors.New("bucket offline"))

	job, err := h.dispatcher.Submit(context.Background(), submission(domain.RouteCharacter, domain.JobTypeCharacter, "char-1"))
	require.NoError(t, err)
	failed := h.waitStatus(t, job.ID, domain.JobStatusFailed)
	assert.Contains(t, failed.ErrorMessage, "bucket offline")
	assert.Nil(t, failed.Result)
}
