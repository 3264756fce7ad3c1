package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/feed"
	"github.com/dunamismax/reelflow/internal/limiter"
	"github.com/dunamismax/reelflow/internal/logging"
	"github.com/dunamismax/reelflow/internal/media"
	"github.com/dunamismax/reelflow/internal/postprocess"
	"github.com/dunamismax/reelflow/internal/provider"
	"github.com/dunamismax/reelflow/internal/storage"
	"github.com/dunamismax/reelflow/internal/store"
)

var fastRetry = provider.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

func testDeps(synth *provider.Synthetic, objects *storage.MemoryStore) Deps {
	return Deps{
		Text:    synth,
		Image:   synth,
		Video:   synth,
		Objects: objects,
		Limits: limiter.New(map[domain.Category]limiter.ClassConfig{
			domain.CategoryText:  {Concurrency: 4},
			domain.CategoryImage: {Concurrency: 2},
			domain.CategoryVideo: {Concurrency: 2},
		}),
		Retry:  fastRetry,
		Clips:  VideoConfig{PollInterval: time.Millisecond, PollTimeout: time.Second, DurationSeconds: 8},
		Logger: logging.Nop(),
	}
}

type progressLog struct {
	mu      sync.Mutex
	updates []domain.Result
}

func (p *progressLog) record(_ context.Context, r domain.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, r.Clone())
	return nil
}

func (p *progressLog) all() []domain.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Result(nil), p.updates...)
}

func task(route domain.Route, jobType domain.JobType, target string, payload any) (dispatch.Task, *progressLog) {
	raw, _ := json.Marshal(payload)
	log := &progressLog{}
	return dispatch.Task{
		Job: domain.Job{
			ID:           "job-1",
			GenerationID: "gen-1",
			Type:         jobType,
			TargetID:     target,
			Route:        route,
			Payload:      raw,
			Status:       domain.JobStatusGenerating,
		},
		Progress: log.record,
	}, log
}

func TestResolveCoversEveryRoute(t *testing.T) {
	set := New(testDeps(provider.NewSynthetic(), storage.NewMemoryStore()))
	for _, route := range domain.Routes() {
		h, err := set.Resolve(route)
		require.NoError(t, err, route)
		assert.NotNil(t, h, route)
	}

	_, err := set.Resolve("/story/unknown")
	require.ErrorIs(t, err, dispatch.ErrRouteNotFound)

	set.AssetImage = nil
	_, err = set.Resolve(domain.RouteAssetImage)
	require.ErrorIs(t, err, dispatch.ErrRouteNotFound)

	assert.Contains(t, set.Resumables(), domain.JobTypeClip)
}

func TestScriptHandlerParsesStory(t *testing.T) {
	set := New(testDeps(provider.NewSynthetic(), storage.NewMemoryStore()))
	tk, _ := task(domain.RouteStoryGenerate, domain.JobTypeStory, "story", map[string]any{"prompt": "a lighthouse keeper"})

	result, err := set.StoryGenerate.Handle(context.Background(), tk)
	require.NoError(t, err)
	story, ok := result["story"].(map[string]any)
	require.True(t, ok, "structured output is kept as JSON")
	assert.Contains(t, story, "beats")
	assert.Greater(t, result.Float(domain.ResultCostUSD), 0.0)

	tk, _ = task(domain.RouteStoryRefineBeat, domain.JobTypeStory, "story", map[string]any{"beat_index": 1})
	_, err = set.StoryRefineBeat.Handle(context.Background(), tk)
	require.Error(t, err)
}

func TestParseText(t *testing.T) {
	assert.Equal(t, map[string]any{"a": 1.0}, parseText("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "plain words", parseText("plain words"))
	assert.Equal(t, "42", parseText("42"))
}

// flakyText fails with transient errors a fixed number of times.
type flakyText struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyText) GenerateText(ctx context.Context, req provider.TextRequest) (provider.TextResponse, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return provider.TextResponse{}, &provider.Error{Provider: "text", Kind: provider.KindTransient, Status: 503, Err: errors.New("overloaded")}
	}
	return provider.TextResponse{Text: `{"title":"ok"}`, InputTokens: 1000, OutputTokens: 500}, nil
}

func TestTransientProviderErrorsNeverLeakFailedRow(t *testing.T) {
	deps := testDeps(provider.NewSynthetic(), storage.NewMemoryStore())
	text := &flakyText{failures: 2}
	deps.Text = text
	set := New(deps)

	jobs := store.NewMemoryStore()
	hub := feed.NewHub()
	completer := dispatch.NewCompleter(jobs, postprocess.New(storage.NewMemoryStore(), logging.Nop()), hub, logging.Nop())
	d := dispatch.New(dispatch.DefaultConfig(), jobs, set, completer, nil, logging.Nop())
	defer func() { _ = d.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := hub.Subscribe(ctx, "gen-1")
	require.NoError(t, err)

	job, err := d.Submit(context.Background(), domain.Submission{
		GenerationID: "gen-1",
		JobType:      domain.JobTypeStory,
		TargetID:     "story",
		Route:        domain.RouteStoryGenerate,
		Payload:      json.RawMessage(`{"prompt":"a lighthouse keeper"}`),
	})
	require.NoError(t, err)

	var statuses []string
	for ev := range events {
		statuses = append(statuses, ev.Job.Status)
		if ev.Job.Terminal() {
			break
		}
	}
	assert.Equal(t, []string{domain.JobStatusGenerating, domain.JobStatusCompleted}, statuses)
	assert.Equal(t, int32(3), text.calls.Load())

	done, _, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.InDelta(t, provider.TextCost(1000, 500), done.Result.Float(domain.ResultCostUSD), 1e-12)
}

func TestImageHandlers(t *testing.T) {
	set := New(testDeps(provider.NewSynthetic(), storage.NewMemoryStore()))

	tk, _ := task(domain.RouteCharacter, domain.JobTypeCharacter, "char-1", map[string]any{
		"name": "Mara", "description": "a tired sailor", "visual_style": "noir",
	})
	result, err := set.Character.Handle(context.Background(), tk)
	require.NoError(t, err)
	img := result["image"].(map[string]any)
	assert.NotEmpty(t, img["image_base64"])
	assert.Equal(t, "image/png", img["mime_type"])
	assert.Equal(t, "character: Mara, a tired sailor. Style: noir", img["prompt_used"])
	assert.InDelta(t, provider.ImageCostUSD, result.Float(domain.ResultCostUSD), 1e-12)

	tk, _ = task(domain.RouteRefineCharacter, domain.JobTypeCharacter, "char-1", map[string]any{"prompt": "Mara", "feedback": "older"})
	_, err = set.RefineCharacter.Handle(context.Background(), tk)
	require.Error(t, err, "refine requires the current image")

	tk, _ = task(domain.RouteSceneImages, domain.JobTypeSceneImages, "scenes", map[string]any{
		"scenes": []map[string]any{{"scene_number": 1, "prompt": "dock"}, {"scene_number": 2, "prompt": "storm"}, {"prompt": "dawn"}},
	})
	result, err = set.SceneImages.Handle(context.Background(), tk)
	require.NoError(t, err)
	images := result["scene_images"].([]any)
	require.Len(t, images, 3)
	assert.Equal(t, 3, images[2].(map[string]any)["scene_number"])
	assert.InDelta(t, 3*provider.ImageCostUSD, result.Float(domain.ResultCostUSD), 1e-12)

	processed, err := postprocess.New(storage.NewMemoryStore(), logging.Nop()).Process(context.Background(), postprocess.TargetOf(tk.Job), result)
	require.NoError(t, err)
	assert.Empty(t, processed.InlineBinaryKeys())
}

func TestClipHandlerPersistsHandleAndUploads(t *testing.T) {
	synth := provider.NewSynthetic()
	objects := storage.NewMemoryStore()
	set := New(testDeps(synth, objects))

	tk, log := task(domain.RouteClipGenerate, domain.JobTypeClip, "scene-1", map[string]any{"scene_number": 1, "prompt": "waves"})
	result, err := set.ClipGenerate.Handle(context.Background(), tk)
	require.NoError(t, err)

	updates := log.all()
	require.Len(t, updates, 1)
	assert.NotEmpty(t, updates[0].PredictionID())
	assert.Equal(t, "gen-1", updates[0].String("generation_id"))

	assert.Equal(t, "mem://gen-1/clip/scene-1/clip.mp4", result.String("video_url"))
	assert.Equal(t, "mem://gen-1/clip/scene-1/last_frame.png", result.String("last_frame_url"))
	assert.InDelta(t, 0.176, result.Float(domain.ResultCostUSD), 1e-12)
	_, ok := objects.Object("gen-1/clip/scene-1/clip.mp4")
	assert.True(t, ok)
}

func TestClipHandlerProviderFailure(t *testing.T) {
	synth := provider.NewSynthetic()
	set := New(testDeps(synth, storage.NewMemoryStore()))
	synth.FailNext("status", &provider.Error{Provider: "video", Kind: provider.KindPermanent, Status: 400, Err: errors.New("prompt rejected")})

	tk, _ := task(domain.RouteClipGenerate, domain.JobTypeClip, "scene-1", map[string]any{"prompt": "waves"})
	_, err := set.ClipGenerate.Handle(context.Background(), tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt rejected")
}

func TestClipHandlerResumesFromHandle(t *testing.T) {
	synth := provider.NewSynthetic()
	objects := storage.NewMemoryStore()
	set := New(testDeps(synth, objects))
	resumable := set.Resumables()[domain.JobTypeClip]

	synth.Resolve("pred-orphan", provider.StatusSucceeded, "")
	tk, _ := task(domain.RouteClipGenerate, domain.JobTypeClip, "scene-4", map[string]any{"scene_number": 4, "prompt": "cliff"})
	job := tk.Job
	job.Result = domain.Result{"prediction_id": "pred-orphan", "polling": true}

	pred, err := resumable.Status(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusSucceeded, pred.Status)

	result, err := resumable.Finish(context.Background(), job, pred)
	require.NoError(t, err)
	assert.Equal(t, "mem://gen-1/clip/scene-4/clip.mp4", result.String("video_url"))
	assert.Equal(t, 4, result["scene_number"])
}

func TestFilmHandlerChainsShots(t *testing.T) {
	synth := provider.NewSynthetic()
	objects := storage.NewMemoryStore()
	set := New(testDeps(synth, objects))

	film := domain.FilmRequest{
		FilmID: "film-1",
		Style:  "noir",
		Shots: []domain.Shot{
			{Number: 1, Prompt: "harbor"},
			{Number: 2, Prompt: "boat leaves"},
			{Number: 3, Prompt: "years later", Discontinuity: true},
		},
	}
	tk, log := task(domain.RouteFilmGenerate, domain.JobTypeFilm, "film-1", film)
	result, err := set.FilmGenerate.Handle(context.Background(), tk)
	require.NoError(t, err)

	shots := result[domain.ResultShots].([]domain.Shot)
	require.Len(t, shots, 3)
	assert.Equal(t, "mem://gen-1/film/film-1/shot_1_keyframe.png", shots[0].AnchorRef)
	assert.Equal(t, shots[0].LastFrameRef, shots[1].AnchorRef)
	assert.Equal(t, "mem://gen-1/film/film-1/shot_3_keyframe.png", shots[2].AnchorRef)
	assert.Equal(t, domain.AnchorFresh, shots[2].Anchor)
	assert.InDelta(t, 3*0.176, result.Float(domain.ResultCostUSD), 1e-9)
	assert.Len(t, log.all(), 6)

	film.Shots = shots
	tk, _ = task(domain.RouteShotRegenerate, domain.JobTypeFilm, "film-1", map[string]any{
		"film": film, "shot_number": 2, "feedback": "slower",
	})
	result, err = set.ShotRegenerate.Handle(context.Background(), tk)
	require.NoError(t, err)
	regenerated := result[domain.ResultShots].([]domain.Shot)
	assert.Equal(t, shots[0].LastFrameRef, regenerated[1].AnchorRef)
	assert.Equal(t, "boat leaves. Changes: slower", regenerated[1].Prompt)
	assert.Equal(t, shots[2], regenerated[2])
	assert.Equal(t, 2, result["regenerated_shot"])
}

// failFirstPoll reports the first polled prediction as failed.
type failFirstPoll struct {
	*provider.Synthetic
	mu     sync.Mutex
	failed bool
	starts int
}

func (v *failFirstPoll) StartVideo(ctx context.Context, req provider.VideoRequest) (provider.Prediction, error) {
	v.mu.Lock()
	v.starts++
	v.mu.Unlock()
	return v.Synthetic.StartVideo(ctx, req)
}

func (v *failFirstPoll) VideoStatus(ctx context.Context, predictionID string) (provider.Prediction, error) {
	v.mu.Lock()
	first := !v.failed
	v.failed = true
	v.mu.Unlock()
	if first {
		return provider.Prediction{ID: predictionID, Status: provider.StatusFailed, Error: "gpu lost"}, nil
	}
	return v.Synthetic.VideoStatus(ctx, predictionID)
}

func TestFilmHandlerRetriesFailedShotAndAssembles(t *testing.T) {
	synth := provider.NewSynthetic()
	video := &failFirstPoll{Synthetic: synth}
	objects := storage.NewMemoryStore()
	deps := testDeps(synth, objects)
	deps.Video = video
	deps.Assembler = media.Concat{}
	deps.Clips.ShotAttempts = 3
	set := New(deps)

	film := domain.FilmRequest{
		FilmID: "film-1",
		Shots: []domain.Shot{
			{Number: 1, Prompt: "harbor"},
			{Number: 2, Prompt: "boat leaves"},
		},
	}
	tk, _ := task(domain.RouteFilmGenerate, domain.JobTypeFilm, "film-1", film)
	result, err := set.FilmGenerate.Handle(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, 3, video.starts, "the failed shot is started again")

	shots := result[domain.ResultShots].([]domain.Shot)
	require.Len(t, shots, 2)
	for _, shot := range shots {
		assert.Equal(t, domain.ShotCompleted, shot.Status)
	}

	assert.Equal(t, "mem://gen-1/film/film-1/final.mp4", result.String(domain.ResultFinalVideoURL))
	final, ok := objects.Object("gen-1/film/film-1/final.mp4")
	require.True(t, ok)
	first, ok := objects.Object("gen-1/film/film-1/shot_1.mp4")
	require.True(t, ok)
	second, ok := objects.Object("gen-1/film/film-1/shot_2.mp4")
	require.True(t, ok)
	assert.Equal(t, append(append([]byte(nil), first.Data...), second.Data...), final.Data)
	assert.Equal(t, "video/mp4", final.ContentType)
}

func TestFilmHandlerFailsAfterShotAttempts(t *testing.T) {
	synth := provider.NewSynthetic()
	deps := testDeps(synth, storage.NewMemoryStore())
	deps.Assembler = media.Concat{}
	deps.Clips.ShotAttempts = 2
	set := New(deps)

	rejected := &provider.Error{Provider: "video", Kind: provider.KindPermanent, Status: 400, Err: errors.New("prompt rejected")}
	synth.FailNext("start", rejected)
	tk, _ := task(domain.RouteFilmGenerate, domain.JobTypeFilm, "film-1", domain.FilmRequest{
		Shots: []domain.Shot{{Number: 1, Prompt: "harbor"}},
	})
	result, err := set.FilmGenerate.Handle(context.Background(), tk)
	require.NoError(t, err, "second attempt renders the shot")
	assert.NotEmpty(t, result.String(domain.ResultFinalVideoURL))

	synth.FailNext("start", rejected)
	deps.Clips.ShotAttempts = 1
	set = New(deps)
	_, err = set.FilmGenerate.Handle(context.Background(), tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shot 1: start video")
	assert.Contains(t, err.Error(), "prompt rejected")
}
