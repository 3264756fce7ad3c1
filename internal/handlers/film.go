package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/reelflow/internal/chain"
	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/media"
	"github.com/dunamismax/reelflow/internal/postprocess"
	"github.com/dunamismax/reelflow/internal/provider"
)

type shotPayload struct {
	Film       domain.FilmRequest `json:"film"`
	ShotNumber int                `json:"shot_number"`
	Feedback   string             `json:"feedback"`
}

// FilmHandler renders a multi-shot film as a frame chain. Shots are
// persisted into the job's progress as they finish.
type FilmHandler struct {
	deps Deps
}

func (h *FilmHandler) Generate(ctx context.Context, task dispatch.Task) (domain.Result, error) {
	var film domain.FilmRequest
	if err := decodePayload(task.Job, &film); err != nil {
		return nil, err
	}
	if film.FilmID == "" {
		film.FilmID = task.Job.TargetID
	}

	shots, err := h.runner(task.Job).Run(ctx, film, h.progress(task, film.FilmID))
	if err != nil {
		return nil, err
	}
	return h.finish(ctx, task.Job, film.FilmID, shots)
}

func (h *FilmHandler) RegenerateShot(ctx context.Context, task dispatch.Task) (domain.Result, error) {
	var p shotPayload
	if err := decodePayload(task.Job, &p); err != nil {
		return nil, err
	}
	if p.ShotNumber <= 0 {
		return nil, errors.New("shot_number is required")
	}
	if p.Film.FilmID == "" {
		p.Film.FilmID = task.Job.TargetID
	}
	if p.Feedback != "" {
		for i := range p.Film.Shots {
			if p.Film.Shots[i].Number == p.ShotNumber {
				p.Film.Shots[i].Prompt += ". Changes: " + p.Feedback
			}
		}
	}

	shots, err := h.runner(task.Job).RetryShot(ctx, p.Film, p.ShotNumber, h.progress(task, p.Film.FilmID))
	if err != nil {
		return nil, err
	}
	result, err := h.finish(ctx, task.Job, p.Film.FilmID, shots)
	if err != nil {
		return nil, err
	}
	result["regenerated_shot"] = p.ShotNumber
	return result, nil
}

// finish builds the film result and, once every shot has a clip, joins
// them into the final cut.
func (h *FilmHandler) finish(ctx context.Context, job domain.Job, filmID string, shots []domain.Shot) (domain.Result, error) {
	result := filmResult(filmID, shots)
	if h.deps.Assembler == nil {
		return result, nil
	}
	clips := make([]media.Clip, 0, len(shots))
	for _, shot := range shots {
		if shot.Status != domain.ShotCompleted || shot.OutputRef == "" {
			return result, nil
		}
		data, err := h.deps.Objects.Get(ctx, shot.OutputRef)
		if err != nil {
			return nil, fmt.Errorf("load shot %d: %w", shot.Number, err)
		}
		clips = append(clips, media.Clip{Data: data, MimeType: "video/mp4"})
	}

	final, err := h.deps.Assembler.Assemble(ctx, clips)
	if err != nil {
		return nil, fmt.Errorf("assemble film: %w", err)
	}
	key := postprocess.ObjectKey(postprocess.TargetOf(job), "final", postprocess.Extension(final.MimeType))
	ref, err := h.deps.Objects.Put(ctx, key, final.Data, final.MimeType)
	if err != nil {
		return nil, fmt.Errorf("upload final film: %w", err)
	}
	result[domain.ResultFinalVideoURL] = ref
	return result, nil
}

func (h *FilmHandler) runner(job domain.Job) *chain.Runner {
	target := postprocess.TargetOf(job)
	return &chain.Runner{
		Keyframes:    &keyframer{deps: h.deps, target: target},
		Renderer:     &shotRenderer{deps: h.deps, target: target},
		ShotAttempts: h.deps.Clips.ShotAttempts,
		RetryPause:   h.deps.Clips.ShotRetryPause,
		Logger:       h.deps.Logger.With().Str("film_job", job.ID).Logger(),
	}
}

func (h *FilmHandler) progress(task dispatch.Task, filmID string) chain.ProgressFunc {
	return func(ctx context.Context, shots []domain.Shot) error {
		return task.Progress(ctx, filmResult(filmID, shots))
	}
}

func filmResult(filmID string, shots []domain.Shot) domain.Result {
	return domain.Result{
		"film_id":            filmID,
		domain.ResultShots:   shots,
		domain.ResultCostUSD: chain.Cost(shots),
	}
}

type keyframer struct {
	deps   Deps
	target postprocess.Target
}

func (k *keyframer) Keyframe(ctx context.Context, film domain.FilmRequest, shot domain.Shot) (string, error) {
	prompt := shot.Prompt
	if film.Style != "" {
		prompt += ". Style: " + film.Style
	}
	img, err := generateImage(ctx, k.deps, provider.ImageRequest{Prompt: prompt, References: film.References})
	if err != nil {
		return "", err
	}
	key := postprocess.ObjectKey(k.target, fmt.Sprintf("shot_%d_keyframe", shot.Number), postprocess.Extension(img.MimeType))
	ref, err := k.deps.Objects.Put(ctx, key, img.Data, img.MimeType)
	if err != nil {
		return "", fmt.Errorf("upload keyframe: %w", err)
	}
	return ref, nil
}

type shotRenderer struct {
	deps   Deps
	target postprocess.Target
}

func (r *shotRenderer) Render(ctx context.Context, film domain.FilmRequest, shot domain.Shot) (domain.Shot, error) {
	release, err := acquire(ctx, r.deps.Limits, domain.CategoryVideo)
	if err != nil {
		return shot, err
	}
	defer release()

	pred, err := provider.Retry(ctx, r.deps.Retry, func(ctx context.Context) (provider.Prediction, error) {
		return r.deps.Video.StartVideo(ctx, provider.VideoRequest{
			Prompt:          shot.Prompt,
			ImageURL:        shot.AnchorRef,
			DurationSeconds: r.deps.Clips.DurationSeconds,
			ReturnLastFrame: true,
		})
	})
	if err != nil {
		return shot, fmt.Errorf("start video: %w", err)
	}
	pred, err = awaitPrediction(ctx, r.deps, pred.ID)
	if err != nil {
		return shot, err
	}

	label := fmt.Sprintf("shot_%d", shot.Number)
	if shot.OutputRef, err = storeArtifact(ctx, r.deps, r.target, label, pred.OutputURL); err != nil {
		return shot, err
	}
	if shot.LastFrameRef, err = storeArtifact(ctx, r.deps, r.target, label+"_last_frame", pred.LastFrameURL); err != nil {
		return shot, err
	}
	shot.CostUSD = provider.VideoCost(r.deps.Clips.DurationSeconds)
	return shot, nil
}
