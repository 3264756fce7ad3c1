package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/postprocess"
	"github.com/dunamismax/reelflow/internal/provider"
)

var ErrPollTimeout = errors.New("provider poll timed out")

type clipPayload struct {
	SceneNumber int    `json:"scene_number"`
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url"`
	Duration    int    `json:"duration"`
}

// ClipHandler renders one scene clip. The prediction handle is persisted
// before polling starts so a restart can pick the work up again.
type ClipHandler struct {
	deps Deps
}

func (h *ClipHandler) Handle(ctx context.Context, task dispatch.Task) (domain.Result, error) {
	var p clipPayload
	if err := decodePayload(task.Job, &p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, errors.New("prompt is required")
	}

	release, err := acquire(ctx, h.deps.Limits, domain.CategoryVideo)
	if err != nil {
		return nil, err
	}
	defer release()

	pred, err := provider.Retry(ctx, h.deps.Retry, func(ctx context.Context) (provider.Prediction, error) {
		return h.deps.Video.StartVideo(ctx, provider.VideoRequest{
			Prompt:          p.Prompt,
			ImageURL:        p.ImageURL,
			DurationSeconds: h.duration(p),
			ReturnLastFrame: true,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("start video: %w", err)
	}

	err = task.Progress(ctx, domain.Result{
		domain.ResultPredictionID: pred.ID,
		domain.ResultPolling:      true,
		"generation_id":           task.Job.GenerationID,
		"scene_number":            p.SceneNumber,
	})
	if err != nil {
		return nil, err
	}

	pred, err = awaitPrediction(ctx, h.deps, pred.ID)
	if err != nil {
		return nil, err
	}
	return h.Finish(ctx, task.Job, pred)
}

// Status implements recovery.Resumable.
func (h *ClipHandler) Status(ctx context.Context, job domain.Job) (provider.Prediction, error) {
	return h.deps.Video.VideoStatus(ctx, job.Result.PredictionID())
}

// Finish implements recovery.Resumable: it copies the provider's artifacts
// into object storage and builds the clip result.
func (h *ClipHandler) Finish(ctx context.Context, job domain.Job, pred provider.Prediction) (domain.Result, error) {
	var p clipPayload
	if err := decodePayload(job, &p); err != nil {
		return nil, err
	}
	target := postprocess.TargetOf(job)

	videoURL, err := storeArtifact(ctx, h.deps, target, "clip", pred.OutputURL)
	if err != nil {
		return nil, err
	}
	result := domain.Result{
		"video_url":          videoURL,
		"scene_number":       p.SceneNumber,
		domain.ResultCostUSD: provider.VideoCost(h.duration(p)),
	}
	if pred.LastFrameURL != "" {
		frameURL, err := storeArtifact(ctx, h.deps, target, "last_frame", pred.LastFrameURL)
		if err != nil {
			return nil, err
		}
		result["last_frame_url"] = frameURL
	}
	return result, nil
}

func (h *ClipHandler) duration(p clipPayload) int {
	if p.Duration > 0 {
		return p.Duration
	}
	return h.deps.Clips.DurationSeconds
}

// awaitPrediction polls until the prediction succeeds, fails or the poll
// timeout passes. Transient status errors are polled through.
func awaitPrediction(ctx context.Context, deps Deps, predictionID string) (provider.Prediction, error) {
	cfg := deps.Clips
	var deadline <-chan time.Time
	if cfg.PollTimeout > 0 {
		timer := time.NewTimer(cfg.PollTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return provider.Prediction{}, ctx.Err()
		case <-deadline:
			return provider.Prediction{}, fmt.Errorf("%w after %s", ErrPollTimeout, cfg.PollTimeout)
		case <-ticker.C:
		}

		pred, err := deps.Video.VideoStatus(ctx, predictionID)
		if err != nil {
			if ctx.Err() != nil || !provider.Retryable(err) {
				return provider.Prediction{}, fmt.Errorf("poll prediction %s: %w", predictionID, err)
			}
			deps.Logger.Warn().Err(err).Str("prediction_id", predictionID).Msg("prediction status check failed")
			continue
		}
		switch {
		case pred.Status == provider.StatusSucceeded:
			return pred, nil
		case pred.Done():
			if pred.Error == "" {
				return pred, fmt.Errorf("provider: generation %s", pred.Status)
			}
			return pred, fmt.Errorf("provider: %s", pred.Error)
		}
	}
}

// storeArtifact downloads a provider artifact and uploads it under the
// job's object prefix.
func storeArtifact(ctx context.Context, deps Deps, target postprocess.Target, label, url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("provider returned no %s url", label)
	}
	type download struct {
		data     []byte
		mimeType string
	}
	d, err := provider.Retry(ctx, deps.Retry, func(ctx context.Context) (download, error) {
		data, mimeType, err := deps.Video.Download(ctx, url)
		return download{data: data, mimeType: mimeType}, err
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", label, err)
	}
	if d.mimeType == "" {
		d.mimeType = "video/mp4"
	}

	key := postprocess.ObjectKey(target, label, postprocess.Extension(d.mimeType))
	ref, err := deps.Objects.Put(ctx, key, d.data, d.mimeType)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", label, err)
	}
	return ref, nil
}
