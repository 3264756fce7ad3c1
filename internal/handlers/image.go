package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/provider"
)

type imagePayload struct {
	Prompt      string   `json:"prompt"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Style       string   `json:"visual_style"`
	Feedback    string   `json:"feedback"`
	References  []string `json:"reference_images"`
	AspectRatio string   `json:"aspect_ratio"`
}

func (p imagePayload) prompt(kind string, refine bool) string {
	base := strings.TrimSpace(p.Prompt)
	if base == "" {
		parts := make([]string, 0, 3)
		if p.Name != "" {
			parts = append(parts, p.Name)
		}
		if p.Description != "" {
			parts = append(parts, p.Description)
		}
		if len(parts) > 0 {
			base = fmt.Sprintf("%s: %s", kind, strings.Join(parts, ", "))
		}
	}
	if base != "" && p.Style != "" {
		base += ". Style: " + p.Style
	}
	if refine && p.Feedback != "" {
		base += ". Changes: " + p.Feedback
	}
	return base
}

// ImageHandler generates one still: characters, locations, key moments,
// scene images and free-form assets. The inline image is uploaded by the
// post-processor.
type ImageHandler struct {
	deps   Deps
	kind   string
	refine bool
}

func (h *ImageHandler) Handle(ctx context.Context, task dispatch.Task) (domain.Result, error) {
	var p imagePayload
	if err := decodePayload(task.Job, &p); err != nil {
		return nil, err
	}
	prompt := p.prompt(h.kind, h.refine)
	if prompt == "" {
		return nil, errors.New("prompt or description is required")
	}
	if h.refine && len(p.References) == 0 {
		return nil, errors.New("refine needs the current image in reference_images")
	}

	img, err := generateImage(ctx, h.deps, provider.ImageRequest{
		Prompt:      prompt,
		References:  p.References,
		AspectRatio: p.AspectRatio,
	})
	if err != nil {
		return nil, err
	}
	return domain.Result{
		"image": map[string]any{
			"image_base64": base64.StdEncoding.EncodeToString(img.Data),
			"mime_type":    img.MimeType,
			"prompt_used":  prompt,
		},
		domain.ResultCostUSD: provider.ImageCostUSD,
	}, nil
}

func generateImage(ctx context.Context, deps Deps, req provider.ImageRequest) (provider.ImageResponse, error) {
	release, err := acquire(ctx, deps.Limits, domain.CategoryImage)
	if err != nil {
		return provider.ImageResponse{}, err
	}
	defer release()

	img, err := provider.Retry(ctx, deps.Retry, func(ctx context.Context) (provider.ImageResponse, error) {
		return deps.Image.GenerateImage(ctx, req)
	})
	if err != nil {
		return provider.ImageResponse{}, fmt.Errorf("generate image: %w", err)
	}
	if img.MimeType == "" {
		img.MimeType = "image/png"
	}
	return img, nil
}

type scenePrompt struct {
	SceneNumber int    `json:"scene_number"`
	Prompt      string `json:"prompt"`
}

type sceneImagesPayload struct {
	Scenes      []scenePrompt `json:"scenes"`
	Style       string        `json:"visual_style"`
	References  []string      `json:"reference_images"`
	AspectRatio string        `json:"aspect_ratio"`
}

// SceneImagesHandler renders one still per scene. Calls run concurrently and
// are bounded by the image class of the limiter pool.
type SceneImagesHandler struct {
	deps Deps
}

func (h *SceneImagesHandler) Handle(ctx context.Context, task dispatch.Task) (domain.Result, error) {
	var p sceneImagesPayload
	if err := decodePayload(task.Job, &p); err != nil {
		return nil, err
	}
	if len(p.Scenes) == 0 {
		return nil, errors.New("scenes are required")
	}

	images := make([]any, len(p.Scenes))
	g, gctx := errgroup.WithContext(ctx)
	for i, scene := range p.Scenes {
		number := scene.SceneNumber
		if number == 0 {
			number = i + 1
		}
		prompt := scene.Prompt
		if p.Style != "" {
			prompt += ". Style: " + p.Style
		}
		g.Go(func() error {
			img, err := generateImage(gctx, h.deps, provider.ImageRequest{
				Prompt:      prompt,
				References:  p.References,
				AspectRatio: p.AspectRatio,
			})
			if err != nil {
				return fmt.Errorf("scene %d: %w", number, err)
			}
			images[i] = map[string]any{
				"scene_number": number,
				"image_base64": base64.StdEncoding.EncodeToString(img.Data),
				"mime_type":    img.MimeType,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return domain.Result{
		"scene_images":       images,
		domain.ResultCostUSD: float64(len(images)) * provider.ImageCostUSD,
	}, nil
}
