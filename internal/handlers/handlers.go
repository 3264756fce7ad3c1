package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/limiter"
	"github.com/dunamismax/reelflow/internal/media"
	"github.com/dunamismax/reelflow/internal/provider"
	"github.com/dunamismax/reelflow/internal/recovery"
	"github.com/dunamismax/reelflow/internal/storage"
)

type Deps struct {
	Text    provider.TextGenerator
	Image   provider.ImageGenerator
	Video   provider.VideoGenerator
	Objects storage.ObjectStore
	// Assembler joins finished film shots. Without one, films end with
	// their shot list only.
	Assembler media.Assembler
	Limits    *limiter.Pool
	Retry     provider.RetryPolicy
	Clips     VideoConfig
	Logger    zerolog.Logger
}

type VideoConfig struct {
	PollInterval    time.Duration
	PollTimeout     time.Duration
	DurationSeconds int
	// ShotAttempts bounds how often a film shot is started and polled
	// before the film fails.
	ShotAttempts   uint
	ShotRetryPause time.Duration
}

func DefaultVideoConfig() VideoConfig {
	return VideoConfig{
		PollInterval:    3 * time.Second,
		PollTimeout:     10 * time.Minute,
		DurationSeconds: provider.DefaultClipSeconds,
		ShotAttempts:    3,
		ShotRetryPause:  2 * time.Second,
	}
}

// Set is the closed table of routes the dispatcher can run. Every route
// constant has a field; Resolve switches over all of them.
type Set struct {
	StoryGenerate          dispatch.Handler
	StoryRegenerate        dispatch.Handler
	StoryRefineBeat        dispatch.Handler
	StorySceneDescriptions dispatch.Handler

	Protagonist      dispatch.Handler
	Character        dispatch.Handler
	RefineCharacter  dispatch.Handler
	Location         dispatch.Handler
	RefineLocation   dispatch.Handler
	KeyMoment        dispatch.Handler
	RefineKeyMoment  dispatch.Handler
	SceneImages      dispatch.Handler
	SceneImage       dispatch.Handler
	RefineSceneImage dispatch.Handler
	AssetImage       dispatch.Handler

	FilmGenerate   dispatch.Handler
	ShotRegenerate dispatch.Handler
	ClipGenerate   dispatch.Handler

	clip *ClipHandler
}

func New(deps Deps) *Set {
	if deps.Retry.MaxAttempts == 0 {
		deps.Retry = provider.DefaultRetryPolicy
	}
	if deps.Clips.PollInterval <= 0 {
		deps.Clips = DefaultVideoConfig()
	}
	deps.Logger = deps.Logger.With().Str("component", "handlers").Logger()

	clip := &ClipHandler{deps: deps}
	film := &FilmHandler{deps: deps}
	return &Set{
		StoryGenerate:          &ScriptHandler{deps: deps, mode: scriptGenerate},
		StoryRegenerate:        &ScriptHandler{deps: deps, mode: scriptRegenerate},
		StoryRefineBeat:        &ScriptHandler{deps: deps, mode: scriptRefineBeat},
		StorySceneDescriptions: &ScriptHandler{deps: deps, mode: scriptSceneDescriptions},

		Protagonist:      &ImageHandler{deps: deps, kind: "protagonist"},
		Character:        &ImageHandler{deps: deps, kind: "character"},
		RefineCharacter:  &ImageHandler{deps: deps, kind: "character", refine: true},
		Location:         &ImageHandler{deps: deps, kind: "location"},
		RefineLocation:   &ImageHandler{deps: deps, kind: "location", refine: true},
		KeyMoment:        &ImageHandler{deps: deps, kind: "key moment"},
		RefineKeyMoment:  &ImageHandler{deps: deps, kind: "key moment", refine: true},
		SceneImages:      &SceneImagesHandler{deps: deps},
		SceneImage:       &ImageHandler{deps: deps, kind: "scene"},
		RefineSceneImage: &ImageHandler{deps: deps, kind: "scene", refine: true},
		AssetImage:       &ImageHandler{deps: deps, kind: "asset"},

		FilmGenerate:   dispatch.HandlerFunc(film.Generate),
		ShotRegenerate: dispatch.HandlerFunc(film.RegenerateShot),
		ClipGenerate:   clip,

		clip: clip,
	}
}

func (s *Set) Resolve(route domain.Route) (dispatch.Handler, error) {
	var h dispatch.Handler
	switch route {
	case domain.RouteStoryGenerate:
		h = s.StoryGenerate
	case domain.RouteStoryRegenerate:
		h = s.StoryRegenerate
	case domain.RouteStoryRefineBeat:
		h = s.StoryRefineBeat
	case domain.RouteStorySceneDescriptions:
		h = s.StorySceneDescriptions
	case domain.RouteProtagonist:
		h = s.Protagonist
	case domain.RouteCharacter:
		h = s.Character
	case domain.RouteRefineCharacter:
		h = s.RefineCharacter
	case domain.RouteLocation:
		h = s.Location
	case domain.RouteRefineLocation:
		h = s.RefineLocation
	case domain.RouteKeyMoment:
		h = s.KeyMoment
	case domain.RouteRefineKeyMoment:
		h = s.RefineKeyMoment
	case domain.RouteSceneImages:
		h = s.SceneImages
	case domain.RouteSceneImage:
		h = s.SceneImage
	case domain.RouteRefineSceneImage:
		h = s.RefineSceneImage
	case domain.RouteAssetImage:
		h = s.AssetImage
	case domain.RouteFilmGenerate:
		h = s.FilmGenerate
	case domain.RouteShotRegenerate:
		h = s.ShotRegenerate
	case domain.RouteClipGenerate:
		h = s.ClipGenerate
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrRouteNotFound, route)
	}
	return h, nil
}

// Resumables lists the handlers the stale detector can recover.
func (s *Set) Resumables() recovery.Registry {
	return recovery.Registry{domain.JobTypeClip: s.clip}
}

func acquire(ctx context.Context, pool *limiter.Pool, cat domain.Category) (func(), error) {
	if pool == nil {
		return func() {}, nil
	}
	return pool.Acquire(ctx, cat)
}

func decodePayload(job domain.Job, v any) error {
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Route, err)
	}
	return nil
}
