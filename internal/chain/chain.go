package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/dunamismax/reelflow/internal/domain"
)

var (
	ErrNoShots      = errors.New("film has no shots")
	ErrShotNotFound = errors.New("shot not found")
	ErrBrokenChain  = errors.New("predecessor has no last frame to chain from")
)

// Keyframer produces a fresh anchor image for a shot and returns its
// reference.
type Keyframer interface {
	Keyframe(ctx context.Context, film domain.FilmRequest, shot domain.Shot) (string, error)
}

// Renderer turns an anchored shot into a clip. The returned shot carries
// OutputRef and LastFrameRef.
type Renderer interface {
	Render(ctx context.Context, film domain.FilmRequest, shot domain.Shot) (domain.Shot, error)
}

// ProgressFunc persists the full shot list after every change.
type ProgressFunc func(ctx context.Context, shots []domain.Shot) error

// Plan numbers the shots and records the anchor strategy of each: the first
// shot and every flagged discontinuity start fresh, the rest chain from
// their predecessor.
func Plan(shots []domain.Shot) []domain.Shot {
	out := make([]domain.Shot, len(shots))
	copy(out, shots)
	for i := range out {
		if out[i].Number == 0 {
			out[i].Number = i + 1
		}
		if i == 0 || out[i].Discontinuity {
			out[i].Anchor = domain.AnchorFresh
		} else {
			out[i].Anchor = domain.AnchorChained
		}
		if out[i].Status == "" {
			out[i].Status = domain.ShotPending
		}
	}
	return out
}

type Runner struct {
	Keyframes Keyframer
	Renderer  Renderer
	// ShotAttempts bounds how many times one shot is rendered before the
	// chain stops. Zero renders once.
	ShotAttempts uint
	RetryPause   time.Duration
	Logger       zerolog.Logger
}

// Run renders the shots in order. Shots that already completed in an earlier
// attempt are kept as they are. The first failing shot stops the chain.
func (r *Runner) Run(ctx context.Context, film domain.FilmRequest, progress ProgressFunc) ([]domain.Shot, error) {
	if len(film.Shots) == 0 {
		return nil, ErrNoShots
	}
	shots := Plan(film.Shots)
	for i := range shots {
		if shots[i].Status == domain.ShotCompleted && shots[i].OutputRef != "" {
			continue
		}
		if err := r.render(ctx, film, shots, i, progress); err != nil {
			return shots, err
		}
	}
	return shots, nil
}

// RetryShot re-renders a single shot using the anchor strategy persisted for
// it. The other shots are not touched.
func (r *Runner) RetryShot(ctx context.Context, film domain.FilmRequest, number int, progress ProgressFunc) ([]domain.Shot, error) {
	shots := make([]domain.Shot, len(film.Shots))
	copy(shots, film.Shots)
	if !planned(shots) {
		shots = Plan(shots)
	}

	idx := -1
	for i := range shots {
		if shots[i].Number == number {
			idx = i
			break
		}
	}
	if idx < 0 {
		return shots, fmt.Errorf("%w: %d", ErrShotNotFound, number)
	}

	shots[idx].OutputRef = ""
	shots[idx].LastFrameRef = ""
	shots[idx].Error = ""
	if shots[idx].Anchor == domain.AnchorFresh {
		shots[idx].AnchorRef = ""
	}
	if err := r.render(ctx, film, shots, idx, progress); err != nil {
		return shots, err
	}
	return shots, nil
}

func (r *Runner) render(ctx context.Context, film domain.FilmRequest, shots []domain.Shot, i int, progress ProgressFunc) error {
	shot := shots[i]
	shot.Status = domain.ShotRunning
	shot.Error = ""

	switch {
	case shot.Anchor == domain.AnchorFresh || i == 0:
		if shot.AnchorRef == "" {
			ref, err := r.Keyframes.Keyframe(ctx, film, shot)
			if err != nil {
				return r.failShot(ctx, shots, i, fmt.Errorf("shot %d keyframe: %w", shot.Number, err), progress)
			}
			shot.AnchorRef = ref
		}
	default:
		prev := shots[i-1]
		if prev.LastFrameRef == "" {
			return r.failShot(ctx, shots, i, fmt.Errorf("shot %d: %w", shot.Number, ErrBrokenChain), progress)
		}
		shot.AnchorRef = prev.LastFrameRef
	}

	shots[i] = shot
	if err := persist(ctx, progress, shots); err != nil {
		return err
	}

	rendered, err := r.renderShot(ctx, film, shot)
	if err != nil {
		return r.failShot(ctx, shots, i, fmt.Errorf("shot %d: %w", shot.Number, err), progress)
	}
	shot.OutputRef = rendered.OutputRef
	shot.LastFrameRef = rendered.LastFrameRef
	shot.CostUSD = rendered.CostUSD
	shot.Status = domain.ShotCompleted
	shots[i] = shot
	return persist(ctx, progress, shots)
}

// renderShot renders one shot, starting over after a fixed pause when the
// provider fails it.
func (r *Runner) renderShot(ctx context.Context, film domain.FilmRequest, shot domain.Shot) (domain.Shot, error) {
	attempts := r.ShotAttempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.Retry(ctx, func() (domain.Shot, error) {
		rendered, err := r.Renderer.Render(ctx, film, shot)
		if err != nil && ctx.Err() != nil {
			return rendered, backoff.Permanent(err)
		}
		return rendered, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.RetryPause)),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.Logger.Warn().Err(err).Int("shot", shot.Number).Dur("retry_in", next).Msg("shot failed, rendering again")
		}),
	)
}

func (r *Runner) failShot(ctx context.Context, shots []domain.Shot, i int, cause error, progress ProgressFunc) error {
	shots[i].Status = domain.ShotFailed
	shots[i].Error = cause.Error()
	if err := persist(ctx, progress, shots); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func persist(ctx context.Context, progress ProgressFunc, shots []domain.Shot) error {
	if progress == nil {
		return nil
	}
	snapshot := make([]domain.Shot, len(shots))
	copy(snapshot, shots)
	if err := progress(ctx, snapshot); err != nil {
		return fmt.Errorf("persist shots: %w", err)
	}
	return nil
}

func planned(shots []domain.Shot) bool {
	for _, s := range shots {
		if s.Anchor == "" {
			return false
		}
	}
	return true
}

// Cost sums the cost of every completed shot.
func Cost(shots []domain.Shot) float64 {
	var total float64
	for _, s := range shots {
		if s.Status == domain.ShotCompleted {
			total += s.CostUSD
		}
	}
	return total
}
