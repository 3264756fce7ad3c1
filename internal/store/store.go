package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/reelflow/internal/domain"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrGenerationNotFound = errors.New("generation not found")
	// ErrTerminal is returned when a write targets a job that already reached
	// a terminal status.
	ErrTerminal = errors.New("job already terminal")
)

// transitionError explains why a write moving current to status to was
// refused.
func transitionError(current domain.Job, to string) error {
	if current.Terminal() {
		return ErrTerminal
	}
	return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, current.Status, to)
}

type JobStore interface {
	// Upsert writes a generating job into the submission's slot, replacing any
	// previous job there. The slot keeps its job id across resubmissions.
	Upsert(ctx context.Context, sub domain.Submission) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	GetBySlot(ctx context.Context, slot domain.Slot) (domain.Job, bool, error)
	ListByGeneration(ctx context.Context, generationID string) ([]domain.Job, error)
	// ListStale returns generating jobs whose last heartbeat is before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]domain.Job, error)
	Touch(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress domain.Result) (domain.Job, error)
	Complete(ctx context.Context, id string, result domain.Result) (domain.Job, error)
	Fail(ctx context.Context, id, message string) (domain.Job, error)
}

type GenerationStore interface {
	CreateGeneration(ctx context.Context, g domain.Generation) error
	GetGeneration(ctx context.Context, id string) (domain.Generation, bool, error)
	ListGenerations(ctx context.Context, limit int) ([]domain.GenerationSummary, error)
	PatchGeneration(ctx context.Context, id string, patch domain.GenerationPatch) (domain.Generation, error)
	ApplyProjection(ctx context.Context, id string, p domain.Projection) (domain.Generation, error)
}

type Store interface {
	JobStore
	GenerationStore
	Close() error
}
