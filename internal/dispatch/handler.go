package dispatch

import (
	"context"
	"errors"

	"github.com/dunamismax/reelflow/internal/domain"
)

var ErrRouteNotFound = errors.New("route not found")

// Task is what a handler receives: the job row as submitted plus a way to
// persist intermediate progress. Progress writes also count as heartbeats.
type Task struct {
	Job      domain.Job
	Progress func(ctx context.Context, progress domain.Result) error
}

type Handler interface {
	Handle(ctx context.Context, task Task) (domain.Result, error)
}

type HandlerFunc func(ctx context.Context, task Task) (domain.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, task Task) (domain.Result, error) {
	return f(ctx, task)
}

// Resolver maps a route onto its handler. Unknown routes yield
// ErrRouteNotFound.
type Resolver interface {
	Resolve(route domain.Route) (Handler, error)
}
