package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dunamismax/reelflow/internal/domain"
)

type ClassConfig struct {
	Concurrency int64
	// Spacing is the minimum gap between two acquisitions. Zero disables
	// pacing.
	Spacing time.Duration
}

// Pool bounds concurrent provider calls per provider class, across every
// generation in the process.
type Pool struct {
	classes map[domain.Category]*class
}

type class struct {
	size    int64
	sem     *semaphore.Weighted
	pacer   *rate.Limiter
	mu      sync.Mutex
	inUse   int64
	waiting int64
}

type Stats struct {
	Size    int64
	InUse   int64
	Waiting int64
}

func New(cfg map[domain.Category]ClassConfig) *Pool {
	p := &Pool{classes: make(map[domain.Category]*class, len(cfg))}
	for cat, c := range cfg {
		size := c.Concurrency
		if size < 1 {
			size = 1
		}
		cl := &class{size: size, sem: semaphore.NewWeighted(size)}
		if c.Spacing > 0 {
			cl.pacer = rate.NewLimiter(rate.Every(c.Spacing), 1)
		}
		p.classes[cat] = cl
	}
	return p
}

// Acquire blocks until a slot in cat is free (and the pacing gap has
// passed). The returned release func must be called exactly once.
func (p *Pool) Acquire(ctx context.Context, cat domain.Category) (func(), error) {
	cl, ok := p.classes[cat]
	if !ok {
		return func() {}, nil
	}

	cl.mu.Lock()
	cl.waiting++
	cl.mu.Unlock()

	err := cl.sem.Acquire(ctx, 1)

	cl.mu.Lock()
	cl.waiting--
	if err == nil {
		cl.inUse++
	}
	cl.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("acquire %s slot: %w", cat, err)
	}

	release := sync.OnceFunc(func() {
		cl.mu.Lock()
		cl.inUse--
		cl.mu.Unlock()
		cl.sem.Release(1)
	})

	if cl.pacer != nil {
		if err := cl.pacer.Wait(ctx); err != nil {
			release()
			return nil, fmt.Errorf("pace %s call: %w", cat, err)
		}
	}
	return release, nil
}

func (p *Pool) Stats(cat domain.Category) Stats {
	cl, ok := p.classes[cat]
	if !ok {
		return Stats{}
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return Stats{Size: cl.size, InUse: cl.inUse, Waiting: cl.waiting}
}
