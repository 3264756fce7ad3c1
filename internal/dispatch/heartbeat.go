package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/reelflow/internal/store"
)

type Toucher interface {
	Touch(ctx context.Context, id string) error
}

// StartHeartbeat refreshes the job's updated_at every interval so the stale
// detector can tell a live task from a dead one. It stops when the returned
// func is called, when ctx ends, or once the job is terminal.
func StartHeartbeat(ctx context.Context, t Toucher, jobID string, interval time.Duration, logger zerolog.Logger) func() {
	if interval <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := t.Touch(hbCtx, jobID)
				switch {
				case err == nil:
				case errors.Is(err, store.ErrTerminal), errors.Is(err, store.ErrJobNotFound):
					return
				case hbCtx.Err() != nil:
					return
				default:
					logger.Warn().Err(err).Str("job_id", jobID).Msg("heartbeat failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
