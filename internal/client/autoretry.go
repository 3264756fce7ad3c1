package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/reelflow/internal/domain"
)

type AutoRetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultAutoRetryConfig() AutoRetryConfig {
	return AutoRetryConfig{
		BaseDelay:   3 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay is the wait before retry attempt n (1-based): base doubling per
// attempt, capped at MaxDelay.
func (c AutoRetryConfig) Delay(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return min(d, c.MaxDelay)
}

// ResubmitFunc sends a submission again.
type ResubmitFunc func(ctx context.Context, sub Submission) error

// PermanentFailureFunc surfaces an item that will not be retried again.
type PermanentFailureFunc func(sub Submission, reason string)

// AutoRetry reschedules failed items of an active pipeline. After
// MaxAttempts failed retries an item is reported once through
// OnPermanentFailure and never scheduled again.
type AutoRetry struct {
	cfg         AutoRetryConfig
	resubmit    ResubmitFunc
	onPermanent PermanentFailureFunc
	logger      zerolog.Logger
	schedule    func(d time.Duration, fn func()) (stop func() bool)

	mu      sync.Mutex
	items   map[string]*retryState
	stopped bool
}

type retryState struct {
	attempts  int
	exhausted bool
	stop      func() bool
}

func NewAutoRetry(cfg AutoRetryConfig, resubmit ResubmitFunc, onPermanent PermanentFailureFunc, logger zerolog.Logger) *AutoRetry {
	def := DefaultAutoRetryConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if onPermanent == nil {
		onPermanent = func(Submission, string) {}
	}
	return &AutoRetry{
		cfg:         cfg,
		resubmit:    resubmit,
		onPermanent: onPermanent,
		logger:      logger.With().Str("component", "autoretry").Logger(),
		schedule: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
		items: make(map[string]*retryState),
	}
}

// Failed records a failure of sub and schedules the next retry. It reports
// whether a retry was scheduled.
func (a *AutoRetry) Failed(ctx context.Context, sub Submission, reason string) bool {
	key := sub.Slot().Key()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return false
	}
	st := a.items[key]
	if st == nil {
		st = &retryState{}
		a.items[key] = st
	}
	if st.exhausted {
		a.mu.Unlock()
		return false
	}
	if st.attempts >= a.cfg.MaxAttempts {
		st.exhausted = true
		a.mu.Unlock()
		a.logger.Warn().Str("slot", key).Int("attempts", st.attempts).Str("reason", reason).Msg("auto-retry exhausted")
		a.onPermanent(sub, reason)
		return false
	}
	st.attempts++
	attempt := st.attempts
	delay := a.cfg.Delay(attempt)
	a.mu.Unlock()

	stop := a.schedule(delay, func() { a.fire(ctx, sub, attempt) })
	a.mu.Lock()
	st.stop = stop
	a.mu.Unlock()

	a.logger.Info().Str("slot", key).Int("attempt", attempt).Dur("delay", delay).Str("reason", reason).Msg("auto-retry scheduled")
	return true
}

func (a *AutoRetry) fire(ctx context.Context, sub Submission, attempt int) {
	a.mu.Lock()
	st := a.items[sub.Slot().Key()]
	live := !a.stopped && st != nil && !st.exhausted && st.attempts == attempt
	a.mu.Unlock()
	if !live || ctx.Err() != nil {
		return
	}

	err := a.resubmit(ctx, sub)
	if err == nil {
		return
	}
	if IsPermanent(err) {
		a.mu.Lock()
		st.exhausted = true
		a.mu.Unlock()
		a.onPermanent(sub, err.Error())
		return
	}
	a.Failed(ctx, sub, err.Error())
}

// Succeeded clears the retry history of slot.
func (a *AutoRetry) Succeeded(slot domain.Slot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.items[slot.Key()]; ok && !st.exhausted {
		delete(a.items, slot.Key())
	}
}

// Attempts returns how many retries have been scheduled for slot.
func (a *AutoRetry) Attempts(slot domain.Slot) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.items[slot.Key()]; ok {
		return st.attempts
	}
	return 0
}

// Exhausted reports whether slot was given up on.
func (a *AutoRetry) Exhausted(slot domain.Slot) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.items[slot.Key()]
	return ok && st.exhausted
}

// Stop cancels pending retries; the pipeline is no longer active.
func (a *AutoRetry) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for _, st := range a.items {
		if st.stop != nil {
			st.stop()
		}
	}
}
