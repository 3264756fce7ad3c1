package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalTokenBucket keeps one in-process limiter per subject. Idle subjects
// are evicted after evictTTL.
type LocalTokenBucket struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	evictTTL time.Duration
	now      func() time.Time
	entries  map[string]*localEntry
	sweptAt  time.Time
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalTokenBucket(perSecond float64, burst int, evictTTL time.Duration) (*LocalTokenBucket, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("rate must be positive")
	}
	if burst <= 0 {
		return nil, fmt.Errorf("burst must be positive")
	}
	if evictTTL <= 0 {
		evictTTL = 10 * time.Minute
	}
	return &LocalTokenBucket{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		evictTTL: evictTTL,
		now:      time.Now,
		entries:  make(map[string]*localEntry),
	}, nil
}

func (l *LocalTokenBucket) Allow(_ context.Context, subject string) (Decision, error) {
	subject = normalizeSubject(subject)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)

	entry, ok := l.entries[subject]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[subject] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return Decision{Allowed: false, Remaining: 0, RetryAfter: delay}, nil
	}
	remaining := int64(math.Floor(entry.limiter.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// Subjects returns how many subjects currently hold a limiter.
func (l *LocalTokenBucket) Subjects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *LocalTokenBucket) evictLocked(now time.Time) {
	if now.Sub(l.sweptAt) < l.evictTTL/2 {
		return
	}
	l.sweptAt = now
	cutoff := now.Add(-l.evictTTL)
	for subject, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, subject)
		}
	}
}
