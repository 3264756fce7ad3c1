package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "reelflow:ratelimit"

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter decides whether one more request from subject may proceed.
type Limiter interface {
	Allow(ctx context.Context, subject string) (Decision, error)
}

// takeScript refills the bucket stored at KEYS[1] for the time elapsed
// since its last write and takes ARGV[4] tokens if enough are left. It
// replies {allowed, remaining, retry_after_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "at")
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now_ms

tokens = math.min(capacity, tokens + math.max(0, now_ms - at) * per_ms)

local allowed = 0
local wait_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  wait_ms = math.ceil((cost - tokens) / per_ms)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "at", now_ms)
redis.call("PEXPIRE", KEYS[1], math.ceil(capacity / per_ms) * 2)

return {allowed, math.floor(tokens), wait_ms}
`)

// RedisTokenBucket keeps one bucket per subject in Redis so every API
// replica draws from the same budget.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	perMS     float64
	keyPrefix string
	now       func() time.Time
}

// NewRedisTokenBucket allows bursts of up to burst requests per subject,
// refilled at perSecond.
func NewRedisTokenBucket(client redis.UniversalClient, perSecond float64, burst int, keyPrefix string) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, fmt.Errorf("redis client is required")
	case perSecond <= 0 || math.IsNaN(perSecond) || math.IsInf(perSecond, 0):
		return nil, fmt.Errorf("rate must be positive")
	case burst <= 0:
		return nil, fmt.Errorf("burst must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisTokenBucket{
		client:    client,
		capacity:  int64(burst),
		perMS:     perSecond / 1000,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

// AllowN takes cost tokens at once; a cost above the burst never succeeds.
func (l *RedisTokenBucket) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	key := l.keyPrefix + ":" + normalizeSubject(subject)
	raw, err := takeScript.Run(ctx, l.client, []string{key},
		l.capacity, l.perMS, l.now().UnixMilli(), cost,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take from bucket %s: %w", key, err)
	}
	return parseReply(raw)
}

func parseReply(raw []any) (Decision, error) {
	if len(raw) != 3 {
		return Decision{}, fmt.Errorf("token bucket replied with %d values", len(raw))
	}
	var fields [3]int64
	for i, v := range raw {
		n, err := toInt64(v)
		if err != nil {
			return Decision{}, fmt.Errorf("token bucket reply[%d]: %w", i, err)
		}
		fields[i] = n
	}
	return Decision{
		Allowed:    fields[0] == 1,
		Remaining:  fields[1],
		RetryAfter: time.Duration(fields[2]) * time.Millisecond,
	}, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}

func normalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "anonymous"
	}
	return subject
}
