package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "pixelfit:ratelimit"

var (
	ErrNilClient       = errors.New("redis client is required")
	ErrInvalidCapacity = errors.New("capacity must be positive")
	ErrInvalidWindow   = errors.New("window must be positive")
)

// Decision is the outcome of charging a subject's bucket.
type Decision struct {
	Allowed bool
	// Cost is the number of tokens actually charged, after clamping.
	Cost      int64
	Limit     int64
	Remaining int64
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration
	// ResetAfter is how long until the bucket is full again.
	ResetAfter time.Duration
}

// refill tops the bucket up for the elapsed time, then tries to take the
// requested tokens. Replies {allowed, remaining, retry_after_ms, reset_ms}.
var refillAndTake = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local want = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now
tokens = math.min(capacity, tokens + math.max(0, now - last) * per_ms)

local ok, wait = 0, 0
if tokens >= want then
  tokens = tokens - want
  ok = 1
else
  wait = math.ceil((want - tokens) / per_ms)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {ok, math.floor(tokens), wait, math.ceil((capacity - tokens) / per_ms)}
`)

type Option func(*RedisTokenBucket)

func WithKeyPrefix(prefix string) Option {
	return func(b *RedisTokenBucket) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			b.keyPrefix = strings.TrimSuffix(prefix, ":")
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *RedisTokenBucket) {
		if now != nil {
			b.now = now
		}
	}
}

// RedisTokenBucket is a per-subject token bucket kept in a Redis hash and
// refilled continuously at capacity tokens per window.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	perMS     float64
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, opts ...Option) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, ErrNilClient
	case capacity <= 0:
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	case window <= 0:
		return nil, fmt.Errorf("%w: %s", ErrInvalidWindow, window)
	}

	b := &RedisTokenBucket{
		client:    client,
		capacity:  int64(capacity),
		perMS:     float64(capacity) / float64(max(1, window.Milliseconds())),
		ttl:       2 * window,
		keyPrefix: defaultKeyPrefix,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *RedisTokenBucket) Capacity() int64 {
	return b.capacity
}

func (b *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return b.AllowN(ctx, subject, 1)
}

// AllowN takes cost tokens from subject's bucket. Costs above the bucket
// capacity are clamped so that a single expensive request can still pass on a
// full bucket.
func (b *RedisTokenBucket) AllowN(ctx context.Context, subject string, cost int64) (Decision, error) {
	cost = b.clamp(cost)
	reply, err := refillAndTake.Run(ctx, b.client, []string{b.key(subject)},
		b.capacity,
		b.perMS,
		b.now().UTC().UnixMilli(),
		cost,
		b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", subject, err)
	}
	return b.decision(reply, cost)
}

func (b *RedisTokenBucket) clamp(cost int64) int64 {
	return max(1, min(cost, b.capacity))
}

func (b *RedisTokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return b.keyPrefix + ":" + subject
}

func (b *RedisTokenBucket) decision(reply []int64, cost int64) (Decision, error) {
	if len(reply) != 4 {
		return Decision{}, fmt.Errorf("token bucket reply has %d values, want 4", len(reply))
	}
	d := Decision{
		Allowed:    reply[0] == 1,
		Cost:       cost,
		Limit:      b.capacity,
		Remaining:  reply[1],
		ResetAfter: time.Duration(reply[3]) * time.Millisecond,
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(reply[2]) * time.Millisecond
	}
	return d, nil
}

// Cost converts a pixel workload into token units, one token per pixelsPerUnit
// pixels rounded up, never less than one.
func Cost(pixels, pixelsPerUnit int64) int64 {
	if pixelsPerUnit <= 0 || pixels <= 0 {
		return 1
	}
	return max(1, (pixels+pixelsPerUnit-1)/pixelsPerUnit)
}
