// Package ratelimiter enforces the classifier request budget shared by
// every pipeline process. Local token buckets in the worker pool cap one
// process; this limiter is the cross-process ceiling, kept in Redis so
// all consumers draw from the same bucket.
package ratelimiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether a request may spend cost tokens from the bucket
// named by key, and if not, how long to wait before asking again.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig sizes one token bucket. Capacity bounds the burst;
// RefillRate is tokens per second.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// NewBucketConfigPerSecond sizes a bucket for a requests-per-second budget
// with up to one second of burst.
func NewBucketConfigPerSecond(perSecond int) BucketConfig {
	if perSecond <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{Capacity: int64(perSecond), RefillRate: float64(perSecond)}
}

// budgetScript is a lazily refilled token bucket. The clock is the
// caller's, in unix milliseconds, so the script never calls TIME and the
// same invocation replays identically. Reply: {1|0, retry delay in ms}.
//
// KEYS[1] bucket hash; ARGV capacity, refill per ms, now ms, cost.
var budgetScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'stamp')
local tokens = tonumber(bucket[1])
local stamp = tonumber(bucket[2])
if not tokens then tokens = capacity end
if not stamp then stamp = now end

local elapsed = now - stamp
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end

local verdict = 0
local wait = 0
if tokens >= cost then
  tokens = tokens - cost
  verdict = 1
elseif rate > 0 then
  wait = math.ceil((cost - tokens) / rate)
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'stamp', now)
redis.call('PEXPIRE', KEYS[1], math.max(60000, wait * 2))
return {verdict, wait}
`)

// RedisLuaLimiter runs the bucket script against a shared Redis. The
// bucket map is fixed at construction; keys without a bucket pass free.
type RedisLuaLimiter struct {
	rdb     *redis.Client
	buckets map[string]BucketConfig
	log     *slog.Logger
	now     func() time.Time
}

// NewRedisLuaLimiter builds a limiter over rdb with the given buckets.
// A nil rdb yields a nil limiter, which allows everything.
func NewRedisLuaLimiter(rdb *redis.Client, buckets map[string]BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	return &RedisLuaLimiter{
		rdb:     rdb,
		buckets: buckets,
		log:     slog.Default().With(slog.String("component", "ratelimiter")),
		now:     time.Now,
	}
}

// Allow spends cost tokens from key's bucket. Redis failures admit the
// request: a broken limiter must not stall the pipeline, and the
// classifier client still honors provider 429s on its own.
func (l *RedisLuaLimiter) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil {
		return true, 0, nil
	}
	cfg, ok := l.buckets[key]
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	res, err := budgetScript.Run(ctx, l.rdb,
		[]string{"budget:" + key},
		cfg.Capacity, cfg.RefillRate/1000.0, l.now().UnixMilli(), cost,
	).Int64Slice()
	if err != nil {
		l.log.Error("budget script failed", slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}
	if len(res) != 2 {
		l.log.Error("budget script returned malformed reply", slog.String("key", key), slog.Int("len", len(res)))
		return true, 0, nil
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}
