// Package ratelimiter is a Redis token bucket shared by every API replica.
// Buckets are configured per class ("api"); tokens are consumed per full key
// ("api:<client-ip>"), so one config covers any number of callers. Bucket
// state is mirrored to Postgres and restored on boot, surviving a Redis
// flush without resetting everyone's allowance.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one request may proceed. Implementations must be
// safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig is one token bucket class: capacity in tokens and refill in
// tokens per second.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// PerMinute builds a bucket that admits n requests per minute with bursts up
// to n.
func PerMinute(n int) BucketConfig {
	if n <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{Capacity: int64(n), RefillRate: float64(n) / 60.0}
}

// RedisLuaLimiter runs the token bucket as a Lua script so the
// read-refill-consume cycle is atomic across replicas.
type RedisLuaLimiter struct {
	rdb         *redis.Client
	pg          *pgxpool.Pool
	tokenBucket *redis.Script

	mu      sync.RWMutex
	buckets map[string]BucketConfig
}

// NewRedisLuaLimiter builds a limiter over rdb. pg is optional; when set,
// bucket state is mirrored there. buckets maps class names to configs.
func NewRedisLuaLimiter(rdb *redis.Client, pg *pgxpool.Pool, buckets map[string]BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &RedisLuaLimiter{
		rdb:         rdb,
		pg:          pg,
		buckets:     buckets,
		tokenBucket: redis.NewScript(luaTokenBucket),
	}
}

const luaTokenBucket = `
-- Refill by elapsed time, then try to consume cost tokens.
local bucket = KEYS[1]
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", bucket, "tokens", "last_refill")
local tokens = tonumber(state[1]) or cap
local stamp = tonumber(state[2]) or now

local elapsed = math.max(0, now - stamp)
tokens = math.min(cap, tokens + elapsed * rate)

local allowed = 0
local wait = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif rate > 0 then
  wait = (cost - tokens) / rate
end

redis.call("HMSET", bucket, "tokens", tokens, "last_refill", now)
return { allowed, tokens, now, wait }
`

// classOf maps a key to its bucket class: everything before the first colon.
func classOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// Allow consumes cost tokens from key's bucket. Keys whose class has no
// config pass freely. Redis failures fail open: a broken limiter must not
// take the API down with it.
func (l *RedisLuaLimiter) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.buckets[classOf(key)]
	l.mu.RUnlock()
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	res, err := l.tokenBucket.Run(ctx, l.rdb, []string{"rate:" + key}, cfg.Capacity, cfg.RefillRate, nowSec, cost).Result()
	if err != nil {
		slog.Error("rate limiter script failed", slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}

	vals, _ := res.([]any)
	if len(vals) != 4 {
		slog.Error("rate limiter returned malformed result", slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := asInt64(vals[0]) == 1
	tokens := asFloat64(vals[1])
	lastRefill := asFloat64(vals[2])
	retryAfter := time.Duration(asFloat64(vals[3]) * float64(time.Second))

	if l.pg != nil {
		l.mirror(ctx, key, cfg, tokens, lastRefill)
	}
	return allowed, retryAfter, nil
}

// SetBucket installs or replaces the config of one class.
func (l *RedisLuaLimiter) SetBucket(class string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets == nil {
		l.buckets = map[string]BucketConfig{}
	}
	l.buckets[class] = cfg
}

const mirrorBucketSQL = `INSERT INTO rate_limit_buckets (bucket_key, capacity, refill_rate, tokens, last_refill)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (bucket_key) DO UPDATE
SET capacity = EXCLUDED.capacity, refill_rate = EXCLUDED.refill_rate,
    tokens = EXCLUDED.tokens, last_refill = EXCLUDED.last_refill`

func (l *RedisLuaLimiter) mirror(ctx context.Context, key string, cfg BucketConfig, tokens, lastRefillSec float64) {
	sec := int64(lastRefillSec)
	nsec := int64((lastRefillSec - float64(sec)) * 1e9)
	if nsec < 0 {
		nsec = 0
	}
	_, err := l.pg.Exec(ctx, mirrorBucketSQL,
		key, cfg.Capacity, cfg.RefillRate, tokens, time.Unix(sec, nsec))
	if err != nil {
		slog.Warn("rate limit bucket mirror failed", slog.String("key", key), slog.Any("error", err))
	}
}

// WarmFromPostgres restores mirrored bucket state into Redis. Called once at
// boot; per-bucket failures are logged and skipped so a bad row cannot block
// startup.
func (l *RedisLuaLimiter) WarmFromPostgres(ctx context.Context) error {
	if l == nil || l.pg == nil || l.rdb == nil {
		return nil
	}
	rows, err := l.pg.Query(ctx, `SELECT bucket_key, tokens, EXTRACT(EPOCH FROM last_refill) FROM rate_limit_buckets`)
	if err != nil {
		return fmt.Errorf("op=ratelimiter.warm: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var tokens, lastRefillSec float64
		if err := rows.Scan(&key, &tokens, &lastRefillSec); err != nil {
			return fmt.Errorf("op=ratelimiter.warm: %w", err)
		}
		if err := l.rdb.HMSet(ctx, "rate:"+key, "tokens", tokens, "last_refill", lastRefillSec).Err(); err != nil {
			slog.Warn("rate limit bucket warm failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return rows.Err()
}

// Lua returns numbers as int64 or float64 depending on value; normalize both.
func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asFloat64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}
