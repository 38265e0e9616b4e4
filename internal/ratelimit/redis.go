package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/visionbox/gateway/internal/idgen"
)

// RedisLimiter is a sliding-window limiter backed by a Redis sorted set per
// key, for deployments running more than one gateway instance. Semantics
// match MemoryLimiter.
type RedisLimiter struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisLimiter connects to Redis and returns a distributed limiter.
func NewRedisLimiter(ctx context.Context, redisURL string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisLimiter{client: client, retention: DefaultRetention}, nil
}

// Close releases the Redis connection.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

// Admit implements Limiter. Scores are admission times in nanoseconds;
// members carry a random suffix so same-nanosecond admissions both count.
func (r *RedisLimiter) Admit(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := time.Now()
	cutoff := now.Add(-window)
	zkey := "ratelimit:{" + key + "}"

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, zkey)
	oldestCmd := pipe.ZRangeWithScores(ctx, zkey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis admit failed: %w", err)
	}

	current := int(countCmd.Val())
	res := Result{Limit: limit, Current: current}

	resetFrom := now
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetFrom = time.Unix(0, int64(oldest[0].Score))
		res.ResetAt = resetFrom.Add(window)
	}

	if current >= limit {
		res.Remaining = 0
		if res.ResetAt.IsZero() {
			res.ResetAt = now
		}
		return res, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + idgen.Hex(4)
	add := r.client.TxPipeline()
	add.ZAdd(ctx, zkey, &redis.Z{Score: float64(now.UnixNano()), Member: member})
	ttl := r.retention
	if window > ttl {
		ttl = window
	}
	add.Expire(ctx, zkey, ttl)
	if _, err := add.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis record failed: %w", err)
	}

	res.Allowed = true
	res.Current = current + 1
	res.Remaining = limit - current - 1
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if res.ResetAt.IsZero() {
		res.ResetAt = now.Add(window)
	}
	return res, nil
}
