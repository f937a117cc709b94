package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisLimiter shares counters across instances. INCR is atomic, so
// concurrent requests on different instances never both see the same count.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	redisKey := redisKeyPrefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		ttl = p.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rate limit counter: %w", err)
	}

	now := l.now()
	remaining := ttl.Val()
	if remaining < 0 {
		// first hit of a new window
		if err := l.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return Result{}, fmt.Errorf("rate limit expiry: %w", err)
		}
		remaining = window
	}

	return decide(key, limit, int(incr.Val()), now.Add(remaining))
}
