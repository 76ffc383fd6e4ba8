package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed window counter shared across instances. Each
// window key carries its own TTL so idle actors expire on their own.
type RedisLimiter struct {
	client    redis.UniversalClient
	namespace string
	limit     int64
	window    time.Duration
	now       func() time.Time
}

// NewRedis creates a limiter allowing cfg.RequestsPerMinute per minute per key.
func NewRedis(client redis.UniversalClient, namespace string, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		namespace: namespace,
		limit:     int64(cfg.RequestsPerMinute),
		window:    time.Minute,
		now:       time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().Unix() / int64(l.window.Seconds())
	windowKey := fmt.Sprintf("%s:%s:%d", l.namespace, key, slot)

	cnt, err := l.client.Incr(ctx, windowKey).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if cnt == 1 {
		_ = l.client.Expire(ctx, windowKey, l.window+time.Second).Err()
	}
	return cnt <= l.limit, nil
}
