package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares one counter per (region, minute) across instances.
// Admission is gated on the value INCR returns, so two callers can never
// both observe count < limit and push past it.
type RedisLimiter struct {
	client *redis.Client
	limit  int
}

func NewRedisLimiter(redisURL string, limit int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisLimiter{client: client, limit: limit}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, region string) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%d", region, time.Now().Unix()/60)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("incr %s: %w", key, err)
	}

	if count == 1 {
		// First admission in this window; the key must not outlive it.
		if err := l.client.Expire(ctx, key, time.Minute).Err(); err != nil {
			return false, fmt.Errorf("expire %s: %w", key, err)
		}
	}

	return count <= int64(l.limit), nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
