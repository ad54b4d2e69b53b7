package ratelimit

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Redis is a fixed-window counter shared by every API instance.
type Redis struct {
	client *redis.Client
	policy Policy
	prefix string
}

func NewRedis(client *redis.Client, p Policy, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Redis{client: client, policy: p, prefix: prefix}
}

func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Limit: l.policy.Limit}, fmt.Errorf("ratelimit: redis: %w", err)
	}

	window := ttl.Val()
	if window < 0 {
		// New key, or one left without expiry: start the window now.
		if err := l.client.Expire(ctx, redisKey, l.policy.Window).Err(); err != nil {
			return Decision{Allowed: true, Limit: l.policy.Limit}, fmt.Errorf("ratelimit: redis expire: %w", err)
		}
		window = l.policy.Window
	}

	count := int(incr.Val())
	d := Decision{Limit: l.policy.Limit, Allowed: count <= l.policy.Limit}
	if d.Allowed {
		d.Remaining = l.policy.Limit - count
	} else {
		d.RetryAfter = window
	}
	return d, nil
}

// Reset clears the counter for key.
func (l *Redis) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, fmt.Sprintf("%s:%s", l.prefix, key)).Err()
}

var (
	_ Limiter = (*Redis)(nil)
	_ Limiter = (*Memory)(nil)
)
