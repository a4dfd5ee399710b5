package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis shares windows between instances with INCR and PEXPIRE.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis stores windows under prefix. An empty prefix selects "rl:".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "rl:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Allow records a hit for key.
func (r *Redis) Allow(ctx context.Context, key string, limit int, length time.Duration) (Decision, error) {
	if limit <= 0 || length <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	redisKey := r.prefix + normaliseKey(key)
	windowMS := max(length.Milliseconds(), 1)

	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		// NX keeps the window anchored to its first hit. Requires Redis 7.
		pipe.Do(ctx, "PEXPIRE", redisKey, windowMS, "NX")
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}

	count := int(incr.Val())
	if count > limit {
		retry := ttl.Val()
		if retry <= 0 {
			retry = length
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}
	return Decision{Allowed: true, Remaining: limit - count}, nil
}
