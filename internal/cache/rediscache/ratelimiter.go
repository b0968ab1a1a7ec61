package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "parcelflow:rl:"

// RateLimiter counts hits per key. Callers put the window into the key
// (the webhook dispatcher uses one key per endpoint and minute).
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiterWithClient(c *redis.Client) *RateLimiter {
	return &RateLimiter{c: c}
}

// Allow increments the counter and reports whether it is still within limit.
// INCR and EXPIRE NX go out in one MULTI: the TTL is only set on a counter
// that has none, so retries inside the window do not extend it, and a
// counter never outlives a failed EXPIRE. A non-positive limit means no
// limit.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	k := rateLimitPrefix + key
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}
