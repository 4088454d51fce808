package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/soda-storefront/pkg/httpmiddleware"
)

// keyRateLimit counts requests of one client in one fixed window.
const keyRateLimit = "storefront:ratelimit:%s:%d"

var _ httpmiddleware.Limiter = (*RateLimiter)(nil)

// RateLimiter is a fixed-window request counter shared by every API replica.
type RateLimiter struct {
	rdb    redis.UniversalClient
	limit  int
	window time.Duration
}

// NewRateLimiter creates a RateLimiter allowing limit requests per window.
func NewRateLimiter(rdb redis.UniversalClient, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, limit: limit, window: window}
}

// Allow increments the counter of key's current window.
func (l *RateLimiter) Allow(ctx context.Context, key string, now time.Time) (httpmiddleware.Decision, error) {
	start := now.Truncate(l.window)
	k := fmt.Sprintf(keyRateLimit, key, start.Unix())

	var incr *redis.IntCmd
	if _, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.PExpire(ctx, k, l.window)
		return nil
	}); err != nil {
		return httpmiddleware.Decision{}, errors.Wrap(err, "count request")
	}

	n := int(incr.Val())
	return httpmiddleware.Decision{
		Allowed:   n <= l.limit,
		Remaining: max(0, l.limit-n),
		ResetAt:   start.Add(l.window),
	}, nil
}
