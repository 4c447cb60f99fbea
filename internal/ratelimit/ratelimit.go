// Package ratelimit provides Redis-based per-IP rate limiting for API
// endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrRateLimited is returned when a rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limit is a fixed-window quota.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Endpoint quotas. Registration is expensive (key upserts), bundle fetches
// consume prekeys, token issuance is the auth brute-force surface.
var (
	RegisterLimit = Limit{Requests: 10, Window: time.Hour}
	BundleLimit   = Limit{Requests: 5, Window: time.Minute}
	TokenLimit    = Limit{Requests: 10, Window: time.Minute}
)

// Limiter counts requests per (scope, client IP) in Redis. When Redis is
// unavailable requests are allowed; availability wins over throttling.
type Limiter struct {
	redis  *redis.Client
	logger zerolog.Logger
}

func NewLimiter(redis *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{redis: redis, logger: logger}
}

// Allow checks the quota for one request. On rejection it returns
// ErrRateLimited and the seconds until the window resets.
func (l *Limiter) Allow(ctx context.Context, scope, ip string, limit Limit) (retryAfter int, err error) {
	if l == nil || l.redis == nil {
		return 0, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", scope, ip)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail-open on Redis errors to maintain availability.
		return 0, nil
	}
	if count == 1 {
		l.redis.Expire(ctx, key, limit.Window)
	}

	if int(count) > limit.Requests {
		ttl, err := l.redis.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = limit.Window
		}
		l.logger.Warn().Str("component", "ratelimit").
			Str("scope", scope).
			Msg("Rate limit exceeded")
		return int(ttl.Seconds()), ErrRateLimited
	}
	return 0, nil
}
