package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/creditflow/metergate/pkg/cache"
	"go.uber.org/zap"
)

const defaultRequestsPerMinute = 60

// RateLimiter throttles requests per user over a fixed one-minute window.
type RateLimiter struct {
	cache     *cache.Cache
	logger    *zap.Logger
	perMinute int64
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(c *cache.Cache, logger *zap.Logger, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}
	return &RateLimiter{
		cache:     c,
		logger:    logger,
		perMinute: int64(perMinute),
	}
}

// Allow reports whether the user is within their per-minute budget.
func (rl *RateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	minuteKey := fmt.Sprintf("ratelimit:user:%s:minute:%s", userID, time.Now().Format("2006-01-02T15:04"))

	count, err := rl.cache.Incr(ctx, minuteKey)
	if err != nil {
		return false, err
	}

	// Set expiration on first increment. 65s to cover window skew.
	if count == 1 {
		rl.cache.Expire(ctx, minuteKey, 65*time.Second)
	}

	if count > rl.perMinute {
		rl.logger.Warn("rate limit exceeded",
			zap.String("user_id", userID),
			zap.Int64("count", count),
		)
		return false, nil
	}

	return true, nil
}
