package defense

import (
	"context"
	"fmt"
	"time"

	"github.com/cdn-defense/edge/internal/kv"
)

// RateLimiter enforces fixed-window counters on the Hot KV. Keys are
// rate_limit:{tenant}:{subject}:{bucket} with bucket = floor(now /
// window); the key TTL equals the window, so expiry is delegated to
// the store. A request landing exactly on a window boundary counts
// toward the new window, the burst allowance inherent to fixed
// windows, accepted for its single round trip.
type RateLimiter struct {
	hot kv.Hot
}

func NewRateLimiter(hot kv.Hot) *RateLimiter {
	return &RateLimiter{hot: hot}
}

// Check increments the window counter for (tenant, subject) and
// reports whether the limit is breached, together with the current
// count. The increment and TTL arm are pipelined into one trip.
func (rl *RateLimiter) Check(ctx context.Context, tenant, subject string, limit int, window time.Duration) (bool, int64, error) {
	bucket := time.Now().Unix() / int64(window.Seconds())
	key := fmt.Sprintf("rate_limit:%s:%s:%d", tenant, subject, bucket)

	count, err := rl.hot.IncrWithTTL(ctx, key, window)
	if err != nil {
		return false, 0, err
	}
	return count > int64(limit), count, nil
}
