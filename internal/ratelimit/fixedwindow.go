package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/onurcolak/insider-dispatch-service/environments"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

const windowKeyPrefix = "ratelimit:window:"

// FixedWindow caps requests per identifier per window, independent of the
// tenant token buckets. It protects the HTTP surface from abuse.
type FixedWindow struct {
	store  Store
	limit  int64
	window time.Duration
	policy environments.StorePolicy
	now    func() time.Time
}

func NewFixedWindow(store Store, limit int, window time.Duration, policy environments.StorePolicy) *FixedWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindow{
		store:  store,
		limit:  int64(limit),
		window: window,
		policy: policy,
		now:    time.Now,
	}
}

// Allow counts one request for identifier and reports whether it fits the cap.
// When denied, retryAfter is the time left in the current window.
func (fw *FixedWindow) Allow(ctx context.Context, identifier string) (bool, time.Duration) {
	if fw.limit <= 0 {
		return true, 0
	}

	now := fw.now()
	windowStart := now.Truncate(fw.window)
	key := fmt.Sprintf("%s%s:%d", windowKeyPrefix, identifier, windowStart.Unix())

	count, err := fw.store.IncrWindow(ctx, key, fw.window)
	if err != nil {
		if fw.policy == environments.StorePolicyDeny {
			logger.Warnf("Request window store unavailable for %s, denying: %v", identifier, err)
			return false, time.Second
		}
		logger.Warnf("Request window store unavailable for %s, allowing: %v", identifier, err)
		return true, 0
	}

	if count > fw.limit {
		return false, windowStart.Add(fw.window).Sub(now)
	}
	return true, 0
}
