// Package ratelimit implements the per-tenant token bucket and the fixed
// window request cap used by the dispatcher.
//
// Buckets live in a shared store so every worker process draws from the same
// pool. The read-modify-write in Consume is not atomic: two processes that
// load the same bucket concurrently can both spend the same token, so a busy
// tenant may be admitted slightly above its nominal rate. Rate limiting here
// is advisory and this approximation is accepted.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/onurcolak/insider-dispatch-service/environments"
	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

const (
	tenantKeyPrefix = "ratelimit:tenant:"
	globalKeyPrefix = "ratelimit:global:"

	defaultBucketTTL = 5 * time.Minute
)

// Store is the shared, TTL-capable state behind the limiters.
type Store interface {
	GetBucket(ctx context.Context, key string) (domain.RateBucket, bool, error)
	SaveBucket(ctx context.Context, key string, bucket domain.RateBucket, ttl time.Duration) error
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Result is the outcome of a Consume call.
type Result struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
	// Degraded is set when the store failed and the policy decided the outcome.
	Degraded bool
}

type TokenBucket struct {
	store  Store
	policy environments.StorePolicy
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*TokenBucket)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(tb *TokenBucket) { tb.now = now }
}

// WithBucketTTL sets the inactivity window after which a bucket expires.
func WithBucketTTL(ttl time.Duration) Option {
	return func(tb *TokenBucket) {
		if ttl > 0 {
			tb.ttl = ttl
		}
	}
}

func NewTokenBucket(store Store, policy environments.StorePolicy, opts ...Option) *TokenBucket {
	tb := &TokenBucket{
		store:  store,
		policy: policy,
		ttl:    defaultBucketTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

// TenantKey returns the bucket key of a tenant.
func TenantKey(tenantID int64) string {
	return fmt.Sprintf("%s%d", tenantKeyPrefix, tenantID)
}

// GlobalKey returns the bucket key of a global identifier.
func GlobalKey(identifier string) string {
	return globalKeyPrefix + identifier
}

// Consume takes n tokens from the bucket at key.
func (tb *TokenBucket) Consume(ctx context.Context, key string, maxTokens, refillPerSecond float64, n float64) Result {
	if n <= 0 {
		n = 1
	}
	now := tb.now()

	bucket, found, err := tb.store.GetBucket(ctx, key)
	if err != nil {
		return tb.degrade(key, err)
	}
	if !found {
		bucket = domain.RateBucket{Tokens: maxTokens, LastRefillAt: now}
	}

	tokens := refill(bucket, now, maxTokens, refillPerSecond)

	if tokens < n {
		return Result{
			Allowed:    false,
			Remaining:  tokens,
			RetryAfter: retryAfter(n-tokens, refillPerSecond),
		}
	}

	tokens -= n
	if err := tb.store.SaveBucket(ctx, key, domain.RateBucket{Tokens: tokens, LastRefillAt: now}, tb.ttl); err != nil {
		return tb.degrade(key, err)
	}

	return Result{Allowed: true, Remaining: tokens}
}

func (tb *TokenBucket) degrade(key string, err error) Result {
	if tb.policy == environments.StorePolicyDeny {
		logger.Warnf("Rate limit store unavailable for %s, denying: %v", key, err)
		return Result{Allowed: false, RetryAfter: time.Second, Degraded: true}
	}
	logger.Warnf("Rate limit store unavailable for %s, allowing: %v", key, err)
	return Result{Allowed: true, Degraded: true}
}

func refill(b domain.RateBucket, now time.Time, maxTokens, refillPerSecond float64) float64 {
	elapsed := now.Sub(b.LastRefillAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(maxTokens, b.Tokens+elapsed*refillPerSecond)
}

func retryAfter(missing, refillPerSecond float64) time.Duration {
	if refillPerSecond <= 0 {
		return time.Minute
	}
	seconds := math.Ceil(missing / refillPerSecond)
	return time.Duration(seconds) * time.Second
}
