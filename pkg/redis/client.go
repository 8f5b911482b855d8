package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/onurcolak/insider-dispatch-service/environments"
	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

const (
	bucketTokensField = "tokens"
	bucketRefillField = "last_refill_ms"
)

// windowScript increments a fixed-window counter and sets its expiry in the
// same step. A counter found without a TTL is repaired.
var windowScript = valkey.NewLuaScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

type Client struct {
	client    valkey.Client
	opTimeout time.Duration
}

func NewRedisClient(cfg environments.RedisConfig) (*Client, error) {
	// The queue scripts touch several keys of one hash slot and nothing reads
	// through the client-side cache, so a single plain connection is enough.
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Valkey client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infof("Connected to Redis (via Valkey client)")

	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}

	return &Client{client: client, opTimeout: opTimeout}, nil
}

// Valkey exposes the underlying client for the queue and pub/sub backends.
func (c *Client) Valkey() valkey.Client {
	return c.client
}

// GetBucket loads a rate bucket. found is false when the key does not exist.
func (c *Client) GetBucket(ctx context.Context, key string) (domain.RateBucket, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	fields, err := c.client.Do(ctx, c.client.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		return domain.RateBucket{}, false, fmt.Errorf("failed to load bucket %s: %w", key, err)
	}
	if len(fields) == 0 {
		return domain.RateBucket{}, false, nil
	}

	tokens, err := strconv.ParseFloat(fields[bucketTokensField], 64)
	if err != nil {
		return domain.RateBucket{}, false, fmt.Errorf("malformed bucket %s tokens: %w", key, err)
	}
	refillMs, err := strconv.ParseInt(fields[bucketRefillField], 10, 64)
	if err != nil {
		return domain.RateBucket{}, false, fmt.Errorf("malformed bucket %s refill time: %w", key, err)
	}

	return domain.RateBucket{Tokens: tokens, LastRefillAt: time.UnixMilli(refillMs)}, true, nil
}

// SaveBucket writes a rate bucket and refreshes its inactivity TTL.
func (c *Client) SaveBucket(ctx context.Context, key string, bucket domain.RateBucket, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	results := c.client.DoMulti(ctx,
		c.client.B().Hset().Key(key).FieldValue().
			FieldValue(bucketTokensField, strconv.FormatFloat(bucketTokensValue(bucket), 'f', -1, 64)).
			FieldValue(bucketRefillField, strconv.FormatInt(bucket.LastRefillAt.UnixMilli(), 10)).
			Build(),
		c.client.B().Pexpire().Key(key).Milliseconds(ttlMillis(ttl)).Build(),
	)
	for _, res := range results {
		if err := res.Error(); err != nil {
			return fmt.Errorf("failed to save bucket %s: %w", key, err)
		}
	}

	return nil
}

// IncrWindow increments a fixed-window counter. The expiry is set atomically
// with the first increment of the window.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	count, err := windowScript.Exec(ctx, c.client, []string{key}, []string{strconv.FormatInt(ttlMillis(window), 10)}).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}

	return count, nil
}

func (c *Client) Close() error {
	c.client.Close()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Ping().Build()).Error()
}

func bucketTokensValue(b domain.RateBucket) float64 {
	if b.Tokens < 0 {
		return 0
	}
	return b.Tokens
}

func ttlMillis(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
