// Package cache mirrors balances and pricing into Redis for read-only
// display paths.
//
// The store is always the source of truth; Redis exists so dashboard and
// pricing reads never touch a transaction. Mirror writes are best effort and
// happen after commit, so Redis can lag, but only in the safe direction:
// a stale mirror shows an old balance, it can never admit a spend the store
// would refuse, because every debit re-reads the balance inside its own
// transaction.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/dweinbeck/brandsite/internal/pricing"
)

func balanceKey(uid string) string {
	return fmt.Sprintf("balance:%s", uid)
}

func pricingKey(toolKey string) string {
	return fmt.Sprintf("pricing:%s", toolKey)
}

// Cache wraps a Redis client. Safe for concurrent use.
type Cache struct {
	redis *redis.Client
	log   zerolog.Logger
}

// New connects to Redis and verifies connectivity.
func New(addr, password string, logger zerolog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,

		// Display reads should fail fast and fall back to the store.
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,

		PoolSize:     50,
		MinIdleConns: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info().Str("addr", addr).Msg("redis connection established")

	return &Cache{
		redis: rdb,
		log:   logger.With().Str("component", "cache").Logger(),
	}, nil
}

// SetBalance mirrors a committed balance. Satisfies billing.BalanceMirror.
func (c *Cache) SetBalance(ctx context.Context, uid string, balance int64) error {
	return c.redis.Set(ctx, balanceKey(uid), balance, 0).Err()
}

// GetBalance reads the mirrored balance. The second return reports whether
// the mirror had an entry; callers fall back to the store when it did not.
func (c *Cache) GetBalance(ctx context.Context, uid string) (int64, bool, error) {
	balance, err := c.redis.Get(ctx, balanceKey(uid)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

// SetToolPricing caches a tool's pricing for public display.
func (c *Cache) SetToolPricing(ctx context.Context, p pricing.ToolPricing) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, pricingKey(p.ToolKey), data, 0).Err()
}

// GetToolPricing reads cached pricing. Missing entries report ok=false.
func (c *Cache) GetToolPricing(ctx context.Context, toolKey string) (pricing.ToolPricing, bool, error) {
	data, err := c.redis.Get(ctx, pricingKey(toolKey)).Bytes()
	if err == redis.Nil {
		return pricing.ToolPricing{}, false, nil
	}
	if err != nil {
		return pricing.ToolPricing{}, false, err
	}
	var p pricing.ToolPricing
	if err := json.Unmarshal(data, &p); err != nil {
		return pricing.ToolPricing{}, false, err
	}
	return p, true, nil
}

// InvalidatePricing evicts a tool's cached pricing. Called synchronously by
// the registry on every admin write. Satisfies pricing.Invalidator.
func (c *Cache) InvalidatePricing(ctx context.Context, toolKey string) error {
	return c.redis.Del(ctx, pricingKey(toolKey)).Err()
}

// Ping reports Redis health for the readiness endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (c *Cache) Close() error {
	return c.redis.Close()
}
