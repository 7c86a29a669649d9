package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dweinbeck/brandsite/internal/pricing"
)

// Integration tests against a real Redis. Skipped unless TEST_REDIS_ADDR is
// set.
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	c, err := New(addr, os.Getenv("TEST_REDIS_PASSWORD"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testUID(t *testing.T) string {
	return fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
}

func TestBalanceRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	uid := testUID(t)

	_, ok, err := c.GetBalance(ctx, uid)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetBalance(ctx, uid, 450))
	balance, ok, err := c.GetBalance(ctx, uid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(450), balance)
}

func TestPricingRoundTripAndInvalidate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	toolKey := testUID(t)

	p := pricing.ToolPricing{ToolKey: toolKey, Label: "Test tool", CreditsPerUse: 50, Active: true}
	require.NoError(t, c.SetToolPricing(ctx, p))

	got, ok, err := c.GetToolPricing(ctx, toolKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(50), got.CreditsPerUse)
	assert.Equal(t, "Test tool", got.Label)

	require.NoError(t, c.InvalidatePricing(ctx, toolKey))
	_, ok, err = c.GetToolPricing(ctx, toolKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPing(t *testing.T) {
	c := newTestCache(t)
	assert.NoError(t, c.Ping(context.Background()))
}
