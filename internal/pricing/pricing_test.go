package pricing

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dweinbeck/brandsite/internal/store"
)

type fakeInvalidator struct {
	evicted []string
	err     error
}

func (f *fakeInvalidator) InvalidatePricing(_ context.Context, toolKey string) error {
	f.evicted = append(f.evicted, toolKey)
	return f.err
}

func TestSetAndGet(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewRegistry(s, nil, zerolog.Nop())
	ctx := context.Background()

	saved, err := r.Set(ctx, ToolPricing{ToolKey: "brand_scraper", Label: "Scraper", CreditsPerUse: 50, CostToUsCentsEstimate: 8, Active: true})
	require.NoError(t, err)
	assert.False(t, saved.UpdatedAt.IsZero())

	got, err := r.Get(ctx, "brand_scraper")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.CreditsPerUse)
	assert.True(t, got.Active)
}

func TestSetValidation(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), nil, zerolog.Nop())
	ctx := context.Background()

	_, err := r.Set(ctx, ToolPricing{CreditsPerUse: 50})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = r.Set(ctx, ToolPricing{ToolKey: "x", CreditsPerUse: 0})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = r.Set(ctx, ToolPricing{ToolKey: "x", CreditsPerUse: -1})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = r.Set(ctx, ToolPricing{ToolKey: "x", CreditsPerUse: 10, CostToUsCentsEstimate: -1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetActive(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewRegistry(s, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := r.Set(ctx, ToolPricing{ToolKey: "on", CreditsPerUse: 10, Active: true})
	require.NoError(t, err)
	_, err = r.Set(ctx, ToolPricing{ToolKey: "off", CreditsPerUse: 10, Active: false})
	require.NoError(t, err)

	err = s.RunTransaction(ctx, func(tx store.Tx) error {
		p, err := r.GetActive(tx, "on")
		require.NoError(t, err)
		assert.Equal(t, int64(10), p.CreditsPerUse)

		_, err = r.GetActive(tx, "off")
		assert.ErrorIs(t, err, ErrInactive)

		_, err = r.GetActive(tx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestGetMissing(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), nil, zerolog.Nop())
	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetInvalidatesCache(t *testing.T) {
	inv := &fakeInvalidator{}
	r := NewRegistry(store.NewMemoryStore(), inv, zerolog.Nop())
	ctx := context.Background()

	_, err := r.Set(ctx, ToolPricing{ToolKey: "brand_scraper", CreditsPerUse: 50, Active: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"brand_scraper"}, inv.evicted)
}

func TestSetSurvivesInvalidationFailure(t *testing.T) {
	inv := &fakeInvalidator{err: assert.AnError}
	r := NewRegistry(store.NewMemoryStore(), inv, zerolog.Nop())
	ctx := context.Background()

	// The store write wins; a cache eviction failure is logged, not returned.
	saved, err := r.Set(ctx, ToolPricing{ToolKey: "brand_scraper", CreditsPerUse: 50, Active: true})
	require.NoError(t, err)
	assert.Equal(t, int64(50), saved.CreditsPerUse)

	got, err := r.Get(ctx, "brand_scraper")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.CreditsPerUse)
}

func TestListSortedByToolKey(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), nil, zerolog.Nop())
	ctx := context.Background()

	for _, key := range []string{"tasks", "brand_scraper", "research_chat"} {
		_, err := r.Set(ctx, ToolPricing{ToolKey: key, CreditsPerUse: 10, Active: true})
		require.NoError(t, err)
	}

	prices, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, prices, 3)
	assert.Equal(t, "brand_scraper", prices[0].ToolKey)
	assert.Equal(t, "research_chat", prices[1].ToolKey)
	assert.Equal(t, "tasks", prices[2].ToolKey)
}
