// Package pricing holds the per-tool price list consulted by every debit.
//
// Pricing reads on the debit path happen through the same store transaction
// as the debit itself, so a debit can never observe a stale active flag.
// There is deliberately no process-wide cache here; the Redis mirror used by
// display endpoints is invalidated synchronously on every admin write.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dweinbeck/brandsite/internal/store"
)

var (
	// ErrNotFound means no pricing document exists for the tool key.
	ErrNotFound = errors.New("pricing: tool not found")

	// ErrInactive means pricing exists but the tool is switched off.
	ErrInactive = errors.New("pricing: tool inactive")

	// ErrValidation covers malformed admin input.
	ErrValidation = errors.New("pricing: validation failed")
)

const keyPrefix = "pricing/"

// Key returns the document key for a tool's pricing.
func Key(toolKey string) string {
	return keyPrefix + toolKey
}

// ToolPricing is the active price of one tool. CreditsPerUse is what the
// user pays; CostToUsCentsEstimate feeds margin reporting.
type ToolPricing struct {
	ToolKey               string    `json:"tool_key"`
	Label                 string    `json:"label"`
	CreditsPerUse         int64     `json:"credits_per_use"`
	CostToUsCentsEstimate int64     `json:"cost_to_us_cents_estimate"`
	Active                bool      `json:"active"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Invalidator evicts a tool's pricing from any display cache. Implemented by
// the Redis cache; a nil Invalidator is allowed (dev mode).
type Invalidator interface {
	InvalidatePricing(ctx context.Context, toolKey string) error
}

// Registry manages the price list. Admin-mutable, read by every debit.
type Registry struct {
	store store.Store
	cache Invalidator
	now   func() time.Time
	log   zerolog.Logger
}

// NewRegistry creates a Registry. cache may be nil.
func NewRegistry(s store.Store, cache Invalidator, logger zerolog.Logger) *Registry {
	return &Registry{
		store: s,
		cache: cache,
		now:   time.Now,
		log:   logger.With().Str("component", "pricing_registry").Logger(),
	}
}

// GetActive looks up a tool's pricing inside the caller's transaction.
// Returns ErrNotFound for missing tools and ErrInactive for disabled ones.
func (r *Registry) GetActive(tx store.Tx, toolKey string) (ToolPricing, error) {
	var p ToolPricing
	if err := tx.Get(Key(toolKey), &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ToolPricing{}, fmt.Errorf("%w: %s", ErrNotFound, toolKey)
		}
		return ToolPricing{}, err
	}
	if !p.Active {
		return ToolPricing{}, fmt.Errorf("%w: %s", ErrInactive, toolKey)
	}
	return p, nil
}

// Get reads pricing outside any transaction. Display paths only.
func (r *Registry) Get(ctx context.Context, toolKey string) (ToolPricing, error) {
	var p ToolPricing
	if err := r.store.Get(ctx, Key(toolKey), &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ToolPricing{}, fmt.Errorf("%w: %s", ErrNotFound, toolKey)
		}
		return ToolPricing{}, err
	}
	return p, nil
}

// Set validates and upserts a tool's pricing, then synchronously evicts the
// display cache so no reader sees the old price after the admin write
// returns.
func (r *Registry) Set(ctx context.Context, p ToolPricing) (ToolPricing, error) {
	if p.ToolKey == "" {
		return ToolPricing{}, fmt.Errorf("%w: tool_key is required", ErrValidation)
	}
	if p.CreditsPerUse <= 0 {
		return ToolPricing{}, fmt.Errorf("%w: credits_per_use must be positive", ErrValidation)
	}
	if p.CostToUsCentsEstimate < 0 {
		return ToolPricing{}, fmt.Errorf("%w: cost_to_us_cents_estimate cannot be negative", ErrValidation)
	}
	p.UpdatedAt = r.now()

	err := r.store.RunTransaction(ctx, func(tx store.Tx) error {
		return tx.Set(Key(p.ToolKey), p)
	})
	if err != nil {
		return ToolPricing{}, err
	}

	if r.cache != nil {
		if err := r.cache.InvalidatePricing(ctx, p.ToolKey); err != nil {
			// The store write already committed; the periodic resync will
			// catch the cache up, but flag it loudly.
			r.log.Error().Err(err).
				Str("tool_key", p.ToolKey).
				Msg("pricing cache invalidation failed")
		}
	}

	r.log.Info().
		Str("tool_key", p.ToolKey).
		Int64("credits_per_use", p.CreditsPerUse).
		Bool("active", p.Active).
		Msg("pricing updated")

	return p, nil
}

// List returns all pricing documents in tool-key order.
func (r *Registry) List(ctx context.Context) ([]ToolPricing, error) {
	docs, err := r.store.List(ctx, keyPrefix, 0)
	if err != nil {
		return nil, err
	}
	prices := make([]ToolPricing, 0, len(docs))
	for _, doc := range docs {
		var p ToolPricing
		if err := json.Unmarshal(doc.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", doc.Key, err)
		}
		prices = append(prices, p)
	}
	return prices, nil
}
