package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dweinbeck/brandsite/internal/billing"
	"github.com/dweinbeck/brandsite/internal/store"
)

// Syncer keeps the Redis mirror in line with the store.
//
// Mirror writes during normal operation are best effort, so drift can
// accumulate: a missed post-commit write, a Redis restart, a manual balance
// adjustment through the CLI against a different instance. The syncer
// corrects all of these by periodically rewriting every balance from the
// store.
type Syncer struct {
	cache  *Cache
	store  store.Store
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewSyncer creates a Syncer over an existing cache and store.
func NewSyncer(c *Cache, s store.Store, logger zerolog.Logger) *Syncer {
	return &Syncer{
		cache:  c,
		store:  s,
		log:    logger.With().Str("component", "syncer").Logger(),
		stopCh: make(chan struct{}),
	}
}

// SyncBalances rewrites every account balance into Redis in one pipeline
// pass. Called at startup (cold mirror) and by the periodic loop.
func (s *Syncer) SyncBalances(ctx context.Context) error {
	start := time.Now()

	docs, err := s.store.List(ctx, "account/", 0)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	pipe := s.cache.redis.Pipeline()
	count := 0
	for _, doc := range docs {
		var acct billing.Account
		if err := json.Unmarshal(doc.Data, &acct); err != nil {
			s.log.Error().Err(err).Str("key", doc.Key).Msg("skipping undecodable account")
			continue
		}
		pipe.Set(ctx, balanceKey(acct.UID), acct.BalanceCredits, 0)
		count++

		// Flush in batches so one huge account list cannot blow the pipeline.
		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("pipeline exec failed at count %d: %w", count, err)
			}
			pipe = s.cache.redis.Pipeline()
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("final pipeline exec failed: %w", err)
	}

	s.log.Info().
		Int("account_count", count).
		Dur("duration", time.Since(start)).
		Msg("balance mirror synced")
	return nil
}

// StartPeriodicSync launches the background resync loop.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}

	s.log.Info().Dur("interval", interval).Msg("starting periodic sync")
	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if err := s.SyncBalances(ctx); err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				}
				cancel()

			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

// Stop halts the periodic sync goroutine.
func (s *Syncer) Stop() {
	close(s.stopCh)
}
