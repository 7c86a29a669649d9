package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests against a real Postgres. Skipped unless
// TEST_POSTGRES_URL is set; the schema from migrations/ must be applied.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	s, err := NewPostgresStore(url, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(t *testing.T, suffix string) string {
	return fmt.Sprintf("test/%s/%d/%s", t.Name(), time.Now().UnixNano(), suffix)
}

func TestPostgresRoundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	key := testKey(t, "k")

	require.NoError(t, s.RunTransaction(ctx, func(tx Tx) error {
		return tx.Set(key, doc{Value: 42})
	}))

	var got doc
	require.NoError(t, s.Get(ctx, key, &got))
	assert.Equal(t, int64(42), got.Value)

	require.NoError(t, s.RunTransaction(ctx, func(tx Tx) error {
		return tx.Delete(key)
	}))
	assert.ErrorIs(t, s.Get(ctx, key, &got), ErrNotFound)
}

func TestPostgresCreateConflict(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	key := testKey(t, "k")

	require.NoError(t, s.RunTransaction(ctx, func(tx Tx) error {
		return tx.Create(key, doc{Value: 1})
	}))
	err := s.RunTransaction(ctx, func(tx Tx) error {
		return tx.Create(key, doc{Value: 2})
	})
	assert.ErrorIs(t, err, ErrExists)
}

func TestPostgresConcurrentIncrements(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	key := testKey(t, "counter")

	require.NoError(t, s.RunTransaction(ctx, func(tx Tx) error {
		return tx.Set(key, doc{Value: 0})
	}))

	const goroutines = 8
	const perGoroutine = 5
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				err := s.RunTransaction(ctx, func(tx Tx) error {
					var counter doc
					if err := tx.Get(key, &counter); err != nil {
						return err
					}
					counter.Value++
					return tx.Set(key, counter)
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	var got doc
	require.NoError(t, s.Get(ctx, key, &got))
	assert.Equal(t, int64(goroutines*perGoroutine), got.Value)
}
