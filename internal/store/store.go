// Package store defines the durable document store backing every billing
// entity on the site.
//
// All invariant-sensitive mutations (balance check + debit + usage record,
// paid-week check + charge) run inside a single RunTransaction call. The
// store commits a transaction's writes atomically or not at all, and retries
// the transaction function transparently when a concurrent writer invalidates
// something it read (optimistic concurrency).
//
// Because of that retry, the transaction function may be invoked more than
// once. It must not perform external side effects (network calls, channel
// sends), only reads and buffered writes through the Tx handle.
//
// Two implementations exist: MemoryStore for tests and dev mode, and
// PostgresStore for production.
package store

import (
	"context"
	"errors"
)

// Errors returned by Store and Tx implementations. Callers match them with
// errors.Is; wrapped variants carry the offending key.
var (
	// ErrNotFound is returned by Get when no document exists at the key.
	ErrNotFound = errors.New("store: document not found")

	// ErrExists is returned by Create when a document already exists.
	ErrExists = errors.New("store: document already exists")

	// ErrContention is returned by RunTransaction after the retry bound is
	// exhausted. The caller should retry the whole request with the same
	// idempotency key.
	ErrContention = errors.New("store: transaction contention")
)

// maxTxAttempts bounds optimistic retries before surfacing ErrContention.
const maxTxAttempts = 8

// Document is a raw key/value pair returned by prefix listings.
type Document struct {
	Key  string
	Data []byte
}

// Tx is the transactional read/write handle passed to a transaction
// function. Reads see committed state plus the transaction's own buffered
// writes. All writes commit atomically when the function returns nil.
type Tx interface {
	// Get unmarshals the document at key into out. Returns ErrNotFound if
	// the document does not exist.
	Get(key string, out interface{}) error

	// Set writes (creates or replaces) the document at key.
	Set(key string, v interface{}) error

	// Create writes the document at key, failing with ErrExists if a
	// document is already there. The existence check and the write are
	// atomic with the rest of the transaction.
	Create(key string, v interface{}) error

	// Delete removes the document at key. Deleting a missing key is not an
	// error.
	Delete(key string) error
}

// Store is the durable document store.
type Store interface {
	// RunTransaction executes fn with a transactional handle. fn may run
	// multiple times; its writes are committed atomically on success. A
	// non-nil error from fn aborts the transaction and is returned
	// unchanged.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Get reads a single document outside any transaction. Display paths
	// only; never use for read-modify-write.
	Get(ctx context.Context, key string, out interface{}) error

	// List returns up to limit documents whose keys start with prefix, in
	// key order. limit <= 0 means no limit.
	List(ctx context.Context, prefix string, limit int) ([]Document, error)
}
