package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store with optimistic transactions.
//
// Each document carries a version counter. A transaction records the version
// of every document it reads and buffers its writes; at commit time, under
// the store mutex, the read set is validated against current versions. Any
// mismatch aborts the attempt and the transaction function is re-run, up to
// maxTxAttempts.
//
// Used by the unit tests and by the API server in dev mode. Safe for
// concurrent use.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]memDoc
}

type memDoc struct {
	data    []byte
	version uint64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]memDoc)}
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := &memTx{store: s, reads: make(map[string]uint64), writes: make(map[string]*[]byte)}
		if err := fn(tx); err != nil {
			return err
		}
		if s.commit(tx) {
			return nil
		}
	}
	return ErrContention
}

// commit validates the read set and applies buffered writes atomically.
func (s *MemoryStore) commit(tx *memTx) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range tx.reads {
		current, ok := s.docs[key]
		if !ok {
			if version != 0 {
				return false
			}
			continue
		}
		if current.version != version {
			return false
		}
	}

	for key, data := range tx.writes {
		if data == nil {
			delete(s.docs, key)
			continue
		}
		prev := s.docs[key]
		s.docs[key] = memDoc{data: *data, version: prev.version + 1}
	}
	return true
}

func (s *MemoryStore) Get(ctx context.Context, key string, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	doc, ok := s.docs[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return json.Unmarshal(doc.data, out)
}

func (s *MemoryStore) List(ctx context.Context, prefix string, limit int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.docs))
	for key := range s.docs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	docs := make([]Document, 0, len(keys))
	for _, key := range keys {
		if limit > 0 && len(docs) >= limit {
			break
		}
		data := make([]byte, len(s.docs[key].data))
		copy(data, s.docs[key].data)
		docs = append(docs, Document{Key: key, Data: data})
	}
	s.mu.Unlock()
	return docs, nil
}

// memTx buffers reads and writes for one transaction attempt. A nil write
// value marks a delete.
type memTx struct {
	store  *MemoryStore
	reads  map[string]uint64
	writes map[string]*[]byte
}

func (t *memTx) Get(key string, out interface{}) error {
	// Reads observe the transaction's own uncommitted writes first.
	if data, ok := t.writes[key]; ok {
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return json.Unmarshal(*data, out)
	}

	t.store.mu.Lock()
	doc, ok := t.store.docs[key]
	t.store.mu.Unlock()

	if !ok {
		// Version 0 records "observed absent": commit fails if the document
		// appears before we do.
		t.reads[key] = 0
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	t.reads[key] = doc.version
	return json.Unmarshal(doc.data, out)
}

func (t *memTx) Set(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	t.writes[key] = &data
	return nil
}

func (t *memTx) Create(key string, v interface{}) error {
	var existing json.RawMessage
	err := t.Get(key, &existing)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return t.Set(key, v)
}

func (t *memTx) Delete(key string) error {
	t.writes[key] = nil
	return nil
}
