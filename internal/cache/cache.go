// Package cache implements the two-tier cache and credential store (C3):
// an in-memory TTL map backed by a durable key/value store (BadgerDB), the
// way jinterlante1206-AleutianLocal's services/trace/storage/badger package
// wraps BadgerDB for its own tiered persistence model.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jonboulle/clockwork"
)

// entry is the in-memory tier's stored value.
type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.storedAt.Add(e.ttl))
}

// Store is the two-tier cache: process memory first, BadgerDB second. Reads
// check memory then durable then report a miss; writes go to both tiers.
type Store struct {
	db    *badger.DB
	clock clockwork.Clock

	mu  sync.Mutex
	mem map[string]entry
}

// Open opens (or creates) a BadgerDB at path and wraps it in a Store.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %s: %w", path, err)
	}
	return New(db, clockwork.NewRealClock()), nil
}

// OpenInMemory opens a Store backed by an in-memory BadgerDB, for tests.
func OpenInMemory(clock clockwork.Clock) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger store: %w", err)
	}
	return New(db, clock), nil
}

// New wraps an already-open BadgerDB.
func New(db *badger.DB, clock clockwork.Clock) *Store {
	return &Store{db: db, clock: clock, mem: make(map[string]entry)}
}

// Close releases the durable tier.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads a key, checking memory before the durable tier. The second
// return value is false on a clean miss (never expired-but-present).
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	if e, ok := s.mem[key]; ok {
		s.mu.Unlock()
		if e.expired(now) {
			s.Delete(context.Background(), key) //nolint:errcheck // best-effort eviction
			return nil, false, nil
		}
		return e.value, true, nil
	}
	s.mu.Unlock()

	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("durable cache get %s: %w", key, err)
	}

	var wrapped wireEntry
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	if now.After(wrapped.StoredAt.Add(wrapped.TTL)) {
		return nil, false, nil
	}

	s.mu.Lock()
	s.mem[key] = entry{value: wrapped.Value, storedAt: wrapped.StoredAt, ttl: wrapped.TTL}
	s.mu.Unlock()

	return wrapped.Value, true, nil
}

// Set writes a key to both tiers with the given TTL.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.clock.Now()

	s.mu.Lock()
	s.mem[key] = entry{value: value, storedAt: now, ttl: ttl}
	s.mu.Unlock()

	wrapped := wireEntry{Value: value, StoredAt: now, TTL: ttl}
	raw, err := json.Marshal(wrapped)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item := badger.NewEntry([]byte(key), raw)
		if ttl > 0 {
			item = item.WithTTL(ttl)
		}
		return txn.SetEntry(item)
	})
}

// Delete invalidates a key in both tiers.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// ClearPrefix invalidates every key (in both tiers) beginning with prefix.
func (s *Store) ClearPrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	for k := range s.mem {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.mem, k)
		}
	}
	s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var keys [][]byte
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, append([]byte(nil), it.Item().Key()...))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// wireEntry is the JSON envelope persisted in the durable tier.
type wireEntry struct {
	Value    []byte    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
}
