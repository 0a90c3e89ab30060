package badger

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/storage"
)

// CacheStore implements storage.CacheStore on BadgerDB entry TTLs.
// Badger expires keys at second granularity, so Get also checks the
// entry's own creation time and TTL.
type CacheStore struct {
	backend *Backend
	now     func() time.Time
}

var _ storage.CacheStore = (*CacheStore)(nil)

// NewCacheStore creates a new CacheStore.
func NewCacheStore(backend *Backend) *CacheStore {
	return &CacheStore{backend: backend, now: time.Now}
}

func (s *CacheStore) Get(ctx context.Context, key string) (*core.CacheEntry, error) {
	var entry *core.CacheEntry
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makeCacheKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var err error
			entry, err = storage.UnmarshalCacheEntry(val)
			return err
		})
	}, false)
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.Expired(s.now()) {
		return nil, nil
	}
	return entry, nil
}

func (s *CacheStore) Set(ctx context.Context, entry *core.CacheEntry) error {
	return s.backend.WithTx(func(tx *badger.Txn) error {
		e := badger.NewEntry(makeCacheKey(entry.Key), storage.MarshalCacheEntry(entry))
		if entry.TTL > 0 {
			// round up so badger never drops the key before the entry expires
			e = e.WithTTL(entry.TTL.Truncate(time.Second) + time.Second)
		}
		if err := tx.SetEntry(e); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}
