package badger

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/medrag/storage"
)

// MetaRepository implements storage.MetaRepository for BadgerDB.
type MetaRepository struct {
	backend *Backend
}

var _ storage.MetaRepository = (*MetaRepository)(nil)

// NewMetaRepository creates a new MetaRepository.
func NewMetaRepository(backend *Backend) *MetaRepository {
	return &MetaRepository{backend: backend}
}

func (r *MetaRepository) IndexVersion(ctx context.Context) (string, error) {
	var version string
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(indexVersionKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			version = string(val)
			return nil
		})
	}, false)
	return version, err
}

func (r *MetaRepository) SetIndexVersion(ctx context.Context, version string) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		if err := tx.Set([]byte(indexVersionKey), []byte(version)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

func (r *MetaRepository) GetManifest(ctx context.Context, sourceID string) (*storage.Manifest, error) {
	var manifest *storage.Manifest
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makeManifestKey(sourceID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var err error
			manifest, err = storage.UnmarshalManifest(val)
			return err
		})
	}, false)
	return manifest, err
}

func (r *MetaRepository) PutManifests(ctx context.Context, manifests ...*storage.Manifest) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		now := time.Now().UTC()
		for _, m := range manifests {
			m.UpdatedAt = now
			if err := tx.Set(makeManifestKey(m.SourceID), storage.MarshalManifest(m)); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
}

func (r *MetaRepository) DeleteManifest(ctx context.Context, sourceID string) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		if err := tx.Delete(makeManifestKey(sourceID)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

func (r *MetaRepository) ForEachManifest(ctx context.Context, fn func(m *storage.Manifest) error) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(manifestPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var manifest *storage.Manifest
			err := iter.Item().Value(func(val []byte) error {
				var err error
				manifest, err = storage.UnmarshalManifest(val)
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(manifest); err != nil {
				return err
			}
		}
		return nil
	}, false)
}
