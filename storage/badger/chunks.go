package badger

import (
	"bytes"
	"context"
	"math"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/storage"
)

// ChunkRepository implements storage.ChunkRepository for BadgerDB.
type ChunkRepository struct {
	backend *Backend
}

var _ storage.ChunkRepository = (*ChunkRepository)(nil)

// NewChunkRepository creates a new ChunkRepository.
func NewChunkRepository(backend *Backend) *ChunkRepository {
	return &ChunkRepository{backend: backend}
}

// UpsertChunks writes chunks under their ID, which is derived from the
// document source id and chunk offset. Existing chunks are overwritten.
func (r *ChunkRepository) UpsertChunks(ctx context.Context, chunks ...*core.Chunk) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		now := time.Now().UTC()
		for _, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			chunk.Id = core.ChunkIDFor(chunk.SourceID, chunk.Offset)
			chunk.DocumentID = core.IDFromContent(chunk.SourceID)
			if chunk.InsertedAt.IsZero() {
				chunk.InsertedAt = now
			}

			if err := tx.Set(makeChunkKey(chunk.Id), storage.MarshalChunk(chunk)); err != nil {
				return err
			}
			if err := tx.Set(makeChunkDocKey(chunk.DocumentID, chunk.Id), storage.MarshalID(chunk.Id)); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
}

// Search scans all chunks and ranks them by cosine similarity to vector.
func (r *ChunkRepository) Search(ctx context.Context, vector []float32, topK int, minScore float32, filter *storage.Filter) ([]*core.SearchResult, error) {
	var results []*core.SearchResult

	err := r.forEach(ctx, func(chunk *core.Chunk) error {
		// Skip chunks without embeddings
		if len(chunk.Vector) == 0 || !filter.Match(chunk) {
			return nil
		}

		similarity := cosineSimilarity(vector, chunk.Vector)
		if similarity >= minScore && similarity > 0 {
			results = append(results, &core.SearchResult{
				Chunk: chunk,
				Score: similarity,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Sort by similarity descending, key ascending for equal scores
	slices.SortStableFunc(results, func(a, b *core.SearchResult) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return bytes.Compare(makeChunkKey(a.Chunk.Id), makeChunkKey(b.Chunk.Id))
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	return results, nil
}

// GetChunks retrieves chunks by ID, skipping missing ones.
func (r *ChunkRepository) GetChunks(ctx context.Context, ids ...core.ID) ([]*core.Chunk, error) {
	chunks := make([]*core.Chunk, 0, len(ids))
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		for _, id := range ids {
			chunk, err := readChunk(tx, makeChunkKey(id))
			if err != nil {
				return err
			}
			if chunk != nil {
				chunks = append(chunks, chunk)
			}
		}
		return nil
	}, false)
	return chunks, err
}

// ChunksByDocument returns the chunk IDs indexed under a document.
func (r *ChunkRepository) ChunksByDocument(ctx context.Context, documentID core.ID) ([]core.ID, error) {
	var ids []core.ID
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makePartialChunkDocKey(documentID)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			err := iter.Item().Value(func(val []byte) error {
				id, err := storage.UnmarshalID(val)
				if err != nil {
					return err
				}
				ids = append(ids, id)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}, false)
	return ids, err
}

// DeleteChunks removes chunks and their document index entries.
func (r *ChunkRepository) DeleteChunks(ctx context.Context, ids ...core.ID) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		for _, id := range ids {
			key := makeChunkKey(id)
			chunk, err := readChunk(tx, key)
			if err != nil {
				return err
			}
			if chunk == nil {
				continue
			}
			if err := tx.Delete(key); err != nil {
				return err
			}
			if err := tx.Delete(makeChunkDocKey(chunk.DocumentID, chunk.Id)); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
}

// ForEachChunk calls fn for every stored chunk.
func (r *ChunkRepository) ForEachChunk(ctx context.Context, fn func(chunk *core.Chunk) error) error {
	return r.forEach(ctx, fn)
}

// CountChunks counts chunk keys without reading values.
func (r *ChunkRepository) CountChunks(ctx context.Context) (int, error) {
	count := 0
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(chunkPrefix)
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}
		return nil
	}, false)
	return count, err
}

func (r *ChunkRepository) forEach(ctx context.Context, fn func(chunk *core.Chunk) error) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(chunkPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var chunk *core.Chunk
			err := iter.Item().Value(func(val []byte) error {
				var err error
				chunk, err = storage.UnmarshalChunk(val)
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(chunk); err != nil {
				return err
			}
		}
		return nil
	}, false)
}

// readChunk returns nil, nil when the key does not exist.
func readChunk(tx *badger.Txn, key []byte) (*core.Chunk, error) {
	item, err := tx.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var chunk *core.Chunk
	err = item.Value(func(val []byte) error {
		var err error
		chunk, err = storage.UnmarshalChunk(val)
		return err
	})
	return chunk, err
}

// cosineSimilarity calculates the cosine similarity of two vectors.
func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	minLen := min(len(a), len(b))
	for i := 0; i < minLen; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
