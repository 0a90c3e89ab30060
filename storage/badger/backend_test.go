package badger

import (
	"context"
	"testing"
	"time"

	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackend_InMemory(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
}

func TestOpenBackend_FileSystem(t *testing.T) {
	tmpDir := t.TempDir() + "/nested/db"
	backend, err := OpenBackend(tmpDir, false)
	require.NoError(t, err)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
}

func TestBackendClose(t *testing.T) {
	stores, err := NewMemoryStores()
	require.NoError(t, err)

	require.NoError(t, stores.Close())
	assert.True(t, stores.Backend.IsClosed())

	_, err = stores.Chunks.CountChunks(context.Background())
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}

func newChunk(sourceID string, offset int, content string, vector []float32) *core.Chunk {
	return &core.Chunk{
		SourceID: sourceID,
		Offset:   offset,
		Name:     sourceID,
		Content:  content,
		Category: "内科",
		Vector:   vector,
	}
}

func TestUpsertChunks_Idempotent(t *testing.T) {
	stores, err := NewMemoryStores()
	require.NoError(t, err)
	defer stores.Close()
	ctx := context.Background()

	chunks := func() []*core.Chunk {
		return []*core.Chunk{
			newChunk("doc-1", 0, "first", []float32{1, 0}),
			newChunk("doc-1", 500, "second", []float32{0, 1}),
			newChunk("doc-2", 0, "third", []float32{1, 1}),
		}
	}

	require.NoError(t, stores.Chunks.UpsertChunks(ctx, chunks()...))
	require.NoError(t, stores.Chunks.UpsertChunks(ctx, chunks()...))

	count, err := stores.Chunks.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "same keys must overwrite")

	ids, err := stores.Chunks.ChunksByDocument(ctx, core.IDFromContent("doc-1"))
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.ElementsMatch(t, []core.ID{core.ChunkIDFor("doc-1", 0), core.ChunkIDFor("doc-1", 500)}, ids)
}

func TestUpsertChunks_Overwrites(t *testing.T) {
	stores, err := NewMemoryStores()
	require.NoError(t, err)
	defer stores.Close()
	ctx := context.Background()

	require.NoError(t, stores.Chunks.UpsertChunks(ctx, newChunk("doc-1", 0, "old", []float32{1, 0})))
	require.NoError(t, stores.Chunks.UpsertChunks(ctx, newChunk("doc-1", 0, "new", []float32{1, 0})))

	got, err := stores.Chunks.GetChunks(ctx, core.ChunkIDFor("doc-1", 0), core.ID(12345))
	require.NoError(t, err)
	require.Len(t, got, 1, "missing ids are skipped")
	assert.Equal(t, "new", got[0].Content)
	assert.Equal(t, core.IDFromContent("doc-1"), got[0].DocumentID)
}

func TestSearch(t *testing.T) {
	stores, err := NewMemoryStores()
	require.NoError(t, err)
	defer stores.Close()
	ctx := context.Background()

	chunks := []*core.Chunk{
		newChunk("close", 0, "close", []float32{1, 0, 0}),
		newChunk("near", 0, "near", []float32{0.9, 0.1, 0}),
		newChunk("far", 0, "far", []float32{0, 0, 1}),
		newChunk("novector", 0, "no vector", nil),
	}
	chunks[1].Category = "外科"
	require.NoError(t, stores.Chunks.UpsertChunks(ctx, chunks...))

	t.Run("ranked and thresholded", func(t *testing.T) {
		results, err := stores.Chunks.Search(ctx, []float32{1, 0, 0}, 10, 0.5, nil)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "close", results[0].Chunk.SourceID)
		assert.Equal(t, "near", results[1].Chunk.SourceID)
		assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	})

	t.Run("top k", func(t *testing.T) {
		results, err := stores.Chunks.Search(ctx, []float32{1, 0, 0}, 1, 0, nil)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "close", results[0].Chunk.SourceID)
	})

	t.Run("zero similarity discarded", func(t *testing.T) {
		results, err := stores.Chunks.Search(ctx, []float32{0, 1, 0}, 10, 0, nil)
		require.NoError(t, err)
		for _, r := range results {
			assert.Greater(t, r.Score, float32(0))
		}
	})

	t.Run("filter", func(t *testing.T) {
		results, err := stores.Chunks.Search(ctx, []float32{1, 0, 0}, 10, 0.5, &storage.Filter{Category: "外科"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "near", results[0].Chunk.SourceID)
	})
}

func TestDeleteChunks(t *testing.T) {
	stores, err := NewMemoryStores()
	require.NoError(t, err)
	defer stores.Close()
	ctx := context.Background()

	require.NoError(t, stores.Chunks.UpsertChunks(ctx,
		newChunk("doc-1", 0, "a", []float32{1}),
		newChunk("doc-1", 10, "b", []float32{1}),
	))

	require.NoError(t, stores.Chunks.DeleteChunks(ctx, core.ChunkIDFor("doc-1", 10), core.ID(99)))

	ids, err := stores.Chunks.ChunksByDocument(ctx, core.IDFromContent("doc-1"))
	require.NoError(t, err)
	assert.Equal(t, []core.ID{core.ChunkIDFor("doc-1", 0)}, ids)

	var seen []string
	err = stores.Chunks.ForEachChunk(ctx, func(c *core.Chunk) error {
		seen = append(seen, c.Content)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, seen)
}

func TestMetaRepository(t *testing.T) {
	stores, err := NewMemoryStores()
	require.NoError(t, err)
	defer stores.Close()
	ctx := context.Background()

	version, err := stores.Meta.IndexVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, version)

	require.NoError(t, stores.Meta.SetIndexVersion(ctx, "v1"))
	version, err = stores.Meta.IndexVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", version)

	missing, err := stores.Meta.GetManifest(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, stores.Meta.PutManifests(ctx,
		&storage.Manifest{SourceID: "doc-b", Fingerprint: 2, ChunkIDs: []core.ID{3}},
		&storage.Manifest{SourceID: "doc-a", Fingerprint: 1, ChunkIDs: []core.ID{1, 2}},
	))

	m, err := stores.Meta.GetManifest(ctx, "doc-a")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, []core.ID{1, 2}, m.ChunkIDs)
	assert.False(t, m.UpdatedAt.IsZero())

	var order []string
	require.NoError(t, stores.Meta.ForEachManifest(ctx, func(m *storage.Manifest) error {
		order = append(order, m.SourceID)
		return nil
	}))
	assert.Equal(t, []string{"doc-a", "doc-b"}, order)

	require.NoError(t, stores.Meta.DeleteManifest(ctx, "doc-a"))
	m, err = stores.Meta.GetManifest(ctx, "doc-a")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestCacheStore(t *testing.T) {
	stores, err := NewMemoryStores()
	require.NoError(t, err)
	defer stores.Close()
	ctx := context.Background()

	now := time.Now()
	stores.Cache.now = func() time.Time { return now }

	miss, err := stores.Cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, miss)

	entry := &core.CacheEntry{Key: "k", Answer: "answer", CreatedAt: now, TTL: 2 * time.Second}
	require.NoError(t, stores.Cache.Set(ctx, entry))

	hit, err := stores.Cache.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "answer", hit.Answer)

	stores.Cache.now = func() time.Time { return now.Add(3 * time.Second) }
	expired, err := stores.Cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, expired, "entry past its TTL is a miss")
}
