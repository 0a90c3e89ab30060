package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/medrag/ai/mock"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/lexical"
	"github.com/poiesic/medrag/storage"
	"github.com/poiesic/medrag/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var corpus = []struct {
	src, name, category, content string
}{
	{"d1", "百日咳", "呼吸内科", "疾病名称：百日咳\n症状：阵发性痉挛性咳嗽、发热"},
	{"d2", "高血压", "心血管内科", "疾病名称：高血压\n症状：头痛、头晕"},
	{"d3", "胃炎", "消化内科", "疾病名称：胃炎\n症状：胃痛、恶心"},
}

func seed(t *testing.T) (*badger.Stores, *lexical.Holder) {
	t.Helper()
	stores, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	ctx := context.Background()
	for _, d := range corpus {
		require.NoError(t, stores.Chunks.UpsertChunks(ctx, &core.Chunk{
			SourceID: d.src,
			Name:     d.name,
			Category: d.category,
			Content:  d.content,
			Vector:   mock.DeterministicVector(d.content, mock.DefaultDimension),
		}))
	}

	holder := lexical.NewHolder(lexical.WithRetireDelay(0))
	t.Cleanup(func() { holder.Close() })
	_, err = holder.Rebuild(ctx, "v1", stores.Chunks.ForEachChunk)
	require.NoError(t, err)
	return stores, holder
}

func TestVectorRetriever(t *testing.T) {
	stores, _ := seed(t)
	ctx := context.Background()

	r, err := NewVectorRetriever(mock.NewMockEmbedder(), stores.Chunks, 0.1, WithRetry(1, 0))
	require.NoError(t, err)

	results, err := r.Retrieve(ctx, corpus[0].content, 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 2)

	top := results[0]
	assert.Equal(t, core.ChunkIDFor("d1", 0), top.ChunkID)
	assert.Equal(t, core.ChannelVector, top.Channel)
	assert.InDelta(t, 1.0, top.Score, 1e-4)
	require.NotNil(t, top.Chunk)
	assert.Equal(t, "百日咳", top.Chunk.Name)

	t.Run("filter", func(t *testing.T) {
		results, err := r.Retrieve(ctx, corpus[0].content, 3, &storage.Filter{Category: "消化内科"})
		require.NoError(t, err)
		for _, res := range results {
			assert.Equal(t, "消化内科", res.Chunk.Category)
		}
	})
}

func TestVectorRetrieverRetriesThenFails(t *testing.T) {
	stores, _ := seed(t)

	var calls atomic.Int32
	emb := mock.NewMockEmbedder()
	emb.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return nil, errors.New("embedding backend down")
	}

	r, err := NewVectorRetriever(emb, stores.Chunks, 0.1, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), "发热", 5, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrChannelUnavailable)

	var chErr *core.ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, core.ChannelVector, chErr.Channel)
	assert.Equal(t, int32(3), calls.Load())
}

func TestVectorRetrieverRecoversAfterTransientFailure(t *testing.T) {
	stores, _ := seed(t)

	var calls atomic.Int32
	emb := mock.NewMockEmbedder()
	emb.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("timeout")
		}
		return mock.DeterministicVector(text, mock.DefaultDimension), nil
	}

	r, err := NewVectorRetriever(emb, stores.Chunks, 0.1, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	results, err := r.Retrieve(context.Background(), corpus[1].content, 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, core.ChunkIDFor("d2", 0), results[0].ChunkID)
}

func TestNewRetrieverValidation(t *testing.T) {
	_, err := NewVectorRetriever(nil, nil, 0)
	assert.ErrorIs(t, err, ErrEmbedderRequired)

	_, err = NewVectorRetriever(mock.NewMockEmbedder(), nil, 0)
	assert.ErrorIs(t, err, ErrChunkRepositoryRequired)

	_, err = NewLexicalRetriever(nil)
	assert.ErrorIs(t, err, ErrHolderRequired)
}

func TestLexicalRetriever(t *testing.T) {
	_, holder := seed(t)
	ctx := context.Background()

	r, err := NewLexicalRetriever(holder, WithRetry(1, 0))
	require.NoError(t, err)

	results, err := r.Retrieve(ctx, "咳嗽 发热", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, core.ChunkIDFor("d1", 0), results[0].ChunkID)
	assert.Equal(t, core.ChannelLexical, results[0].Channel)

	t.Run("filter drops other categories", func(t *testing.T) {
		results, err := r.Retrieve(ctx, "咳嗽", 5, &storage.Filter{Category: "消化内科"})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestLexicalRetrieverWithoutIndex(t *testing.T) {
	r, err := NewLexicalRetriever(lexical.NewHolder())
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), "咳嗽", 5, nil)
	assert.ErrorIs(t, err, core.ErrChannelUnavailable)
	assert.ErrorIs(t, err, lexical.ErrNoIndex)
}

type fakeRetriever struct {
	results []core.RetrievalResult
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, topK int, filter *storage.Filter) ([]core.RetrievalResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.results, f.err
}

func TestRetrieveFanOut(t *testing.T) {
	vec := &fakeRetriever{results: []core.RetrievalResult{{ChunkID: 1, Score: 0.9, Channel: core.ChannelVector}}}
	lex := &fakeRetriever{results: []core.RetrievalResult{{ChunkID: 2, Score: 3.1, Channel: core.ChannelLexical}}}

	out := Retrieve(context.Background(), vec, lex, "发热", 5, nil)
	assert.NoError(t, out.VectorErr)
	assert.NoError(t, out.LexicalErr)
	assert.Len(t, out.Vector, 1)
	assert.Len(t, out.Lexical, 1)
	assert.False(t, out.Empty())
}

func TestRetrieveOneChannelFails(t *testing.T) {
	vec := &fakeRetriever{err: &core.ChannelError{Channel: core.ChannelVector, Err: errors.New("down")}}
	lex := &fakeRetriever{results: []core.RetrievalResult{{ChunkID: 2, Score: 3.1}}}

	out := Retrieve(context.Background(), vec, lex, "发热", 5, nil)
	assert.ErrorIs(t, out.VectorErr, core.ErrChannelUnavailable)
	assert.NoError(t, out.LexicalErr)
	assert.Len(t, out.Lexical, 1)
}

func TestRetrieveRunsConcurrently(t *testing.T) {
	vec := &fakeRetriever{delay: 100 * time.Millisecond}
	lex := &fakeRetriever{delay: 100 * time.Millisecond}

	start := time.Now()
	out := Retrieve(context.Background(), vec, lex, "发热", 5, nil)
	elapsed := time.Since(start)

	assert.True(t, out.Empty())
	assert.Less(t, elapsed, 190*time.Millisecond)
}

func TestRetrieveNilChannel(t *testing.T) {
	lex := &fakeRetriever{results: []core.RetrievalResult{{ChunkID: 2, Score: 1}}}

	out := Retrieve(context.Background(), nil, lex, "发热", 5, nil)
	assert.ErrorIs(t, out.VectorErr, core.ErrChannelUnavailable)
	assert.Len(t, out.Lexical, 1)
}
