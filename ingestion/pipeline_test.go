package ingestion

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/poiesic/medrag/ai/mock"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/lexical"
	"github.com/poiesic/medrag/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	stores   *badger.Stores
	embedder *mock.MockEmbedder
	holder   *lexical.Holder
	pipeline *Pipeline
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	stores, err := badger.NewMemoryStores()
	require.NoError(t, err)

	f := &fixture{
		stores:   stores,
		embedder: mock.NewMockEmbedder(),
		holder:   lexical.NewHolder(lexical.WithRetireDelay(0)),
	}
	opts = append([]Option{WithPoolSize(2), WithBatchSize(2), WithRetry(2, time.Millisecond)}, opts...)
	f.pipeline, err = NewPipeline(stores.Chunks, stores.Meta, f.embedder, f.holder, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		f.pipeline.Release()
		f.holder.Close()
		stores.Close()
	})
	return f
}

func docs(items ...core.Document) iter.Seq2[core.Document, error] {
	return func(yield func(core.Document, error) bool) {
		for _, d := range items {
			if !yield(d, nil) {
				return
			}
		}
	}
}

func corpus() []core.Document {
	return []core.Document{
		{SourceID: "d1", Name: "百日咳", Description: "急性呼吸道传染病", Symptoms: []string{"阵发性痉挛性咳嗽", "发热"}, Categories: []string{"呼吸内科"}},
		{SourceID: "d2", Name: "高血压", Description: "体循环动脉血压增高", Symptoms: []string{"头痛", "头晕"}, Categories: []string{"心内科"}},
		{SourceID: "d3", Name: "胃炎", Description: "胃黏膜炎症", Symptoms: []string{"胃痛", "恶心"}, Categories: []string{"消化内科"}},
	}
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	n, err := f.stores.Chunks.CountChunks(context.Background())
	require.NoError(t, err)
	return n
}

func TestNewPipelineValidation(t *testing.T) {
	stores, err := badger.NewMemoryStores()
	require.NoError(t, err)
	defer stores.Close()
	holder := lexical.NewHolder()
	emb := mock.NewMockEmbedder()

	_, err = NewPipeline(nil, stores.Meta, emb, holder)
	assert.ErrorIs(t, err, ErrChunkRepositoryRequired)
	_, err = NewPipeline(stores.Chunks, nil, emb, holder)
	assert.ErrorIs(t, err, ErrMetaRepositoryRequired)
	_, err = NewPipeline(stores.Chunks, stores.Meta, nil, holder)
	assert.ErrorIs(t, err, ErrEmbedderRequired)
	_, err = NewPipeline(stores.Chunks, stores.Meta, emb, nil)
	assert.ErrorIs(t, err, ErrHolderRequired)
	_, err = NewPipeline(stores.Chunks, stores.Meta, emb, holder, WithBatchSize(0))
	assert.Error(t, err)
}

func TestIngest(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	report, err := f.pipeline.Ingest(ctx, docs(corpus()...))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Documents)
	assert.Equal(t, 3, report.Chunks)
	assert.Zero(t, report.Skipped)
	assert.NotEmpty(t, report.Version)
	assert.Equal(t, 3, f.count(t))

	stored, err := f.stores.Meta.IndexVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.Version, stored)

	snap := f.holder.Current()
	require.NotNil(t, snap)
	assert.Equal(t, report.Version, snap.Version())
	assert.Equal(t, 3, snap.Size())

	results, err := snap.Search(ctx, "咳嗽", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "d1", results[0].Chunk.SourceID)

	chunks, err := f.stores.Chunks.GetChunks(ctx, core.ChunkIDFor("d1", 0))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].Vector, mock.DefaultDimension)
	assert.Equal(t, "呼吸内科", chunks[0].Category)
}

func TestIngestIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.pipeline.Ingest(ctx, docs(corpus()...))
	require.NoError(t, err)
	calls := f.embedder.CallCount()
	snap := f.holder.Current()

	second, err := f.pipeline.Ingest(ctx, docs(corpus()...))
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Zero(t, second.Documents)
	assert.Zero(t, second.Chunks)
	assert.Equal(t, 3, second.Unchanged)
	assert.Equal(t, calls, f.embedder.CallCount(), "unchanged documents must not be re-embedded")
	assert.Equal(t, 3, f.count(t))
	assert.Same(t, snap, f.holder.Current(), "unchanged corpus keeps the active snapshot")
}

func TestIngestSupersedes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	long := core.Document{SourceID: "a1", Name: "发热护理", Body: strings.Repeat("甲", 1200)}
	first, err := f.pipeline.Ingest(ctx, docs(long))
	require.NoError(t, err)
	assert.Equal(t, 3, first.Chunks)

	short := long
	short.Body = strings.Repeat("乙", 300)
	second, err := f.pipeline.Ingest(ctx, docs(short))
	require.NoError(t, err)

	assert.Equal(t, 1, second.Documents)
	assert.Equal(t, 1, second.Chunks)
	assert.Equal(t, 2, second.Removed)
	assert.NotEqual(t, first.Version, second.Version)
	assert.Equal(t, 1, f.count(t))

	chunks, err := f.stores.Chunks.GetChunks(ctx, core.ChunkIDFor("a1", 0))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, short.Body, chunks[0].Content)
	assert.Equal(t, second.Version, f.holder.Current().Version())
}

func TestIngestLaterDuplicateWins(t *testing.T) {
	f := setup(t)
	a := core.Document{SourceID: "dup", Name: "旧", Description: "旧描述"}
	b := core.Document{SourceID: "dup", Name: "新", Description: "新描述"}

	report, err := f.pipeline.Ingest(context.Background(), docs(a, b))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Documents)

	chunks, err := f.stores.Chunks.GetChunks(context.Background(), core.ChunkIDFor("dup", 0))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "新", chunks[0].Name)
}

func TestIngestSkipsMalformedRecords(t *testing.T) {
	f := setup(t)

	input := func(yield func(core.Document, error) bool) {
		if !yield(core.Document{}, &core.RecordError{Line: 1, Err: errors.New("invalid json")}) {
			return
		}
		if !yield(core.Document{SourceID: "bad", Description: "no name"}, nil) {
			return
		}
		yield(corpus()[0], nil)
	}

	report, err := f.pipeline.Ingest(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Documents)
	assert.Equal(t, 2, report.Skipped)
	require.Len(t, report.Errors, 2)
	for _, e := range report.Errors {
		assert.ErrorIs(t, e, core.ErrIngestionRecord)
	}
}

func TestIngestFromJSONL(t *testing.T) {
	f := setup(t)
	input := pertussisLine + "\n{broken\n"

	report, err := f.pipeline.Ingest(context.Background(), Documents(strings.NewReader(input)))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Documents)
	assert.Equal(t, 1, report.Skipped)
}

func TestIngestAbortsOnSourceError(t *testing.T) {
	f := setup(t)
	input := func(yield func(core.Document, error) bool) {
		yield(core.Document{}, errors.New("read failed"))
	}

	_, err := f.pipeline.Ingest(context.Background(), input)
	assert.ErrorContains(t, err, "read failed")
}

func TestIngestEmbeddingFailure(t *testing.T) {
	f := setup(t)
	f.embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, errors.New("embedding backend down")
	}

	_, err := f.pipeline.Ingest(context.Background(), docs(corpus()...))
	require.Error(t, err)
	assert.ErrorContains(t, err, "embedding backend down")
	assert.Zero(t, f.count(t), "nothing is written when embedding fails")
	assert.Nil(t, f.holder.Current())
}

func TestIngestEmbeddingRetry(t *testing.T) {
	f := setup(t, WithBatchSize(10))
	failures := 1
	f.embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("temporary")
		}
		out := make([][]float32, len(texts))
		for i, s := range texts {
			out[i] = mock.DeterministicVector(s, 8)
		}
		return out, nil
	}

	report, err := f.pipeline.Ingest(context.Background(), docs(corpus()...))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Chunks)
}

func TestDeleteDocuments(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.pipeline.Ingest(ctx, docs(corpus()...))
	require.NoError(t, err)

	removed, err := f.pipeline.DeleteDocuments(ctx, "d1", "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, f.count(t))

	manifest, err := f.stores.Meta.GetManifest(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, manifest)

	snap := f.holder.Current()
	assert.NotEqual(t, first.Version, snap.Version())
	results, err := snap.Search(ctx, "百日咳", 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "d1", r.Chunk.SourceID)
	}
}

func TestRebuildIndex(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	report, err := f.pipeline.Ingest(ctx, docs(corpus()...))
	require.NoError(t, err)

	holder := lexical.NewHolder(lexical.WithRetireDelay(0))
	defer holder.Close()
	p, err := NewPipeline(f.stores.Chunks, f.stores.Meta, f.embedder, holder)
	require.NoError(t, err)
	defer p.Release()

	version, err := p.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.Version, version)
	require.NotNil(t, holder.Current())
	assert.Equal(t, 3, holder.Current().Size())
}

func TestRebuildIndexEmpty(t *testing.T) {
	f := setup(t)
	version, err := f.pipeline.RebuildIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "empty", version)
	require.NotNil(t, f.holder.Current())
	assert.Zero(t, f.holder.Current().Size())
}

func TestIngestProgress(t *testing.T) {
	var buf bytes.Buffer
	f := setup(t, WithProgress(&buf))

	_, err := f.pipeline.Ingest(context.Background(), docs(corpus()...))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Progress: 3/3")
}

func TestIngestCancelled(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Ingest(ctx, docs(corpus()...))
	assert.ErrorIs(t, err, context.Canceled)
}
