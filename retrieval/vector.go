package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/poiesic/medrag/ai"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/retry"
	"github.com/poiesic/medrag/storage"
)

var errNotConfigured = errors.New("channel not configured")

// VectorRetriever finds chunks by embedding similarity.
type VectorRetriever struct {
	embedder ai.Embedder
	chunks   storage.ChunkRepository
	minScore float32
	settings
}

// NewVectorRetriever creates a vector channel. Results scoring below
// minScore are dropped.
func NewVectorRetriever(embedder ai.Embedder, chunks storage.ChunkRepository, minScore float64, opts ...Option) (*VectorRetriever, error) {
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if chunks == nil {
		return nil, ErrChunkRepositoryRequired
	}

	s := defaultSettings()
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "retrieval", "channel", core.ChannelVector)

	return &VectorRetriever{
		embedder: embedder,
		chunks:   chunks,
		minScore: float32(minScore),
		settings: s,
	}, nil
}

// Retrieve embeds query and searches the chunk repository.
func (r *VectorRetriever) Retrieve(ctx context.Context, query string, topK int, filter *storage.Filter) ([]core.RetrievalResult, error) {
	if query == "" || topK <= 0 {
		return nil, nil
	}

	var hits []*core.SearchResult
	err := retry.WithBackoff(ctx, func() error {
		vector, err := r.embedder.EmbedText(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to embed query: %w", err)
		}
		if len(vector) == 0 {
			return retry.Permanent(errors.New("embedder returned an empty vector"))
		}
		hits, err = r.chunks.Search(ctx, vector, topK, r.minScore, filter)
		if errors.Is(err, storage.ErrStorageClosed) {
			return retry.Permanent(err)
		}
		return err
	}, r.maxRetries, r.retryDelay)
	if err != nil {
		r.logger.Warn("vector channel unavailable", "err", err)
		return nil, &core.ChannelError{Channel: core.ChannelVector, Err: err}
	}

	results := make([]core.RetrievalResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, core.RetrievalResult{
			ChunkID: h.Chunk.Id,
			Chunk:   h.Chunk,
			Score:   float64(h.Score),
			Channel: core.ChannelVector,
		})
	}
	r.logger.Debug("vector retrieval", "query", query, "results", len(results))
	return results, nil
}

var _ Retriever = (*VectorRetriever)(nil)
