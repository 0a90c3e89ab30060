package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/poiesic/medrag/ai"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/retry"
)

// batchEmbedder generates embeddings for batches of chunks.
type batchEmbedder struct {
	embedder       ai.Embedder
	maxRetries     int
	retryBaseDelay time.Duration
	logger         *slog.Logger
}

// embed sets Vector on every chunk of the batch.
// Vectors are normalized so stored similarity is plain cosine.
func (be *batchEmbedder) embed(ctx context.Context, chunks []*core.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	var embeddings [][]float32
	err := retry.WithBackoff(ctx, func() error {
		var err error
		embeddings, err = be.embedder.EmbedTexts(ctx, texts)
		return err
	}, be.maxRetries, be.retryBaseDelay)
	if err != nil {
		return fmt.Errorf("failed to generate embeddings after %d attempts: %w", be.maxRetries, err)
	}

	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: expected %d, got %d", len(chunks), len(embeddings))
	}

	for i := range chunks {
		chunks[i].Vector = normalizeVector(embeddings[i])
	}
	be.logger.Debug("embedded batch", "chunks", len(chunks))
	return nil
}

// normalizeVector returns v scaled to unit length. A zero vector stays zero.
func normalizeVector(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}

	var magnitude float32
	for _, val := range v {
		magnitude += val * val
	}
	magnitude = float32(math.Sqrt(float64(magnitude)))

	result := make([]float32, len(v))
	if magnitude == 0 {
		return result
	}
	for i, val := range v {
		result[i] = val / magnitude
	}
	return result
}
