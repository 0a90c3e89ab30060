package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/lexical"
	"github.com/poiesic/medrag/retry"
	"github.com/poiesic/medrag/storage"
)

// LexicalRetriever ranks chunks with BM25 over the active lexical snapshot.
type LexicalRetriever struct {
	holder *lexical.Holder
	settings
}

// NewLexicalRetriever creates a lexical channel reading from holder.
func NewLexicalRetriever(holder *lexical.Holder, opts ...Option) (*LexicalRetriever, error) {
	if holder == nil {
		return nil, ErrHolderRequired
	}

	s := defaultSettings()
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "retrieval", "channel", core.ChannelLexical)

	return &LexicalRetriever{holder: holder, settings: s}, nil
}

// Retrieve searches the snapshot that is active when the call starts. A
// retry after the snapshot was retired picks up its replacement.
func (r *LexicalRetriever) Retrieve(ctx context.Context, query string, topK int, filter *storage.Filter) ([]core.RetrievalResult, error) {
	if query == "" || topK <= 0 {
		return nil, nil
	}

	snap := r.holder.Current()
	if snap == nil {
		return nil, &core.ChannelError{Channel: core.ChannelLexical, Err: lexical.ErrNoIndex}
	}

	// over-fetch so post-filtering can still fill topK
	limit := topK
	if filter != nil {
		limit = topK * 3
	}

	var hits []core.RetrievalResult
	err := retry.WithBackoff(ctx, func() error {
		var err error
		hits, err = snap.Search(ctx, query, limit)
		if errors.Is(err, lexical.ErrSnapshotClosed) {
			if next := r.holder.Current(); next != nil && next != snap {
				snap = next
			}
		}
		return err
	}, r.maxRetries, r.retryDelay)
	if err != nil {
		r.logger.Warn("lexical channel unavailable", "err", err)
		return nil, &core.ChannelError{Channel: core.ChannelLexical, Err: fmt.Errorf("snapshot %s: %w", snap.Version(), err)}
	}

	results := make([]core.RetrievalResult, 0, min(len(hits), topK))
	for _, h := range hits {
		if h.Chunk != nil && !filter.Match(h.Chunk) {
			continue
		}
		results = append(results, h)
		if len(results) == topK {
			break
		}
	}
	r.logger.Debug("lexical retrieval", "query", query, "version", snap.Version(), "results", len(results))
	return results, nil
}

var _ Retriever = (*LexicalRetriever)(nil)
