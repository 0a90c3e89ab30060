package lexical

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/poiesic/medrag/core"
)

const (
	fieldName    = "name"
	fieldContent = "content"

	// nameBoost favours chunks whose disease name matches the query.
	nameBoost = 2.0
)

var (
	// ErrNoIndex means no snapshot has been published yet.
	ErrNoIndex = errors.New("lexical index not built")

	// ErrSnapshotClosed means the snapshot was retired and closed.
	ErrSnapshotClosed = errors.New("lexical snapshot closed")
)

// Snapshot is one immutable version of the lexical index.
type Snapshot struct {
	version string
	index   bleve.Index
	mapping *mapping.IndexMappingImpl
	chunks  map[core.ID]*core.Chunk
}

func newIndexMapping() *mapping.IndexMappingImpl {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = cjk.AnalyzerName
	text.Store = false
	text.IncludeTermVectors = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldName, text)
	doc.AddFieldMappingsAt(fieldContent, text)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = cjk.AnalyzerName
	m.ScoringModel = "bm25"
	return m
}

// Build indexes chunks into a new snapshot tagged with version.
// Vectors are not retained by the snapshot.
func Build(ctx context.Context, version string, chunks []*core.Chunk) (*Snapshot, error) {
	m := newIndexMapping()
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create lexical index: %w", err)
	}

	s := &Snapshot{
		version: version,
		index:   idx,
		mapping: m,
		chunks:  make(map[core.ID]*core.Chunk, len(chunks)),
	}

	const batchSize = 500
	batch := idx.NewBatch()
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			idx.Close()
			return nil, err
		}

		stripped := *c
		stripped.Vector = nil
		s.chunks[c.Id] = &stripped

		if err := batch.Index(docID(c.Id), map[string]interface{}{
			fieldName:    c.Name,
			fieldContent: c.Content,
		}); err != nil {
			idx.Close()
			return nil, fmt.Errorf("failed to index chunk %s: %w", c.Key(), err)
		}

		if batch.Size() >= batchSize {
			if err := idx.Batch(batch); err != nil {
				idx.Close()
				return nil, fmt.Errorf("failed to write lexical batch: %w", err)
			}
			batch = idx.NewBatch()
		}
	}
	if batch.Size() > 0 {
		if err := idx.Batch(batch); err != nil {
			idx.Close()
			return nil, fmt.Errorf("failed to write lexical batch: %w", err)
		}
	}

	return s, nil
}

// Version returns the index version the snapshot was built for.
func (s *Snapshot) Version() string {
	return s.version
}

// Size returns the number of indexed chunks.
func (s *Snapshot) Size() int {
	return len(s.chunks)
}

// Tokens segments text with the index analyzer.
func (s *Snapshot) Tokens(text string) []string {
	stream, err := s.mapping.AnalyzeText(cjk.AnalyzerName, []byte(text))
	if err != nil {
		return nil
	}
	tokens := make([]string, 0, len(stream))
	for _, tok := range stream {
		tokens = append(tokens, string(tok.Term))
	}
	return tokens
}

// Search ranks chunks against query with BM25 and returns up to topK
// results with a positive score, best first.
func (s *Snapshot) Search(ctx context.Context, query string, topK int) ([]core.RetrievalResult, error) {
	query = strings.TrimSpace(query)
	if query == "" || topK <= 0 {
		return nil, nil
	}

	nameQuery := bleve.NewMatchQuery(query)
	nameQuery.SetField(fieldName)
	nameQuery.Analyzer = cjk.AnalyzerName
	nameQuery.SetBoost(nameBoost)

	contentQuery := bleve.NewMatchQuery(query)
	contentQuery.SetField(fieldContent)
	contentQuery.Analyzer = cjk.AnalyzerName

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(nameQuery, contentQuery), topK, 0, false)
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		if errors.Is(err, bleve.ErrorIndexClosed) {
			return nil, ErrSnapshotClosed
		}
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	results := make([]core.RetrievalResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if hit.Score <= 0 {
			continue
		}
		id, err := strconv.ParseUint(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		results = append(results, core.RetrievalResult{
			ChunkID: core.ID(id),
			Chunk:   s.chunks[core.ID(id)],
			Score:   hit.Score,
			Channel: core.ChannelLexical,
		})
	}
	return results, nil
}

// Close releases the underlying index.
func (s *Snapshot) Close() error {
	return s.index.Close()
}

func docID(id core.ID) string {
	return strconv.FormatUint(uint64(id), 10)
}
