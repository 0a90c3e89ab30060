package storage

import (
	"context"
	"time"

	"github.com/poiesic/medrag/core"
)

// Filter restricts vector search to chunks with matching scalar metadata.
// Empty fields match everything.
type Filter struct {
	Category   string
	Department string
	Tags       map[string]string
}

// Match reports whether the chunk satisfies the filter.
func (f *Filter) Match(c *core.Chunk) bool {
	if f == nil {
		return true
	}
	if f.Category != "" && f.Category != c.Category {
		return false
	}
	if f.Department != "" && !containsDepartment(c.Department, f.Department) {
		return false
	}
	for k, v := range f.Tags {
		if c.Tags[k] != v {
			return false
		}
	}
	return true
}

// ChunkRepository is the vector store holding embedded chunks.
// Implementations must be thread-safe and support concurrent access.
type ChunkRepository interface {
	// UpsertChunks writes chunks keyed by their stable primary key.
	// Writing a chunk whose key already exists overwrites it.
	UpsertChunks(ctx context.Context, chunks ...*core.Chunk) error

	// Search returns up to topK chunks whose similarity to vector is at least
	// minScore and which match filter. Results are ordered by similarity
	// score (highest first).
	Search(ctx context.Context, vector []float32, topK int, minScore float32, filter *Filter) ([]*core.SearchResult, error)

	// GetChunks retrieves chunks by their IDs.
	// Returns only the chunks that exist (no error for missing chunks).
	GetChunks(ctx context.Context, ids ...core.ID) ([]*core.Chunk, error)

	// ChunksByDocument returns the IDs of all chunks of a document.
	ChunksByDocument(ctx context.Context, documentID core.ID) ([]core.ID, error)

	// DeleteChunks removes chunks and their document index entries.
	// Missing IDs are ignored.
	DeleteChunks(ctx context.Context, ids ...core.ID) error

	// ForEachChunk calls fn for every stored chunk in key order.
	ForEachChunk(ctx context.Context, fn func(chunk *core.Chunk) error) error

	// CountChunks returns the number of stored chunks.
	CountChunks(ctx context.Context) (int, error)
}

// Manifest records what was ingested for one document.
type Manifest struct {
	SourceID    string
	Fingerprint core.ID
	ChunkIDs    []core.ID
	UpdatedAt   time.Time
}

// MetaRepository stores corpus-level metadata.
type MetaRepository interface {
	// IndexVersion returns the current index version tag, or "" before the
	// first ingestion.
	IndexVersion(ctx context.Context) (string, error)

	// SetIndexVersion records a new index version tag.
	SetIndexVersion(ctx context.Context, version string) error

	// GetManifest returns the manifest of a document, or nil when the
	// document was never ingested.
	GetManifest(ctx context.Context, sourceID string) (*Manifest, error)

	// PutManifests writes manifests, replacing existing ones.
	PutManifests(ctx context.Context, manifests ...*Manifest) error

	// DeleteManifest removes a document's manifest.
	DeleteManifest(ctx context.Context, sourceID string) error

	// ForEachManifest calls fn for every manifest ordered by source id.
	ForEachManifest(ctx context.Context, fn func(m *Manifest) error) error
}

// CacheStore keeps consultation answers with a time-to-live.
type CacheStore interface {
	// Get returns the live entry for key, or nil on a miss.
	Get(ctx context.Context, key string) (*core.CacheEntry, error)

	// Set stores entry under entry.Key for entry.TTL.
	Set(ctx context.Context, entry *core.CacheEntry) error
}
