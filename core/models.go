package core

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for domain entities.
// It is generated using content-based hashing.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// ChunkKey is the stable primary key of a chunk: the source id of its
// document plus the rune offset where the chunk starts.
func ChunkKey(sourceID string, offset int) string {
	return sourceID + "#" + strconv.Itoa(offset)
}

// ChunkIDFor returns the ID derived from ChunkKey.
func ChunkIDFor(sourceID string, offset int) ID {
	return IDFromContent(ChunkKey(sourceID, offset))
}

// Chunk is a bounded-length slice of a Document's text plus its embedding.
// DocumentID never changes once the chunk is created.
type Chunk struct {
	Id         ID
	DocumentID ID
	SourceID   string
	Offset     int
	Name       string
	Content    string
	Category   string
	Department string
	Tags       map[string]string
	Vector     []float32
	InsertedAt time.Time
}

// Key returns the chunk's stable primary key.
func (c *Chunk) Key() string {
	return ChunkKey(c.SourceID, c.Offset)
}

// Channel identifies where a piece of context came from.
type Channel string

const (
	ChannelVector  Channel = "vector"
	ChannelLexical Channel = "lexical"
	ChannelWeb     Channel = "web"
)

// RetrievalResult is one hit from a single retrieval channel.
type RetrievalResult struct {
	ChunkID ID
	Chunk   *Chunk // may be nil for lexical hits until resolved
	Score   float64
	Channel Channel
}

// FusedResult is one entry of the ranked, deduplicated fusion output.
type FusedResult struct {
	ChunkID ID
	Chunk   *Chunk
	// Score is the fused score in [0,1].
	Score        float64
	Rank         int
	VectorScore  float64 // normalized, 0 when absent from the channel
	LexicalScore float64 // normalized, 0 when absent from the channel
	Channels     []Channel
}

// Context is a piece of text handed to the generation backend.
type Context struct {
	ChunkID  ID // zero for web snippets
	SourceID string
	Title    string
	Content  string
	URL      string
	Source   Channel
	Score    float64
	// Weight scales the context's influence; web snippets carry a low weight.
	Weight float64
}

// Ref returns the traceable reference stored alongside cached answers.
func (c Context) Ref() ContextRef {
	return ContextRef{
		ChunkID:  c.ChunkID,
		SourceID: c.SourceID,
		Title:    c.Title,
		URL:      c.URL,
		Source:   c.Source,
		Score:    c.Score,
	}
}

// ContextRef references a context that was used to produce an answer.
type ContextRef struct {
	ChunkID  ID      `json:"chunk_id,omitempty"`
	SourceID string  `json:"source_id,omitempty"`
	Title    string  `json:"title,omitempty"`
	URL      string  `json:"url,omitempty"`
	Source   Channel `json:"source"`
	Score    float64 `json:"score"`
}

// CacheEntry is a stored consultation answer.
type CacheEntry struct {
	Key          string
	Answer       string
	Contexts     []ContextRef
	Suggestions  []string
	FallbackUsed bool
	CreatedAt    time.Time
	TTL          time.Duration
}

// Expired reports whether the entry outlived its TTL at time now.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn handed to the generation backend.
type Message struct {
	Role    string
	Content string
}

// SearchResult is a chunk matched by the vector store and its similarity.
type SearchResult struct {
	Chunk *Chunk
	Score float32
}
