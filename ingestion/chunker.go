package ingestion

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/poiesic/medrag/core"
)

// Chunking defaults.
const (
	DefaultMaxChunkChars = 6000
	DefaultChunkSize     = 500
	DefaultChunkOverlap  = 50
)

// separators are tried in order when looking for a cut point.
var separators = []string{"\n\n", "\n", "。", "！", "？", "；", " "}

// ChunkOptions control how documents are split.
type ChunkOptions struct {
	// MaxChars caps every chunk; longer spans are truncated.
	MaxChars int
	// Size and Overlap drive splitting of free-form bodies.
	Size    int
	Overlap int
}

// DefaultChunkOptions returns the default chunking parameters.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		MaxChars: DefaultMaxChunkChars,
		Size:     DefaultChunkSize,
		Overlap:  DefaultChunkOverlap,
	}
}

// Validate reports inconsistent options.
func (o ChunkOptions) Validate() error {
	if o.MaxChars <= 0 {
		return fmt.Errorf("max chunk chars must be positive, got %d", o.MaxChars)
	}
	if o.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", o.Size)
	}
	if o.Overlap < 0 || o.Overlap >= o.Size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", o.Size, o.Overlap)
	}
	return nil
}

// Split turns a document into chunks. The labelled record text becomes a
// single chunk at offset 0, truncated to MaxChars. A free-form body is cut
// into Size-rune pieces with Overlap, preferring separator boundaries; its
// offsets continue after the record text.
func Split(doc *core.Document, opts ChunkOptions) []*core.Chunk {
	now := time.Now().UTC()
	newChunk := func(offset int, content string) *core.Chunk {
		return &core.Chunk{
			Id:         core.ChunkIDFor(doc.SourceID, offset),
			DocumentID: doc.ID(),
			SourceID:   doc.SourceID,
			Offset:     offset,
			Name:       doc.Name,
			Content:    core.Truncate(content, opts.MaxChars),
			Category:   doc.PrimaryCategory(),
			Department: doc.Department(),
			Tags:       doc.Tags,
			InsertedAt: now,
		}
	}

	var chunks []*core.Chunk
	base := 0
	if doc.Structured() {
		content := doc.Content()
		chunks = append(chunks, newChunk(0, content))
		base = utf8.RuneCountInString(content) + 1
	}

	body := strings.TrimSpace(doc.Body)
	if body == "" {
		return chunks
	}
	for _, s := range splitText([]rune(body), opts.Size, opts.Overlap) {
		chunks = append(chunks, newChunk(base+s.offset, s.text))
	}
	return chunks
}

type span struct {
	offset int
	text   string
}

// splitText slides a window of size runes over text, cutting after the
// highest-priority separator found in the window. Consecutive spans share
// up to overlap runes.
func splitText(text []rune, size, overlap int) []span {
	var spans []span
	start := 0
	for start < len(text) {
		end := min(start+size, len(text))
		if end < len(text) {
			end = cutPoint(text, start+overlap+1, end)
		}

		piece := string(text[start:end])
		trimmed := strings.TrimLeftFunc(piece, unicode.IsSpace)
		offset := start + utf8.RuneCountInString(piece) - utf8.RuneCountInString(trimmed)
		if trimmed = strings.TrimRightFunc(trimmed, unicode.IsSpace); trimmed != "" {
			spans = append(spans, span{offset: offset, text: trimmed})
		}

		if end == len(text) {
			break
		}
		start = max(end-overlap, start+1)
	}
	return spans
}

// cutPoint returns the position just after the last occurrence of the
// first separator present in text[from:end], or end when none is.
func cutPoint(text []rune, from, end int) int {
	if from >= end {
		return end
	}
	window := string(text[from:end])
	for _, sep := range separators {
		if i := strings.LastIndex(window, sep); i >= 0 {
			return from + utf8.RuneCountInString(window[:i+len(sep)])
		}
	}
	return end
}
