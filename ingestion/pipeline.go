package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/medrag/ai"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/lexical"
	"github.com/poiesic/medrag/storage"
)

// Ingestion defaults.
const (
	DefaultBatchSize  = 32
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Report summarizes an ingestion run.
type Report struct {
	// Documents counts new or changed documents written.
	Documents int
	// Unchanged counts documents whose content matched the stored manifest.
	Unchanged int
	Chunks    int
	// Removed counts stale chunks of superseded documents.
	Removed  int
	Skipped  int
	Errors   []error
	Version  string
	Duration time.Duration
}

// Pipeline writes documents into the vector store and keeps the lexical
// index in step with it. Runs are serialized.
type Pipeline struct {
	chunks    storage.ChunkRepository
	meta      storage.MetaRepository
	holder    *lexical.Holder
	embedder  *batchEmbedder
	pool      *ants.Pool
	chunkOpts ChunkOptions
	batchSize int
	progress  io.Writer
	mu        sync.Mutex
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the worker pool size for concurrent embedding.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if p.pool != nil {
			p.pool.Release()
		}
		p.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithChunkOptions sets the chunking parameters.
func WithChunkOptions(opts ChunkOptions) Option {
	return func(p *Pipeline) error {
		if err := opts.Validate(); err != nil {
			return err
		}
		p.chunkOpts = opts
		return nil
	}
}

// WithBatchSize sets how many chunks go into one embedding call.
func WithBatchSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			return fmt.Errorf("batch size must be positive, got %d", size)
		}
		p.batchSize = size
		return nil
	}
}

// WithRetry sets the retry budget for embedding calls.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(p *Pipeline) error {
		if maxRetries < 1 {
			return fmt.Errorf("max retries must be positive, got %d", maxRetries)
		}
		p.embedder.maxRetries = maxRetries
		p.embedder.retryBaseDelay = delay
		return nil
	}
}

// WithProgress reports embedding progress to w.
func WithProgress(w io.Writer) Option {
	return func(p *Pipeline) error {
		p.progress = w
		return nil
	}
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(
	chunks storage.ChunkRepository,
	meta storage.MetaRepository,
	embedder ai.Embedder,
	holder *lexical.Holder,
	opts ...Option,
) (*Pipeline, error) {
	if chunks == nil {
		return nil, ErrChunkRepositoryRequired
	}
	if meta == nil {
		return nil, ErrMetaRepositoryRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if holder == nil {
		return nil, ErrHolderRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		chunks: chunks,
		meta:   meta,
		holder: holder,
		embedder: &batchEmbedder{
			embedder:       embedder,
			maxRetries:     DefaultMaxRetries,
			retryBaseDelay: DefaultRetryDelay,
		},
		pool:      pool,
		chunkOpts: DefaultChunkOptions(),
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.Release()
			return nil, optErr
		}
	}
	p.logger = p.logger.With("component", "ingestion")
	p.embedder.logger = p.logger

	return p, nil
}

// pending is a new or changed document and its chunks.
type pending struct {
	doc         core.Document
	fingerprint core.ID
	chunks      []*core.Chunk
	previous    *storage.Manifest
}

// Ingest writes docs to the vector store. Record errors (matching
// core.ErrIngestionRecord) are skipped into the report; any other error
// from docs, the embedder or the stores aborts the run. A later document
// with the same source id supersedes an earlier one. When the corpus
// changed, the index version is bumped and the lexical index rebuilt.
func (p *Pipeline) Ingest(ctx context.Context, docs iter.Seq2[core.Document, error]) (*Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	report := &Report{}

	order := []string{}
	latest := map[string]core.Document{}
	for doc, err := range docs {
		if err != nil {
			if !errors.Is(err, core.ErrIngestionRecord) {
				return nil, err
			}
			report.Skipped++
			report.Errors = append(report.Errors, err)
			p.logger.Warn("skipping record", "err", err)
			continue
		}
		if err := core.ValidateDocument(&doc); err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, &core.RecordError{SourceID: doc.SourceID, Err: err})
			p.logger.Warn("skipping document", "source_id", doc.SourceID, "err", err)
			continue
		}
		if _, seen := latest[doc.SourceID]; !seen {
			order = append(order, doc.SourceID)
		}
		latest[doc.SourceID] = doc
	}

	var work []*pending
	for _, sourceID := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc := latest[sourceID]
		fp := fingerprint(&doc)

		previous, err := p.meta.GetManifest(ctx, sourceID)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest of %s: %w", sourceID, err)
		}
		if previous != nil && previous.Fingerprint == fp {
			report.Unchanged++
			continue
		}
		work = append(work, &pending{
			doc:         doc,
			fingerprint: fp,
			chunks:      Split(&doc, p.chunkOpts),
			previous:    previous,
		})
	}

	if len(work) > 0 {
		if err := p.write(ctx, work, report); err != nil {
			return nil, err
		}
	}

	version, err := p.refreshIndex(ctx, len(work) > 0)
	if err != nil {
		return nil, err
	}
	report.Version = version
	report.Duration = time.Since(start)

	p.logger.Info("ingestion complete",
		"documents", report.Documents,
		"unchanged", report.Unchanged,
		"chunks", report.Chunks,
		"removed", report.Removed,
		"skipped", report.Skipped,
		"version", version,
		"duration", report.Duration)
	return report, nil
}

// write embeds, upserts and records the manifests of changed documents.
func (p *Pipeline) write(ctx context.Context, work []*pending, report *Report) error {
	var all []*core.Chunk
	for _, w := range work {
		all = append(all, w.chunks...)
	}

	if err := p.embedAll(ctx, all); err != nil {
		return err
	}

	for batch := range slices.Chunk(all, p.batchSize) {
		if err := p.chunks.UpsertChunks(ctx, batch...); err != nil {
			return fmt.Errorf("failed to store chunks: %w", err)
		}
	}

	manifests := make([]*storage.Manifest, 0, len(work))
	for _, w := range work {
		ids := make([]core.ID, len(w.chunks))
		for i, c := range w.chunks {
			ids[i] = c.Id
		}

		if w.previous != nil {
			stale := staleChunks(w.previous.ChunkIDs, ids)
			if len(stale) > 0 {
				if err := p.chunks.DeleteChunks(ctx, stale...); err != nil {
					return fmt.Errorf("failed to remove stale chunks of %s: %w", w.doc.SourceID, err)
				}
				report.Removed += len(stale)
			}
		}

		manifests = append(manifests, &storage.Manifest{
			SourceID:    w.doc.SourceID,
			Fingerprint: w.fingerprint,
			ChunkIDs:    ids,
		})
	}
	if err := p.meta.PutManifests(ctx, manifests...); err != nil {
		return fmt.Errorf("failed to store manifests: %w", err)
	}

	report.Documents += len(work)
	report.Chunks += len(all)
	return nil
}

// embedAll fans batches out to the worker pool and waits for all of them.
func (p *Pipeline) embedAll(ctx context.Context, chunks []*core.Chunk) error {
	var tracker *ProgressTracker
	if p.progress != nil {
		tracker = NewProgressTracker(p.progress, len(chunks), p.batchSize)
		tracker.Start()
		defer tracker.Finish()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	for batch := range slices.Chunk(chunks, p.batchSize) {
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			if err := p.embedder.embed(ctx, batch); err != nil {
				fail(err)
				return
			}
			if tracker != nil {
				tracker.Increment(len(batch))
			}
		})
		if err != nil {
			wg.Done()
			fail(fmt.Errorf("failed to schedule embedding batch: %w", err))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		p.logger.Error("embedding failed", "err", firstErr)
	}
	return firstErr
}

// DeleteDocuments removes documents and their chunks, then refreshes the
// index. Unknown source ids are ignored. Returns the number of removed chunks.
func (p *Pipeline) DeleteDocuments(ctx context.Context, sourceIDs ...string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	changed := false
	for _, sourceID := range sourceIDs {
		ids, err := p.chunks.ChunksByDocument(ctx, core.IDFromContent(sourceID))
		if err != nil {
			return removed, err
		}
		manifest, err := p.meta.GetManifest(ctx, sourceID)
		if err != nil {
			return removed, err
		}
		if manifest == nil && len(ids) == 0 {
			continue
		}
		if err := p.chunks.DeleteChunks(ctx, ids...); err != nil {
			return removed, fmt.Errorf("failed to delete chunks of %s: %w", sourceID, err)
		}
		if err := p.meta.DeleteManifest(ctx, sourceID); err != nil {
			return removed, fmt.Errorf("failed to delete manifest of %s: %w", sourceID, err)
		}
		removed += len(ids)
		changed = true
	}

	if _, err := p.refreshIndex(ctx, changed); err != nil {
		return removed, err
	}
	p.logger.Info("documents deleted", "documents", len(sourceIDs), "chunks", removed)
	return removed, nil
}

// RebuildIndex rebuilds the lexical index from the stored corpus and
// returns the index version. Used at startup.
func (p *Pipeline) RebuildIndex(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshIndex(ctx, true)
}

// refreshIndex recomputes the corpus version, stores it when it changed and
// rebuilds the lexical index when forced or when the active snapshot is
// not at that version.
func (p *Pipeline) refreshIndex(ctx context.Context, force bool) (string, error) {
	version, err := p.corpusVersion(ctx)
	if err != nil {
		return "", err
	}

	stored, err := p.meta.IndexVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read index version: %w", err)
	}
	if stored != version {
		if err := p.meta.SetIndexVersion(ctx, version); err != nil {
			return "", fmt.Errorf("failed to store index version: %w", err)
		}
	}

	current := p.holder.Current()
	if force || current == nil || current.Version() != version {
		if _, err := p.holder.Rebuild(ctx, version, p.chunks.ForEachChunk); err != nil {
			return "", fmt.Errorf("failed to rebuild lexical index: %w", err)
		}
	}
	return version, nil
}

// corpusVersion fingerprints the set of ingested documents.
func (p *Pipeline) corpusVersion(ctx context.Context) (string, error) {
	var b strings.Builder
	n := 0
	err := p.meta.ForEachManifest(ctx, func(m *storage.Manifest) error {
		fmt.Fprintf(&b, "%s\x00%d\n", m.SourceID, m.Fingerprint)
		n++
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read manifests: %w", err)
	}
	if n == 0 {
		return "empty", nil
	}
	return fmt.Sprintf("v%016x", uint64(core.IDFromContent(b.String()))), nil
}

// Release releases the worker pool.
// The pipeline should not be used after calling Release.
func (p *Pipeline) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}

// fingerprint hashes everything that ends up in a document's chunks.
func fingerprint(doc *core.Document) core.ID {
	var b strings.Builder
	b.WriteString(doc.Content())
	b.WriteByte(0)
	b.WriteString(doc.Body)
	b.WriteByte(0)
	b.WriteString(doc.PrimaryCategory())
	b.WriteByte(0)
	b.WriteString(doc.Department())
	for _, k := range slices.Sorted(maps.Keys(doc.Tags)) {
		fmt.Fprintf(&b, "\x00%s=%s", k, doc.Tags[k])
	}
	return core.IDFromContent(b.String())
}

func staleChunks(previous, current []core.ID) []core.ID {
	var stale []core.ID
	for _, id := range previous {
		if !slices.Contains(current, id) {
			stale = append(stale, id)
		}
	}
	return stale
}
