// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package medrag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/poiesic/medrag/ai"
	"github.com/poiesic/medrag/ai/openai"
	"github.com/poiesic/medrag/cache"
	"github.com/poiesic/medrag/config"
	"github.com/poiesic/medrag/consult"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/fallback"
	"github.com/poiesic/medrag/fusion"
	"github.com/poiesic/medrag/generation"
	"github.com/poiesic/medrag/ingestion"
	"github.com/poiesic/medrag/lexical"
	"github.com/poiesic/medrag/optimizer"
	"github.com/poiesic/medrag/retrieval"
	"github.com/poiesic/medrag/storage"
	"github.com/poiesic/medrag/storage/badger"
)

// Engine wires storage, the AI provider, ingestion and the consultation
// pipeline from one Config.
type Engine struct {
	cfg       config.Config
	stores    *badger.Stores
	provider  ai.AIProvider
	holder    *lexical.Holder
	ingestion *ingestion.Pipeline
	consult   *consult.Pipeline
	cache     *cache.ResponseCache
	logger    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	provider ai.AIProvider
	searcher fallback.WebSearcher
	monitor  consult.Monitor
	progress io.Writer
	logger   *slog.Logger
}

// WithProvider replaces the OpenAI-compatible provider built from the config.
// The engine takes ownership and closes it.
func WithProvider(p ai.AIProvider) EngineOption {
	return func(o *engineOptions) {
		o.provider = p
	}
}

// WithWebSearcher replaces the Bing searcher used by the fallback.
func WithWebSearcher(s fallback.WebSearcher) EngineOption {
	return func(o *engineOptions) {
		o.searcher = s
	}
}

// WithMonitor observes every consultation.
func WithMonitor(m consult.Monitor) EngineOption {
	return func(o *engineOptions) {
		o.monitor = m
	}
}

// WithProgress reports ingestion progress to w.
func WithProgress(w io.Writer) EngineOption {
	return func(o *engineOptions) {
		o.progress = w
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// Open opens the stores named by cfg, rebuilds the lexical index from the
// stored corpus and assembles the consultation pipeline.
func Open(ctx context.Context, cfg config.Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &engineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	logger := options.logger

	stores, err := badger.Open(cfg.Storage.Path, cfg.Storage.InMemory)
	if err != nil {
		return nil, err
	}

	provider := options.provider
	if provider == nil {
		provider, err = openai.NewProvider(cfg.ProviderConfig())
		if err != nil {
			stores.Close()
			return nil, err
		}
	}

	e := &Engine{
		cfg:      cfg,
		stores:   stores,
		provider: provider,
		holder:   lexical.NewHolder(lexical.WithLogger(logger)),
		logger:   logger.With("component", "engine"),
	}

	if err := e.build(ctx, options); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, options *engineOptions) error {
	cfg := e.cfg
	logger := options.logger

	ingestOpts := []ingestion.Option{
		ingestion.WithLogger(logger),
		ingestion.WithPoolSize(cfg.Ingestion.PoolSize),
		ingestion.WithBatchSize(cfg.Ingestion.BatchSize),
		ingestion.WithRetry(cfg.Ingestion.MaxRetries, cfg.Ingestion.RetryDelay.D()),
		ingestion.WithChunkOptions(ingestion.ChunkOptions{
			MaxChars: cfg.Ingestion.MaxChunkChars,
			Size:     cfg.Ingestion.ChunkSize,
			Overlap:  cfg.Ingestion.ChunkOverlap,
		}),
	}
	if options.progress != nil {
		ingestOpts = append(ingestOpts, ingestion.WithProgress(options.progress))
	}
	var err error
	e.ingestion, err = ingestion.NewPipeline(e.stores.Chunks, e.stores.Meta, e.provider.Embedder(), e.holder, ingestOpts...)
	if err != nil {
		return err
	}

	version, err := e.ingestion.RebuildIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to build lexical index: %w", err)
	}
	e.logger.Info("lexical index ready", "version", version, "size", e.holder.Current().Size())

	opt, err := optimizer.New(e.provider.Generator(),
		optimizer.WithLogger(logger),
		optimizer.WithRewrite(cfg.Optimizer.EnableRewrite),
		optimizer.WithNormalize(cfg.Optimizer.EnableNormalize),
		optimizer.WithHistoryTurns(cfg.Optimizer.HistoryTurns),
		optimizer.WithTemperature(cfg.AI.RewriteTemperature))
	if err != nil {
		return err
	}

	retrievalOpts := []retrieval.Option{
		retrieval.WithLogger(logger),
		retrieval.WithRetry(cfg.Retrieval.MaxRetries, cfg.Retrieval.RetryDelay.D()),
	}
	vector, err := retrieval.NewVectorRetriever(e.provider.Embedder(), e.stores.Chunks, cfg.Retrieval.MinVectorScore, retrievalOpts...)
	if err != nil {
		return err
	}
	lex, err := retrieval.NewLexicalRetriever(e.holder, retrievalOpts...)
	if err != nil {
		return err
	}

	searcher := options.searcher
	if searcher == nil {
		searcher = fallback.NewBingSearcher(fallback.BingConfig{
			Endpoint:      cfg.Fallback.Endpoint,
			APIKey:        cfg.Fallback.APIKey,
			Count:         cfg.Fallback.Count,
			Market:        cfg.Fallback.Market,
			QuerySuffix:   cfg.Fallback.QuerySuffix,
			Timeout:       cfg.Fallback.Timeout.D(),
			RatePerSecond: cfg.Fallback.RatePerSecond,
			Burst:         cfg.Fallback.Burst,
		}, fallback.WithBingLogger(logger))
	}
	gate, err := fallback.NewGate(searcher,
		fallback.WithLogger(logger),
		fallback.WithEnabled(cfg.Fallback.Enabled),
		fallback.WithThreshold(cfg.Fallback.Threshold),
		fallback.WithTimeout(cfg.Fallback.Timeout.D()),
		fallback.WithWeight(cfg.Fallback.Weight))
	if err != nil {
		return err
	}

	orch, err := generation.New(e.provider.Generator(),
		generation.WithLogger(logger),
		generation.WithPromptBudget(cfg.Generation.PromptBudget),
		generation.WithRetry(cfg.Generation.MaxRetries, cfg.Generation.RetryDelay.D()),
		generation.WithMaxSuggestions(cfg.Generation.MaxSuggestions))
	if err != nil {
		return err
	}

	consultOpts := []consult.Option{
		consult.WithLogger(logger),
		consult.WithGate(gate),
		consult.WithIndexVersion(e.IndexVersion),
		consult.WithWeights(fusion.Weights{Vector: cfg.Fusion.VectorWeight, Lexical: cfg.Fusion.LexicalWeight}),
		consult.WithTopK(cfg.Retrieval.TopK),
		consult.WithFinalK(cfg.Fusion.FinalK),
	}
	if cfg.Cache.Enabled {
		e.cache, err = cache.New(e.stores.Cache,
			cache.WithLogger(logger),
			cache.WithTTL(cfg.Cache.TTL.D()),
			cache.WithLockTimeout(cfg.Cache.LockTimeout.D()))
		if err != nil {
			return err
		}
		consultOpts = append(consultOpts, consult.WithCache(e.cache))
	}
	if options.monitor != nil {
		consultOpts = append(consultOpts, consult.WithMonitor(options.monitor))
	}

	e.consult, err = consult.New(opt, vector, lex, orch, consultOpts...)
	return err
}

// Close releases the worker pool, the lexical index, the provider and the
// stores. It returns the first error encountered.
func (e *Engine) Close() error {
	var errs []error
	if e.ingestion != nil {
		e.ingestion.Release()
	}
	if err := e.holder.Close(); err != nil {
		e.logger.Error("error closing lexical index", "err", err)
		errs = append(errs, err)
	}
	if err := e.provider.Close(); err != nil {
		e.logger.Error("error closing AI provider", "err", err)
		errs = append(errs, err)
	}
	if err := e.stores.Close(); err != nil {
		e.logger.Error("error closing backend storage", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Config returns a copy of the engine's configuration.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// IndexVersion returns the version of the active lexical index, falling
// back to the stored version before the first build.
func (e *Engine) IndexVersion(ctx context.Context) (string, error) {
	if snap := e.holder.Current(); snap != nil {
		return snap.Version(), nil
	}
	return e.stores.Meta.IndexVersion(ctx)
}

// Consult answers one consultation.
func (e *Engine) Consult(ctx context.Context, req consult.Request) (*consult.Response, error) {
	return e.consult.Consult(ctx, req)
}

// ConsultStream answers one consultation as a stream of events.
func (e *Engine) ConsultStream(ctx context.Context, req consult.Request) iter.Seq2[consult.Event, error] {
	return e.consult.ConsultStream(ctx, req)
}

// Ingest loads JSON Lines records from r.
func (e *Engine) Ingest(ctx context.Context, r io.Reader) (*ingestion.Report, error) {
	return e.ingestion.Ingest(ctx, ingestion.Documents(r))
}

// IngestDocuments writes already parsed documents.
func (e *Engine) IngestDocuments(ctx context.Context, docs ...core.Document) (*ingestion.Report, error) {
	return e.ingestion.Ingest(ctx, func(yield func(core.Document, error) bool) {
		for _, d := range docs {
			if !yield(d, nil) {
				return
			}
		}
	})
}

// Delete removes documents by source id and returns the number of chunks removed.
func (e *Engine) Delete(ctx context.Context, sourceIDs ...string) (int, error) {
	return e.ingestion.DeleteDocuments(ctx, sourceIDs...)
}

// Stats summarizes the stored corpus.
type Stats struct {
	Documents     int    `json:"documents"`
	Chunks        int    `json:"chunks"`
	IndexVersion  string `json:"index_version"`
	IndexedChunks int    `json:"indexed_chunks"`
	CacheEnabled  bool   `json:"cache_enabled"`
}

// Stats counts documents and chunks and reports the index version.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	chunks, err := e.stores.Chunks.CountChunks(ctx)
	if err != nil {
		return nil, err
	}
	docs := 0
	if err := e.stores.Meta.ForEachManifest(ctx, func(*storage.Manifest) error {
		docs++
		return nil
	}); err != nil {
		return nil, err
	}
	version, err := e.IndexVersion(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Documents:    docs,
		Chunks:       chunks,
		IndexVersion: version,
		CacheEnabled: e.cache != nil,
	}
	if snap := e.holder.Current(); snap != nil {
		stats.IndexedChunks = snap.Size()
	}
	return stats, nil
}
