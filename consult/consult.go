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


// Package consult runs a consultation through the hybrid retrieval and
// answer pipeline.
//
// Every request is an independent Session that walks a fixed state
// machine: cache check, then on a miss query optimization, concurrent
// retrieval over both channels, fusion, the confidence-gated web
// fallback and generation. Only generation failures are fatal. Channel,
// fallback and cache failures are recorded on the session and the
// request still gets an answer; when no usable knowledge remains the
// answer starts with InsufficientInformation.
package consult

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/medrag/cache"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/fallback"
	"github.com/poiesic/medrag/fusion"
	"github.com/poiesic/medrag/generation"
	"github.com/poiesic/medrag/optimizer"
	"github.com/poiesic/medrag/retrieval"
	"github.com/poiesic/medrag/storage"
)

// InsufficientInformation prefixes answers given without usable knowledge.
const InsufficientInformation = generation.InsufficientInformation

const (
	DefaultTopK   = 10
	DefaultFinalK = 3
)

var (
	// ErrOptimizerRequired is returned when creating a pipeline without an optimizer.
	ErrOptimizerRequired = errors.New("optimizer is required")

	// ErrOrchestratorRequired is returned when creating a pipeline without a generation orchestrator.
	ErrOrchestratorRequired = errors.New("generation orchestrator is required")

	// ErrEmptyQuestion is returned for a blank question.
	ErrEmptyQuestion = errors.New("question cannot be empty")
)

// IndexVersionFunc reports the version of the active index.
type IndexVersionFunc func(ctx context.Context) (string, error)

// Request is one consultation.
type Request struct {
	Question string
	// UserID identifies the caller for logging. It is not part of the cache key.
	UserID  string
	History []core.Message
	Filter  *storage.Filter
}

// Response is the answer to a consultation.
type Response struct {
	SessionID    string            `json:"session_id"`
	Answer       string            `json:"answer"`
	UsedContexts []core.ContextRef `json:"used_contexts"`
	FallbackUsed bool              `json:"fallback_used"`
	Suggestions  []string          `json:"suggestions,omitempty"`
	Cached       bool              `json:"cached"`
	Insufficient bool              `json:"insufficient"`
	// Confidence is zero for cached answers.
	Confidence float64 `json:"confidence"`
}

// Pipeline answers consultations.
type Pipeline struct {
	optimizer    *optimizer.Optimizer
	vector       retrieval.Retriever
	lexical      retrieval.Retriever
	generator    *generation.Orchestrator
	gate         *fallback.Gate
	cache        *cache.ResponseCache
	indexVersion IndexVersionFunc
	weights      fusion.Weights
	topK         int
	finalK       int
	monitor      Monitor
	logger       *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithGate enables the web-search fallback.
func WithGate(gate *fallback.Gate) Option {
	return func(p *Pipeline) error {
		p.gate = gate
		return nil
	}
}

// WithCache enables response caching.
func WithCache(c *cache.ResponseCache) Option {
	return func(p *Pipeline) error {
		p.cache = c
		return nil
	}
}

// WithIndexVersion sets the source of the index version embedded in cache keys.
func WithIndexVersion(fn IndexVersionFunc) Option {
	return func(p *Pipeline) error {
		if fn == nil {
			return errors.New("index version func is nil")
		}
		p.indexVersion = fn
		return nil
	}
}

// WithWeights sets the fusion weights.
func WithWeights(w fusion.Weights) Option {
	return func(p *Pipeline) error {
		if err := w.Validate(); err != nil {
			return err
		}
		p.weights = w
		return nil
	}
}

// WithTopK sets how many results each channel returns.
func WithTopK(k int) Option {
	return func(p *Pipeline) error {
		if k < 1 {
			return fmt.Errorf("top k must be positive, got %d", k)
		}
		p.topK = k
		return nil
	}
}

// WithFinalK sets how many fused contexts reach generation.
func WithFinalK(k int) Option {
	return func(p *Pipeline) error {
		if k < 1 {
			return fmt.Errorf("final k must be positive, got %d", k)
		}
		p.finalK = k
		return nil
	}
}

// WithMonitor installs hooks observing every session.
func WithMonitor(m Monitor) Option {
	return func(p *Pipeline) error {
		if m == nil {
			m = &noopMonitor{}
		}
		p.monitor = m
		return nil
	}
}

// New creates a consultation pipeline. Either retriever may be nil, in
// which case that channel is always unavailable.
func New(opt *optimizer.Optimizer, vector, lexical retrieval.Retriever, generator *generation.Orchestrator, opts ...Option) (*Pipeline, error) {
	if opt == nil {
		return nil, ErrOptimizerRequired
	}
	if generator == nil {
		return nil, ErrOrchestratorRequired
	}
	p := &Pipeline{
		optimizer:    opt,
		vector:       vector,
		lexical:      lexical,
		generator:    generator,
		indexVersion: func(context.Context) (string, error) { return "", nil },
		weights:      fusion.DefaultWeights,
		topK:         DefaultTopK,
		finalK:       DefaultFinalK,
		monitor:      &noopMonitor{},
		logger:       slog.Default(),
	}
	for _, o := range opts {
		if err := o(p); err != nil {
			return nil, err
		}
	}
	if p.finalK > p.topK {
		p.finalK = p.topK
	}
	p.logger = p.logger.With("component", "consult")
	return p, nil
}

// Consult answers req. The only errors are ErrEmptyQuestion, errors
// matching core.ErrGenerationUnavailable, and cancellation of ctx.
func (p *Pipeline) Consult(ctx context.Context, req Request) (*Response, error) {
	resp, _, err := p.ConsultSession(ctx, req)
	return resp, err
}

// ConsultSession is Consult that also returns the session record.
func (p *Pipeline) ConsultSession(ctx context.Context, req Request) (*Response, *Session, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, nil, ErrEmptyQuestion
	}

	start := time.Now()
	sess := p.begin(req)

	entry, hit, err := p.lookup(ctx, sess, func(ctx context.Context) (*core.CacheEntry, bool, error) {
		greq, err := p.prepare(ctx, sess, req, nil)
		if err != nil {
			return nil, false, err
		}
		answer, err := p.generator.Generate(ctx, greq)
		if err != nil {
			return nil, false, err
		}
		return p.finishMiss(sess, answer)
	})
	if err != nil {
		return nil, sess, p.abort(sess, err)
	}

	resp := p.respond(sess, entry, hit)
	p.end(sess, start, resp)
	return resp, sess, nil
}

func (p *Pipeline) begin(req Request) *Session {
	sess := newSession(uuid.NewString(), req, p.monitor)
	p.monitor.Start(sess)

	_ = sess.advance(StateCacheCheck)
	return sess
}

// lookup resolves the session through the cache, or runs compute directly
// when caching is off or the index version is unknown.
func (p *Pipeline) lookup(ctx context.Context, sess *Session, compute cache.ComputeFunc) (*core.CacheEntry, bool, error) {
	run := func(ctx context.Context) (*core.CacheEntry, bool, error) {
		if err := sess.advance(StateMiss); err != nil {
			return nil, false, err
		}
		return compute(ctx)
	}

	if p.cache == nil {
		entry, _, err := run(ctx)
		return entry, false, err
	}

	version, err := p.indexVersion(ctx)
	if err != nil {
		p.logger.Warn("index version unavailable, bypassing cache", "session", sess.ID, "err", err)
		entry, _, err := run(ctx)
		return entry, false, err
	}
	sess.Key = cache.Key(p.optimizer.CacheText(sess.Question), version)

	entry, hit, err := p.cache.Do(ctx, sess.Key, run)
	if err != nil {
		return nil, false, err
	}
	if hit {
		_ = sess.advance(StateHit)
	}
	return entry, hit, nil
}

// prepare runs optimization, retrieval, fusion and the fallback gate and
// returns the generation request. status, when set, is told about each
// user-visible step.
func (p *Pipeline) prepare(ctx context.Context, sess *Session, req Request, status func(string)) (generation.Request, error) {
	notify := func(msg string) {
		if status != nil {
			status(msg)
		}
	}

	if err := sess.advance(StateOptimizing); err != nil {
		return generation.Request{}, err
	}
	sess.Query = p.optimizer.Optimize(ctx, req.Question, req.History)
	if err := ctx.Err(); err != nil {
		return generation.Request{}, err
	}
	query := sess.Query.Query()

	if err := sess.advance(StateRetrieving); err != nil {
		return generation.Request{}, err
	}
	notify(StatusRetrieving)
	sess.Outcome = retrieval.Retrieve(ctx, p.vector, p.lexical, query, p.topK, req.Filter)
	if err := ctx.Err(); err != nil {
		return generation.Request{}, err
	}
	if sess.Outcome.VectorErr != nil {
		p.logger.Warn("vector channel unavailable", "session", sess.ID, "err", sess.Outcome.VectorErr)
	}
	if sess.Outcome.LexicalErr != nil {
		p.logger.Warn("lexical channel unavailable", "session", sess.ID, "err", sess.Outcome.LexicalErr)
	}
	p.monitor.AfterRetrieval(sess, sess.Outcome)

	if err := sess.advance(StateFusing); err != nil {
		return generation.Request{}, err
	}
	fused, err := fusion.Fuse(sess.Outcome.Vector, sess.Outcome.Lexical, p.weights, p.finalK)
	if err != nil && !errors.Is(err, core.ErrNoContextAvailable) {
		return generation.Request{}, err
	}
	if errors.Is(err, core.ErrNoContextAvailable) {
		p.logger.Info("no context available", "session", sess.ID)
	}
	sess.Fused = fused
	sess.Contexts = contextsFrom(fused)

	if err := sess.advance(StateFallbackDecision); err != nil {
		return generation.Request{}, err
	}
	needed := false
	if p.gate != nil {
		sess.Confidence, needed = p.gate.Decide(fused)
	} else {
		sess.Confidence = fusion.Confidence(fused)
	}
	p.monitor.AfterFusion(sess, fused, sess.Confidence)

	if needed {
		if err := sess.advance(StateFallbackFetch); err != nil {
			return generation.Request{}, err
		}
		notify(StatusSearchingWeb)
		sess.Contexts, sess.FallbackUsed, sess.FallbackErr = p.gate.Augment(ctx, query, sess.Contexts)
		if err := ctx.Err(); err != nil {
			return generation.Request{}, err
		}
		p.monitor.AfterFallback(sess, sess.FallbackUsed, sess.FallbackErr)
	}

	sess.Insufficient = len(sess.Contexts) == 0
	if sess.Insufficient {
		p.logger.Info("answering without sufficient knowledge",
			"session", sess.ID,
			"confidence", sess.Confidence,
			"fallback_err", sess.FallbackErr)
	}

	if err := sess.advance(StateGenerating); err != nil {
		return generation.Request{}, err
	}
	notify(StatusGenerating)

	return generation.Request{
		Question:     req.Question,
		History:      req.History,
		Contexts:     sess.Contexts,
		Emergency:    sess.Query.Emergency,
		Insufficient: sess.Insufficient,
	}, nil
}

// finishMiss turns a generated answer into the cache entry. Answers given
// without sufficient knowledge are not cached.
func (p *Pipeline) finishMiss(sess *Session, answer *generation.Answer) (*core.CacheEntry, bool, error) {
	entry := &core.CacheEntry{
		Answer:       answer.Text,
		Contexts:     refs(answer.Used),
		Suggestions:  answer.Suggestions,
		FallbackUsed: sess.FallbackUsed,
	}
	if sess.Insufficient {
		return entry, false, nil
	}
	if p.cache != nil {
		if err := sess.advance(StateCacheWrite); err != nil {
			return nil, false, err
		}
	}
	return entry, true, nil
}

func (p *Pipeline) respond(sess *Session, entry *core.CacheEntry, hit bool) *Response {
	_ = sess.advance(StateDone)

	resp := &Response{
		SessionID:    sess.ID,
		Answer:       entry.Answer,
		UsedContexts: entry.Contexts,
		FallbackUsed: entry.FallbackUsed,
		Suggestions:  entry.Suggestions,
		Cached:       hit,
		Insufficient: strings.HasPrefix(entry.Answer, InsufficientInformation),
	}
	if !hit {
		resp.Confidence = sess.Confidence
	}
	return resp
}

func (p *Pipeline) end(sess *Session, start time.Time, resp *Response) {
	p.monitor.Finish(sess, nil)
	p.logger.Info("consultation answered",
		"session", sess.ID,
		"user", sess.UserID,
		"cached", resp.Cached,
		"fallback_used", resp.FallbackUsed,
		"insufficient", resp.Insufficient,
		"contexts", len(resp.UsedContexts),
		"duration", time.Since(start))
}

func (p *Pipeline) abort(sess *Session, err error) error {
	sess.fail()
	p.monitor.Finish(sess, err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		p.logger.Info("consultation cancelled", "session", sess.ID, "err", err)
	} else {
		p.logger.Error("consultation failed", "session", sess.ID, "err", err)
	}
	return err
}

// contextsFrom converts fused results into knowledge-base contexts.
func contextsFrom(fused []core.FusedResult) []core.Context {
	out := make([]core.Context, 0, len(fused))
	for _, f := range fused {
		if f.Chunk == nil {
			continue
		}
		source := core.ChannelVector
		if len(f.Channels) > 0 {
			source = f.Channels[0]
		}
		out = append(out, core.Context{
			ChunkID:  f.ChunkID,
			SourceID: f.Chunk.SourceID,
			Title:    f.Chunk.Name,
			Content:  f.Chunk.Content,
			Source:   source,
			Score:    f.Score,
			Weight:   1,
		})
	}
	return out
}

func refs(contexts []core.Context) []core.ContextRef {
	out := make([]core.ContextRef, len(contexts))
	for i, c := range contexts {
		out[i] = c.Ref()
	}
	return out
}
