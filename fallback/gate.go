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


// Package fallback supplements weak retrieval with web search results.
//
// The Gate measures confidence as the top-1 fused score. Below the
// threshold it makes exactly one time-bounded web search call and turns the
// snippets into low-weight contexts. A failing search is reported as data;
// the caller proceeds with whatever context it already has.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/fusion"
)

const (
	DefaultThreshold = 0.3
	DefaultTimeout   = 10 * time.Second
	DefaultWeight    = 0.1
)

// WebResult is one web search hit.
type WebResult struct {
	Title   string
	Snippet string
	URL     string
}

// WebSearcher queries an external web search service.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]WebResult, error)
}

// ErrSearcherRequired is returned when creating a gate without a searcher.
var ErrSearcherRequired = errors.New("web searcher is required")

// Gate decides whether to fall back to web search and performs it.
type Gate struct {
	searcher  WebSearcher
	threshold float64
	timeout   time.Duration
	weight    float64
	enabled   bool
	logger    *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate) error

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) error {
		if logger == nil {
			logger = slog.Default()
		}
		g.logger = logger
		return nil
	}
}

// WithThreshold sets the confidence below which the fallback fires.
func WithThreshold(threshold float64) Option {
	return func(g *Gate) error {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("threshold must be in [0, 1], got %g", threshold)
		}
		g.threshold = threshold
		return nil
	}
}

// WithTimeout bounds the single web search call.
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gate) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", timeout)
		}
		g.timeout = timeout
		return nil
	}
}

// WithWeight sets the weight given to web snippets.
func WithWeight(weight float64) Option {
	return func(g *Gate) error {
		g.weight = weight
		return nil
	}
}

// WithEnabled turns the fallback on or off.
func WithEnabled(enabled bool) Option {
	return func(g *Gate) error {
		g.enabled = enabled
		return nil
	}
}

// NewGate creates a gate around searcher.
func NewGate(searcher WebSearcher, opts ...Option) (*Gate, error) {
	if searcher == nil {
		return nil, ErrSearcherRequired
	}
	g := &Gate{
		searcher:  searcher,
		threshold: DefaultThreshold,
		timeout:   DefaultTimeout,
		weight:    DefaultWeight,
		enabled:   true,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	g.logger = g.logger.With("component", "fallback")
	return g, nil
}

// Threshold returns the configured confidence threshold.
func (g *Gate) Threshold() float64 {
	return g.threshold
}

// Decide returns the confidence of fused and whether the fallback is needed.
// A score exactly at the threshold does not trigger it.
func (g *Gate) Decide(fused []core.FusedResult) (float64, bool) {
	confidence := fusion.Confidence(fused)
	return confidence, g.enabled && confidence < g.threshold
}

// Augment performs one web search for query and appends the snippets to
// contexts. used reports whether any snippet was added. On failure the
// original contexts are returned together with an error matching
// core.ErrFallbackUnavailable.
func (g *Gate) Augment(ctx context.Context, query string, contexts []core.Context) ([]core.Context, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	results, err := g.searcher.Search(ctx, query)
	if err != nil {
		g.logger.Warn("web search fallback failed", "err", err, "duration", time.Since(start))
		if errors.Is(err, core.ErrFallbackUnavailable) {
			return contexts, false, err
		}
		return contexts, false, fmt.Errorf("%w: %w", core.ErrFallbackUnavailable, err)
	}

	out := contexts
	added := 0
	for _, r := range results {
		if r.Snippet == "" {
			continue
		}
		out = append(out, core.Context{
			Title:   r.Title,
			Content: r.Snippet,
			URL:     r.URL,
			Source:  core.ChannelWeb,
			Weight:  g.weight,
		})
		added++
	}

	g.logger.Info("web search fallback", "results", added, "duration", time.Since(start))
	return out, added > 0, nil
}
