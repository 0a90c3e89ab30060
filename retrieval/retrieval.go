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


// Package retrieval implements the two retrieval channels and their
// concurrent fan-out.
//
// Each channel retries transient failures with bounded backoff. A channel
// that stays unavailable reports a *core.ChannelError; the fan-out returns
// such failures as data so one channel never blocks or fails the other.
package retrieval

import (
	"context"
	"log/slog"
	"time"

	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/storage"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 200 * time.Millisecond
)

// Retriever is one retrieval channel.
type Retriever interface {
	// Retrieve returns up to topK results for query, best first. filter
	// may be nil.
	Retrieve(ctx context.Context, query string, topK int, filter *storage.Filter) ([]core.RetrievalResult, error)
}

type settings struct {
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

func defaultSettings() settings {
	return settings{
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		logger:     slog.Default(),
	}
}

// Option configures a retriever.
type Option func(*settings) error

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithRetry sets the retry budget of a channel.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(s *settings) error {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
		if delay >= 0 {
			s.retryDelay = delay
		}
		return nil
	}
}

// Outcome holds the joined results of both channels.
type Outcome struct {
	Vector     []core.RetrievalResult
	Lexical    []core.RetrievalResult
	VectorErr  error
	LexicalErr error
}

// Empty reports whether neither channel produced a result.
func (o Outcome) Empty() bool {
	return len(o.Vector) == 0 && len(o.Lexical) == 0
}

// Retrieve queries both channels concurrently and waits for both.
// A nil retriever is reported as an unavailable channel.
func Retrieve(ctx context.Context, vector, lexical Retriever, query string, topK int, filter *storage.Filter) Outcome {
	var out Outcome
	var g errgroup.Group

	g.Go(func() error {
		out.Vector, out.VectorErr = run(ctx, vector, core.ChannelVector, query, topK, filter)
		return nil
	})
	g.Go(func() error {
		out.Lexical, out.LexicalErr = run(ctx, lexical, core.ChannelLexical, query, topK, filter)
		return nil
	})
	_ = g.Wait()

	return out
}

func run(ctx context.Context, r Retriever, channel core.Channel, query string, topK int, filter *storage.Filter) ([]core.RetrievalResult, error) {
	if r == nil {
		return nil, &core.ChannelError{Channel: channel, Err: errNotConfigured}
	}
	return r.Retrieve(ctx, query, topK, filter)
}
