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


// Package generation builds prompts from ranked contexts and drives the
// chat backend in batch or streaming mode.
package generation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/poiesic/medrag/ai"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/retry"
	"github.com/sony/gobreaker"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 500 * time.Millisecond
)

// ErrGeneratorRequired is returned when creating an orchestrator without a generator.
var ErrGeneratorRequired = errors.New("generator is required")

var errEmptyAnswer = errors.New("empty answer")

// Request is one answer to produce.
type Request struct {
	Question string
	History  []core.Message
	// Contexts are ordered best first.
	Contexts     []core.Context
	Emergency    bool
	Insufficient bool
}

// Answer is a completed generation.
type Answer struct {
	Text        string
	Used        []core.Context
	Suggestions []string
}

// Orchestrator turns requests into answers.
type Orchestrator struct {
	generator      ai.Generator
	budget         int
	maxRetries     int
	retryDelay     time.Duration
	maxSuggestions int
	cb             *gobreaker.CircuitBreaker
	logger         *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
		return nil
	}
}

// WithPromptBudget sets the prompt rune budget.
func WithPromptBudget(runes int) Option {
	return func(o *Orchestrator) error {
		if runes <= 0 {
			return fmt.Errorf("prompt budget must be positive, got %d", runes)
		}
		o.budget = runes
		return nil
	}
}

// WithRetry sets the retry budget for backend calls.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(o *Orchestrator) error {
		if maxRetries <= 0 {
			return fmt.Errorf("max retries must be positive, got %d", maxRetries)
		}
		o.maxRetries = maxRetries
		o.retryDelay = delay
		return nil
	}
}

// WithMaxSuggestions caps the extracted suggestions.
func WithMaxSuggestions(n int) Option {
	return func(o *Orchestrator) error {
		o.maxSuggestions = n
		return nil
	}
}

// New creates an Orchestrator.
func New(generator ai.Generator, opts ...Option) (*Orchestrator, error) {
	if generator == nil {
		return nil, ErrGeneratorRequired
	}
	o := &Orchestrator{
		generator:      generator,
		budget:         DefaultPromptBudget,
		maxRetries:     DefaultMaxRetries,
		retryDelay:     DefaultRetryDelay,
		maxSuggestions: DefaultMaxSuggestions,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	o.logger = o.logger.With("component", "generation")

	o.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generation",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(5*o.maxRetries)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			o.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return o, nil
}

// Prompt builds the prompt for req with the orchestrator's budget.
func (o *Orchestrator) Prompt(req Request) Prompt {
	return BuildPrompt(req.Question, req.History, req.Contexts, PromptOptions{
		Budget:       o.budget,
		Emergency:    req.Emergency,
		Insufficient: req.Insufficient,
	})
}

// Generate produces a complete answer. Backend failures are retried; when
// the budget is exhausted the error matches core.ErrGenerationUnavailable.
// Cancellation of ctx is returned as is.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Answer, error) {
	prompt := o.Prompt(req)
	start := time.Now()

	var text string
	err := retry.WithBackoff(ctx, func() error {
		res, err := o.cb.Execute(func() (interface{}, error) {
			return o.generator.Generate(ctx, prompt.Messages)
		})
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return err
		}
		text = res.(string)
		if strings.TrimSpace(text) == "" {
			return errEmptyAnswer
		}
		return nil
	}, o.maxRetries, o.retryDelay)
	if err != nil {
		return nil, o.failure(ctx, err)
	}

	text = strings.TrimSpace(text)
	if req.Insufficient {
		text = InsufficientInformation + text
	}

	o.logger.Info("answer generated",
		"contexts", len(prompt.Used),
		"dropped", prompt.Dropped,
		"runes", len([]rune(text)),
		"duration", time.Since(start))

	return &Answer{
		Text:        text,
		Used:        prompt.Used,
		Suggestions: ExtractSuggestions(text, o.maxSuggestions),
	}, nil
}

// Stream produces the answer as a sequence of text fragments. Failures
// before the first fragment are retried; a failure after it ends the
// sequence with an error matching core.ErrGenerationUnavailable. Breaking
// out of the loop or cancelling ctx stops the backend call.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (Prompt, iter.Seq2[string, error]) {
	prompt := o.Prompt(req)

	seq := func(yield func(string, error) bool) {
		var next func() (string, error, bool)
		var stop func()
		var first string

		err := retry.WithBackoff(ctx, func() error {
			_, err := o.cb.Execute(func() (interface{}, error) {
				n, s := iter.Pull2(o.generator.GenerateStream(ctx, prompt.Messages))
				piece, err, ok := n()
				if !ok {
					s()
					return nil, errors.New("empty stream")
				}
				if err != nil {
					s()
					return nil, err
				}
				next, stop, first = n, s, piece
				return nil, nil
			})
			if err != nil && ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return err
		}, o.maxRetries, o.retryDelay)
		if err != nil {
			yield("", o.failure(ctx, err))
			return
		}
		defer stop()

		if req.Insufficient {
			if !yield(InsufficientInformation, nil) {
				return
			}
		}
		if !yield(first, nil) {
			return
		}
		for {
			piece, err, ok := next()
			if !ok {
				return
			}
			if err != nil {
				yield("", o.failure(ctx, err))
				return
			}
			if !yield(piece, nil) {
				return
			}
		}
	}
	return prompt, seq
}

// NewAnswer finalizes a streamed answer. The text is trimmed the same way
// Generate trims a batch answer.
func (o *Orchestrator) NewAnswer(text string, prompt Prompt) *Answer {
	if rest, ok := strings.CutPrefix(text, InsufficientInformation); ok {
		text = InsufficientInformation + strings.TrimSpace(rest)
	} else {
		text = strings.TrimSpace(text)
	}
	return &Answer{
		Text:        text,
		Used:        prompt.Used,
		Suggestions: ExtractSuggestions(text, o.maxSuggestions),
	}
}

func (o *Orchestrator) failure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	o.logger.Error("generation backend unavailable", "err", err)
	return fmt.Errorf("%w: %w", core.ErrGenerationUnavailable, err)
}
