package ai

import (
	"context"
	"iter"

	"github.com/poiesic/medrag/core"
)

// Embedder generates vector embeddings from text for semantic similarity search.
// Implementations must be thread-safe for concurrent use.
type Embedder interface {
	// EmbedText generates a vector embedding for a single text string.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedTexts generates vector embeddings for multiple text strings in a batch.
	// The returned slice contains embeddings in the same order as the input texts.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces chat completions.
// Implementations must be thread-safe for concurrent use.
type Generator interface {
	// Generate returns the full completion for messages.
	Generate(ctx context.Context, messages []core.Message, opts ...GenerateOption) (string, error)

	// GenerateStream returns the completion as a finite sequence of text
	// fragments. The sequence is not restartable. Breaking out of the range
	// loop or cancelling ctx stops the backend call. A non-nil error is
	// always the last element.
	GenerateStream(ctx context.Context, messages []core.Message, opts ...GenerateOption) iter.Seq2[string, error]
}

// GenerateOptions tune a single generation call.
type GenerateOptions struct {
	Temperature *float64
	JSONMode    bool
	MaxTokens   int
}

// GenerateOption is a functional option for a generation call.
type GenerateOption func(*GenerateOptions)

// WithCallTemperature overrides the provider's default temperature.
func WithCallTemperature(t float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = &t
	}
}

// WithJSONMode asks the backend for a JSON object response.
func WithJSONMode() GenerateOption {
	return func(o *GenerateOptions) {
		o.JSONMode = true
	}
}

// WithMaxTokens bounds the completion length.
func WithMaxTokens(n int) GenerateOption {
	return func(o *GenerateOptions) {
		o.MaxTokens = n
	}
}

// ApplyOptions folds opts into a GenerateOptions value.
func ApplyOptions(opts ...GenerateOption) GenerateOptions {
	var o GenerateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AIProvider aggregates AI services for convenient initialization and lifecycle management.
type AIProvider interface {
	// Embedder returns the text embedding service.
	Embedder() Embedder

	// Generator returns the chat completion service.
	Generator() Generator

	// Close releases resources held by the provider and its services.
	Close() error
}
