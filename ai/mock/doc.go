// Package mock provides test double implementations of AI service interfaces.
//
// This package contains mock implementations of ai.Embedder, ai.Generator,
// and ai.AIProvider for use in unit tests. The mocks allow tests to run without
// external AI service dependencies and enable controlled, deterministic behavior.
//
// # Usage in Tests
//
//	// Basic usage with default behavior
//	mockProvider := mock.NewMockProvider()
//	embeddings, err := mockProvider.Embedder().EmbedText(ctx, "test")
//
//	// Custom behavior injection
//	gen := mock.NewMockGenerator()
//	gen.GenerateFunc = func(ctx context.Context, msgs []core.Message, o ai.GenerateOptions) (string, error) {
//	    return "", errors.New("backend down")
//	}
//
//	// Check call counts
//	count := gen.CallCount()
//
// # Default Behavior
//
//   - MockEmbedder: Returns deterministic unit vectors based on text hash
//   - MockGenerator: Returns DefaultResponse, streamed in small pieces
//   - MockProvider: Aggregates mock embedder and generator
package mock
