package retrieval

import "errors"

var (
	// ErrEmbedderRequired is returned when creating a vector retriever without an embedder.
	ErrEmbedderRequired = errors.New("embedder is required")

	// ErrChunkRepositoryRequired is returned when creating a vector retriever without a repository.
	ErrChunkRepositoryRequired = errors.New("chunk repository is required")

	// ErrHolderRequired is returned when creating a lexical retriever without an index holder.
	ErrHolderRequired = errors.New("lexical index holder is required")
)
