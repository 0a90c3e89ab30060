package ingestion

import "errors"

var (
	// ErrChunkRepositoryRequired is returned when a chunk repository is not provided.
	ErrChunkRepositoryRequired = errors.New("chunk repository required")

	// ErrMetaRepositoryRequired is returned when a meta repository is not provided.
	ErrMetaRepositoryRequired = errors.New("meta repository required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrHolderRequired is returned when a lexical index holder is not provided.
	ErrHolderRequired = errors.New("lexical holder required")
)
