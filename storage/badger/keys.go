package badger

import (
	"encoding/binary"
	"fmt"

	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/storage"
)

var errClosed = storage.ErrStorageClosed

// Key prefixes for different data types
const (
	chunkPrefix     = "chunk:"
	chunkDocPrefix  = "chunkdoc:"
	manifestPrefix  = "manifest:"
	cachePrefix     = "cache:"
	indexVersionKey = "meta:index_version"
)

// makeChunkKey generates a key for a chunk by ID.
func makeChunkKey(id core.ID) []byte {
	return []byte(fmt.Sprintf("%s%d", chunkPrefix, id))
}

// makeChunkDocKey generates a composite key for the document index.
// Format: prefix:documentID:chunkID
func makeChunkDocKey(documentID, chunkID core.ID) []byte {
	buf := make([]byte, len(chunkDocPrefix)+16)
	offset := copy(buf, chunkDocPrefix)
	// BigEndian so all chunks of one document are adjacent
	binary.BigEndian.PutUint64(buf[offset:], uint64(documentID))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(chunkID))
	return buf
}

// makePartialChunkDocKey generates a partial key for document queries.
// Format: prefix:documentID
func makePartialChunkDocKey(documentID core.ID) []byte {
	buf := make([]byte, len(chunkDocPrefix)+8)
	offset := copy(buf, chunkDocPrefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(documentID))
	return buf
}

func makeManifestKey(sourceID string) []byte {
	return []byte(manifestPrefix + sourceID)
}

func makeCacheKey(key string) []byte {
	return []byte(cachePrefix + key)
}
