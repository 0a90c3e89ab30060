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


package badger

// Stores bundles the repositories that share one backend.
type Stores struct {
	Backend *Backend
	Chunks  *ChunkRepository
	Meta    *MetaRepository
	Cache   *CacheStore
}

// Open opens a backend and creates all repositories on it.
func Open(filePath string, inMemory bool) (*Stores, error) {
	backend, err := OpenBackend(filePath, inMemory)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Backend: backend,
		Chunks:  NewChunkRepository(backend),
		Meta:    NewMetaRepository(backend),
		Cache:   NewCacheStore(backend),
	}, nil
}

// NewMemoryStores creates in-memory repositories for testing.
// Caller must close the backend when done.
func NewMemoryStores() (*Stores, error) {
	return Open("", true)
}

// Close closes the shared backend.
func (s *Stores) Close() error {
	return s.Backend.Close()
}
