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

// Package storage provides the storage abstraction layer for medrag.
//
// This package defines repository interfaces that decouple storage implementation
// from business logic. Services depend on these interfaces; the badger
// subpackage supplies the only implementation.
//
// # Architecture
//
//   - ChunkRepository: chunks, their vectors and similarity search
//   - MetaRepository: document manifests and the corpus index version
//   - CacheStore: consultation answers with expiry
//
// # Usage
//
// Open all repositories over one database:
//
//	stores, err := badger.Open("/path/to/db", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stores.Close()
//
// Use in tests with in-memory storage:
//
//	stores, err := badger.NewMemoryStores()
//
// # Thread Safety
//
// All repository implementations must be safe for concurrent use.
//
// # Context Support
//
// All repository methods accept context.Context for cancellation
// and timeout support.
package storage
