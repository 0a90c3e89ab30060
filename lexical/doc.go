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


// Package lexical maintains the BM25 keyword index over the chunk corpus.
//
// Each index version is an immutable Snapshot: an in-memory bleve index
// built with the CJK analyzer and BM25 scoring. The Holder publishes the
// active snapshot through an atomic pointer so readers never block while a
// rebuild is in progress; rebuilds themselves are serialized.
package lexical
