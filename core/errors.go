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


package core

import (
	"errors"
	"fmt"
)

// Domain validation errors
var (
	// ErrInvalidDocument indicates a Document failed validation.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrEmptySourceID indicates the SourceID field is empty.
	ErrEmptySourceID = errors.New("source id cannot be empty")

	// ErrEmptyName indicates the Name field is empty.
	ErrEmptyName = errors.New("name cannot be empty")

	// ErrEmptyContent indicates a document renders to no text at all.
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrFieldTooLong indicates a field exceeds its maximum length.
	ErrFieldTooLong = errors.New("field too long")
)

// Pipeline error kinds. Everything except ErrGenerationUnavailable is
// handled as data by the consultation pipeline.
var (
	// ErrChannelUnavailable means a retrieval channel failed after its retry budget.
	ErrChannelUnavailable = errors.New("retrieval channel unavailable")

	// ErrNoContextAvailable means neither channel produced a result.
	ErrNoContextAvailable = errors.New("no context available")

	// ErrFallbackUnavailable means the web-search fallback timed out or failed.
	ErrFallbackUnavailable = errors.New("fallback unavailable")

	// ErrCacheUnavailable means the cache store could not be read or written.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrGenerationUnavailable means the generation backend could not be reached
	// after bounded retries. It is fatal for the request.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrIngestionRecord marks a malformed source record that was skipped.
	ErrIngestionRecord = errors.New("malformed ingestion record")
)

// ChannelError carries the failure of one retrieval channel.
type ChannelError struct {
	Channel Channel
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s channel unavailable: %v", e.Channel, e.Err)
}

// Is reports ErrChannelUnavailable as a match.
func (e *ChannelError) Is(target error) bool {
	return target == ErrChannelUnavailable
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// RecordError describes a skipped ingestion record.
type RecordError struct {
	Line     int
	SourceID string
	Err      error
}

func (e *RecordError) Error() string {
	if e.SourceID != "" {
		return fmt.Sprintf("record %d (%s): %v", e.Line, e.SourceID, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Line, e.Err)
}

// Is reports ErrIngestionRecord as a match.
func (e *RecordError) Is(target error) bool {
	return target == ErrIngestionRecord
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
