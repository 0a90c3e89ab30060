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
	"fmt"
	"unicode/utf8"
)

// Field limits applied at the ingestion boundary.
const (
	MaxSourceIDLen   = 100
	MaxNameLen       = 256
	MaxCategoryLen   = 256
	MaxDepartmentLen = 1024
)

// ValidateDocument validates a Document according to domain rules.
//
// Validation rules:
//   - SourceID must not be empty and must fit MaxSourceIDLen
//   - Name must not be empty and must fit MaxNameLen
//   - The primary category must fit MaxCategoryLen
//   - The joined departments must fit MaxDepartmentLen
//   - The rendered content (or Body) must not be empty
//
// NOT validated (truncated later by the chunker):
//   - Length of the free-text fields
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", ErrInvalidDocument)
	}

	if doc.SourceID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, ErrEmptySourceID)
	}
	if utf8.RuneCountInString(doc.SourceID) > MaxSourceIDLen {
		return fmt.Errorf("%w: %w: source id", ErrInvalidDocument, ErrFieldTooLong)
	}

	if CleanText(doc.Name) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, ErrEmptyName)
	}
	if utf8.RuneCountInString(doc.Name) > MaxNameLen {
		return fmt.Errorf("%w: %w: name", ErrInvalidDocument, ErrFieldTooLong)
	}

	if utf8.RuneCountInString(doc.PrimaryCategory()) > MaxCategoryLen {
		return fmt.Errorf("%w: %w: category", ErrInvalidDocument, ErrFieldTooLong)
	}
	if utf8.RuneCountInString(doc.Department()) > MaxDepartmentLen {
		return fmt.Errorf("%w: %w: department", ErrInvalidDocument, ErrFieldTooLong)
	}

	if !doc.Structured() && CleanText(doc.Body) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, ErrEmptyContent)
	}

	return nil
}
