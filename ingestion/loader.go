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


package ingestion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/poiesic/medrag/core"
)

// Field caps applied while parsing. Longer values are truncated.
const (
	maxCauseLen   = 800
	maxPreventLen = 400
	maxChecks     = 10
	maxSymptomLen = 4096
	maxFieldLen   = 1024
)

// maxLineSize bounds a single JSONL record.
const maxLineSize = 16 * 1024 * 1024

// objectID accepts both {"$oid": "..."} and plain string ids.
type objectID string

func (o *objectID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '{' {
		var v struct {
			OID string `json:"$oid"`
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*o = objectID(v.OID)
		return nil
	}
	var s any
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*o = objectID(fmt.Sprint(s))
	return nil
}

// text accepts strings and scalars.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case nil:
		*t = ""
	case string:
		*t = text(v)
	case []any:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = fmt.Sprint(p)
		}
		*t = text(strings.Join(parts, "、"))
	default:
		*t = text(fmt.Sprint(v))
	}
	return nil
}

// textList accepts arrays as well as single strings.
type textList []string

func (l *textList) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case nil:
		*l = nil
	case []any:
		out := make([]string, 0, len(v))
		for _, p := range v {
			if s := strings.TrimSpace(fmt.Sprint(p)); s != "" && p != nil {
				out = append(out, s)
			}
		}
		*l = out
	default:
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			*l = textList{s}
		}
	}
	return nil
}

// RawRecord is one line of the medical JSONL knowledge file.
type RawRecord struct {
	Line int `json:"-"`

	ID             objectID `json:"_id"`
	Name           text     `json:"name"`
	Desc           text     `json:"desc"`
	Symptom        textList `json:"symptom"`
	Cause          text     `json:"cause"`
	Prevent        text     `json:"prevent"`
	CureWay        textList `json:"cure_way"`
	Check          textList `json:"check"`
	GetWay         text     `json:"get_way"`
	Acompany       textList `json:"acompany"`
	Category       textList `json:"category"`
	CureDepartment textList `json:"cure_department"`
	CuredProb      text     `json:"cured_prob"`

	// Free-form articles use these instead of the disease fields.
	Title   text `json:"title"`
	Content text `json:"content"`
}

// ReadJSONL decodes one record per non-blank line. Lines that are not valid
// JSON yield a *core.RecordError and reading continues; a read failure
// yields a plain error and ends the sequence.
func ReadJSONL(r io.Reader) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		line := 0
		for scanner.Scan() {
			line++
			data := bytes.TrimSpace(scanner.Bytes())
			if len(data) == 0 {
				continue
			}

			rec := RawRecord{Line: line}
			if err := json.Unmarshal(data, &rec); err != nil {
				if !yield(rec, &core.RecordError{Line: line, Err: fmt.Errorf("invalid json: %w", err)}) {
					return
				}
				continue
			}
			rec.Line = line
			if !yield(rec, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(RawRecord{Line: line}, fmt.Errorf("failed to read records: %w", err))
		}
	}
}

// ParseRecord converts a raw record into a validated Document, truncating
// oversized fields to their caps.
func ParseRecord(rec RawRecord) (core.Document, error) {
	name := core.CleanText(string(rec.Name))
	if name == "" {
		name = core.CleanText(string(rec.Title))
	}

	sourceID := strings.TrimSpace(string(rec.ID))
	if sourceID == "" && name != "" {
		// stable across runs so re-ingestion supersedes
		sourceID = fmt.Sprintf("%016x", uint64(core.IDFromContent(name)))
	}

	doc := core.Document{
		SourceID:        core.Truncate(sourceID, core.MaxSourceIDLen),
		Name:            core.Truncate(name, core.MaxNameLen),
		Description:     string(rec.Desc),
		Symptoms:        capJoined(rec.Symptom, maxSymptomLen),
		Causes:          core.Truncate(strings.TrimSpace(string(rec.Cause)), maxCauseLen),
		Prevention:      core.Truncate(strings.TrimSpace(string(rec.Prevent)), maxPreventLen),
		Treatments:      capJoined(rec.CureWay, maxFieldLen),
		Checks:          firstN(rec.Check, maxChecks),
		Transmission:    core.Truncate(strings.TrimSpace(string(rec.GetWay)), maxFieldLen),
		Complications:   capJoined(rec.Acompany, maxFieldLen),
		Categories:      rec.Category,
		Departments:     capJoined(rec.CureDepartment, core.MaxDepartmentLen),
		CureProbability: core.Truncate(strings.TrimSpace(string(rec.CuredProb)), maxFieldLen),
		Body:            string(rec.Content),
	}
	if n := len(doc.Categories); n > 0 {
		doc.Categories[n-1] = core.Truncate(doc.Categories[n-1], core.MaxCategoryLen)
	}

	if err := core.ValidateDocument(&doc); err != nil {
		return core.Document{}, &core.RecordError{Line: rec.Line, SourceID: doc.SourceID, Err: err}
	}
	return doc, nil
}

// Documents reads a JSONL knowledge file and parses every record.
func Documents(r io.Reader) iter.Seq2[core.Document, error] {
	return func(yield func(core.Document, error) bool) {
		for rec, err := range ReadJSONL(r) {
			if err != nil {
				if !yield(core.Document{}, err) {
					return
				}
				continue
			}
			doc, err := ParseRecord(rec)
			if !yield(doc, err) {
				return
			}
		}
	}
}

func firstN(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// capJoined keeps leading items while their "、"-joined length fits max runes.
func capJoined(items []string, max int) []string {
	total := 0
	for i, item := range items {
		size := len([]rune(item))
		if i > 0 {
			size++
		}
		if total+size > max {
			return items[:i]
		}
		total += size
	}
	return items
}
