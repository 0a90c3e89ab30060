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


package storage

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/medrag/core"
)

// Records are written as a flat sequence of MUS-encoded fields. Every
// encoder runs twice: once to size the buffer and once to fill it.

type encoder struct {
	bs     []byte
	n      int
	sizing bool
}

func (e *encoder) uint(v uint64) {
	if e.sizing {
		e.n += varint.Uint64.Size(v)
		return
	}
	e.n += varint.Uint64.Marshal(v, e.bs[e.n:])
}

func (e *encoder) int(v int64) {
	if e.sizing {
		e.n += varint.Int64.Size(v)
		return
	}
	e.n += varint.Int64.Marshal(v, e.bs[e.n:])
}

func (e *encoder) str(v string) {
	if e.sizing {
		e.n += ord.String.Size(v)
		return
	}
	e.n += ord.String.Marshal(v, e.bs[e.n:])
}

func (e *encoder) bool(v bool) {
	if e.sizing {
		e.n += ord.Bool.Size(v)
		return
	}
	e.n += ord.Bool.Marshal(v, e.bs[e.n:])
}

func (e *encoder) float(v float64) {
	e.uint(math.Float64bits(v))
}

func (e *encoder) time(v time.Time) {
	if v.IsZero() {
		e.int(0)
		return
	}
	e.int(v.UnixMicro())
}

func (e *encoder) strings(vs []string) {
	e.uint(uint64(len(vs)))
	for _, v := range vs {
		e.str(v)
	}
}

func (e *encoder) ids(vs []core.ID) {
	e.uint(uint64(len(vs)))
	for _, v := range vs {
		e.uint(uint64(v))
	}
}

func (e *encoder) vector(vs []float32) {
	e.uint(uint64(len(vs)))
	for _, v := range vs {
		e.uint(uint64(math.Float32bits(v)))
	}
}

// tags are written in key order so equal maps encode identically.
func (e *encoder) tags(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	e.uint(uint64(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.str(m[k])
	}
}

func encode(fn func(e *encoder)) []byte {
	sizer := &encoder{sizing: true}
	fn(sizer)
	e := &encoder{bs: make([]byte, sizer.n)}
	fn(e)
	return e.bs
}

type decoder struct {
	bs  []byte
	n   int
	err error
}

func (d *decoder) uint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) int() int64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) bool() bool {
	if d.err != nil {
		return false
	}
	v, n, err := ord.Bool.Unmarshal(d.bs[d.n:])
	d.n += n
	d.err = err
	return v
}

func (d *decoder) float() float64 {
	return math.Float64frombits(d.uint())
}

func (d *decoder) time() time.Time {
	v := d.int()
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

// length reads a slice length and rejects values larger than the
// remaining input, which guards allocations against corrupt data.
func (d *decoder) length() int {
	l := d.uint()
	if d.err == nil && l > uint64(len(d.bs)-d.n) {
		d.err = fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrSerializationFailed, l, len(d.bs)-d.n)
	}
	if d.err != nil {
		return 0
	}
	return int(l)
}

func (d *decoder) strings() []string {
	l := d.length()
	if l == 0 {
		return nil
	}
	vs := make([]string, l)
	for i := range vs {
		vs[i] = d.str()
	}
	return vs
}

func (d *decoder) ids() []core.ID {
	l := d.length()
	if l == 0 {
		return nil
	}
	vs := make([]core.ID, l)
	for i := range vs {
		vs[i] = core.ID(d.uint())
	}
	return vs
}

func (d *decoder) vector() []float32 {
	l := d.length()
	if l == 0 {
		return nil
	}
	vs := make([]float32, l)
	for i := range vs {
		vs[i] = math.Float32frombits(uint32(d.uint()))
	}
	return vs
}

func (d *decoder) tags() map[string]string {
	l := d.length()
	if l == 0 {
		return nil
	}
	m := make(map[string]string, l)
	for i := 0; i < l; i++ {
		k := d.str()
		m[k] = d.str()
	}
	return m
}

func (d *decoder) finish() error {
	if d.err != nil {
		return fmt.Errorf("%w: %w", ErrSerializationFailed, d.err)
	}
	return nil
}

// MarshalID serializes an ID to bytes.
func MarshalID(id core.ID) []byte {
	return encode(func(e *encoder) { e.uint(uint64(id)) })
}

// UnmarshalID deserializes an ID from bytes.
func UnmarshalID(data []byte) (core.ID, error) {
	d := &decoder{bs: data}
	id := core.ID(d.uint())
	return id, d.finish()
}

// MarshalChunk serializes a Chunk to bytes.
func MarshalChunk(c *core.Chunk) []byte {
	return encode(func(e *encoder) {
		e.uint(uint64(c.Id))
		e.uint(uint64(c.DocumentID))
		e.str(c.SourceID)
		e.int(int64(c.Offset))
		e.str(c.Name)
		e.str(c.Content)
		e.str(c.Category)
		e.str(c.Department)
		e.tags(c.Tags)
		e.vector(c.Vector)
		e.time(c.InsertedAt)
	})
}

// UnmarshalChunk deserializes a Chunk from bytes.
func UnmarshalChunk(data []byte) (*core.Chunk, error) {
	d := &decoder{bs: data}
	c := &core.Chunk{
		Id:         core.ID(d.uint()),
		DocumentID: core.ID(d.uint()),
		SourceID:   d.str(),
		Offset:     int(d.int()),
		Name:       d.str(),
		Content:    d.str(),
		Category:   d.str(),
		Department: d.str(),
		Tags:       d.tags(),
		Vector:     d.vector(),
		InsertedAt: d.time(),
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

// MarshalCacheEntry serializes a CacheEntry to bytes.
func MarshalCacheEntry(entry *core.CacheEntry) []byte {
	return encode(func(e *encoder) {
		e.str(entry.Key)
		e.str(entry.Answer)
		e.uint(uint64(len(entry.Contexts)))
		for _, ref := range entry.Contexts {
			e.uint(uint64(ref.ChunkID))
			e.str(ref.SourceID)
			e.str(ref.Title)
			e.str(ref.URL)
			e.str(string(ref.Source))
			e.float(ref.Score)
		}
		e.strings(entry.Suggestions)
		e.bool(entry.FallbackUsed)
		e.time(entry.CreatedAt)
		e.int(int64(entry.TTL))
	})
}

// UnmarshalCacheEntry deserializes a CacheEntry from bytes.
func UnmarshalCacheEntry(data []byte) (*core.CacheEntry, error) {
	d := &decoder{bs: data}
	entry := &core.CacheEntry{
		Key:    d.str(),
		Answer: d.str(),
	}
	if l := d.length(); l > 0 {
		entry.Contexts = make([]core.ContextRef, l)
		for i := range entry.Contexts {
			entry.Contexts[i] = core.ContextRef{
				ChunkID:  core.ID(d.uint()),
				SourceID: d.str(),
				Title:    d.str(),
				URL:      d.str(),
				Source:   core.Channel(d.str()),
				Score:    d.float(),
			}
		}
	}
	entry.Suggestions = d.strings()
	entry.FallbackUsed = d.bool()
	entry.CreatedAt = d.time()
	entry.TTL = time.Duration(d.int())
	if err := d.finish(); err != nil {
		return nil, err
	}
	return entry, nil
}

// MarshalManifest serializes a Manifest to bytes.
func MarshalManifest(m *Manifest) []byte {
	return encode(func(e *encoder) {
		e.str(m.SourceID)
		e.uint(uint64(m.Fingerprint))
		e.ids(m.ChunkIDs)
		e.time(m.UpdatedAt)
	})
}

// UnmarshalManifest deserializes a Manifest from bytes.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	d := &decoder{bs: data}
	m := &Manifest{
		SourceID:    d.str(),
		Fingerprint: core.ID(d.uint()),
		ChunkIDs:    d.ids(),
		UpdatedAt:   d.time(),
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}
