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


// Package fusion merges the vector and lexical result lists into one
// ranked, deduplicated list.
package fusion

import (
	"errors"
	"fmt"
	"sort"

	"github.com/poiesic/medrag/core"
)

// Weights are the per-channel multipliers applied to normalized scores.
type Weights struct {
	Vector  float64
	Lexical float64
}

// DefaultWeights favours semantic similarity.
var DefaultWeights = Weights{Vector: 0.6, Lexical: 0.4}

// ErrInvalidWeights is returned for negative or all-zero weights.
var ErrInvalidWeights = errors.New("fusion weights must be non-negative and not both zero")

// Validate checks the weights.
func (w Weights) Validate() error {
	if w.Vector < 0 || w.Lexical < 0 || w.Vector+w.Lexical == 0 {
		return fmt.Errorf("%w: vector=%g lexical=%g", ErrInvalidWeights, w.Vector, w.Lexical)
	}
	return nil
}

// MinMax rescales scores to [0,1]. A list without spread (one element or
// all equal) is clamped to [0,1] instead, so an absolute similarity keeps
// its meaning.
func MinMax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		lo = min(lo, s)
		hi = max(hi, s)
	}

	out := make([]float64, len(scores))
	if hi == lo {
		for i, s := range scores {
			out[i] = clamp(s)
		}
		return out
	}
	span := hi - lo
	for i, s := range scores {
		out[i] = (s - lo) / span
	}
	return out
}

func clamp(v float64) float64 {
	return max(0, min(1, v))
}

type candidate struct {
	result  core.FusedResult
	channel int // 0 vector, 1 lexical: channel of first sighting
	seen    int // position within that channel
}

// Fuse normalizes both lists, combines scores of chunks found by both
// channels by weighted sum and returns at most finalK results ranked by
// fused score. Ties go to the chunk seen first, vector channel before
// lexical. Chunks with identical content keep only the best entry.
//
// Both lists empty yields core.ErrNoContextAvailable, which callers treat
// as a normal state.
func Fuse(vector, lexical []core.RetrievalResult, w Weights, finalK int) ([]core.FusedResult, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if len(vector) == 0 && len(lexical) == 0 {
		return nil, core.ErrNoContextAvailable
	}

	byID := make(map[core.ID]*candidate, len(vector)+len(lexical))
	var order []*candidate

	add := func(list []core.RetrievalResult, channelIdx int, channel core.Channel, weight float64) {
		scores := make([]float64, len(list))
		for i, r := range list {
			scores[i] = r.Score
		}
		norm := MinMax(scores)

		for i, r := range list {
			c, ok := byID[r.ChunkID]
			if !ok {
				c = &candidate{
					result:  core.FusedResult{ChunkID: r.ChunkID, Chunk: r.Chunk},
					channel: channelIdx,
					seen:    i,
				}
				byID[r.ChunkID] = c
				order = append(order, c)
			} else if hasChannel(c.result.Channels, channel) {
				// duplicate id inside one channel: keep the first (best) hit
				continue
			}
			if c.result.Chunk == nil {
				c.result.Chunk = r.Chunk
			}
			switch channel {
			case core.ChannelVector:
				c.result.VectorScore = norm[i]
			case core.ChannelLexical:
				c.result.LexicalScore = norm[i]
			}
			c.result.Score += weight * norm[i]
			c.result.Channels = append(c.result.Channels, channel)
		}
	}

	total := w.Vector + w.Lexical
	add(vector, 0, core.ChannelVector, w.Vector/total)
	add(lexical, 1, core.ChannelLexical, w.Lexical/total)

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.result.Score != b.result.Score {
			return a.result.Score > b.result.Score
		}
		if a.channel != b.channel {
			return a.channel < b.channel
		}
		return a.seen < b.seen
	})

	fused := make([]core.FusedResult, 0, min(len(order), max(finalK, 0)))
	contents := make(map[string]struct{}, len(order))
	for _, c := range order {
		if len(fused) >= finalK {
			break
		}
		if c.result.Chunk != nil {
			if _, dup := contents[c.result.Chunk.Content]; dup {
				continue
			}
			contents[c.result.Chunk.Content] = struct{}{}
		}
		r := c.result
		r.Score = clamp(r.Score)
		r.Rank = len(fused) + 1
		fused = append(fused, r)
	}
	return fused, nil
}

// Confidence is the fused score of the top result, or 0 for an empty list.
func Confidence(fused []core.FusedResult) float64 {
	if len(fused) == 0 {
		return 0
	}
	return fused[0].Score
}

func hasChannel(channels []core.Channel, ch core.Channel) bool {
	for _, c := range channels {
		if c == ch {
			return true
		}
	}
	return false
}
