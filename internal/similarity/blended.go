/*
Copyright 2025 The Hoard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package similarity

import (
	"context"
	"sort"

	"github.com/hoardapp/hoard/internal/hashing"
)

// BlendWeights configures the blended ranker. A channel with weight 0 is
// not computed at all.
type BlendWeights struct {
	Visual   float64
	Tag      float64
	Semantic float64

	// Per-channel floors: a candidate must clear at least one of them to
	// appear in the blended result.
	VisualMin   float64
	TagMin      float64
	SemanticMin float64

	// VisualThreshold is the hamming cutoff for the visual channel.
	VisualThreshold int
}

// DefaultBlendWeights favors visual agreement with a semantic assist.
func DefaultBlendWeights() BlendWeights {
	return BlendWeights{
		Visual:          0.45,
		Tag:             0.25,
		Semantic:        0.30,
		VisualMin:       0.75,
		TagMin:          0.35,
		SemanticMin:     0.55,
		VisualThreshold: hashing.PHashBits / 4,
	}
}

// Blended combines the three channels into one ranking. Candidates that
// fail every per-channel floor are excluded.
func (s *Service) Blended(ctx context.Context, imageID int64, w BlendWeights, limit int) ([]Match, error) {
	type channels struct{ visual, tag, semantic float64 }
	scores := map[int64]*channels{}
	at := func(id int64) *channels {
		c, ok := scores[id]
		if !ok {
			c = &channels{}
			scores[id] = c
		}
		return c
	}

	if w.Visual > 0 {
		matches, err := s.Visual(ctx, imageID, w.VisualThreshold, 0, false)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			at(m.ID).visual = m.Score
		}
	}
	if w.Tag > 0 {
		matches, err := s.ByTags(ctx, imageID, 0)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			at(m.ID).tag = m.Score
		}
	}
	if w.Semantic > 0 {
		matches, err := s.Semantic(ctx, imageID, 0)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			at(m.ID).semantic = m.Score
		}
	}

	var out []Match
	for id, c := range scores {
		passes := (w.Visual > 0 && c.visual >= w.VisualMin) ||
			(w.Tag > 0 && c.tag >= w.TagMin) ||
			(w.Semantic > 0 && c.semantic >= w.SemanticMin)
		if !passes {
			continue
		}
		total := w.Visual + w.Tag + w.Semantic
		score := (w.Visual*c.visual + w.Tag*c.tag + w.Semantic*c.semantic) / total
		out = append(out, Match{ID: id, Score: clamp01(score)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
