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

// Package similarity answers "what looks like this" three ways: perceptual
// hash distance, tag overlap, and semantic embedding distance, plus a
// blended ranker over all three.
package similarity

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/hashing"
	"github.com/hoardapp/hoard/internal/semantic"
)

// Match is one similarity hit. Distance is only meaningful for visual
// matches; Score is normalized to [0,1] for every type.
type Match struct {
	ID       int64
	Score    float64
	Distance int
}

// Service runs similarity queries against the catalog and the in-memory
// caches.
type Service struct {
	store *catalog.Store
	cache *cachemgr.Manager
	index *semantic.Index

	// Alpha is the asymmetric weight of the tag-similarity Jaccard.
	Alpha float64

	// BaseWeights and ExtendedWeights drive per-tag category weighting;
	// extended wins when present.
	BaseWeights     map[catalog.Category]float64
	ExtendedWeights map[string]float64
}

// DefaultBaseWeights order the base categories by how much a shared tag
// actually says about two images being related.
func DefaultBaseWeights() map[catalog.Category]float64 {
	return map[catalog.Category]float64{
		catalog.CategoryCharacter: 3.0,
		catalog.CategoryCopyright: 2.5,
		catalog.CategoryArtist:    2.0,
		catalog.CategorySpecies:   2.0,
		catalog.CategoryMeta:      0.5,
		catalog.CategoryGeneral:   1.0,
	}
}

// NewService wires the similarity service.
func NewService(store *catalog.Store, cache *cachemgr.Manager, index *semantic.Index) *Service {
	return &Service{
		store:           store,
		cache:           cache,
		index:           index,
		Alpha:           0.6,
		BaseWeights:     DefaultBaseWeights(),
		ExtendedWeights: map[string]float64{},
	}
}

// Visual returns all images within threshold hamming distance of the
// target, ascending by distance. An image without a stored pHash yields an
// empty result, not an error. When excludeFamily is set, images related to
// the target through the parent/child/sibling graph are skipped.
func (s *Service) Visual(ctx context.Context, imageID int64, threshold, limit int, excludeFamily bool) ([]Match, error) {
	img, err := s.store.ImageByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img.PHash == "" {
		return nil, nil
	}
	target, err := hashing.ParsePHash(img.PHash)
	if err != nil {
		return nil, errors.Wrap(err, "target phash")
	}

	var family map[int64]bool
	if excludeFamily {
		family, err = s.store.FamilyOf(ctx, imageID)
		if err != nil {
			return nil, err
		}
	}

	entries, err := s.store.AllPHashes(ctx)
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, e := range entries {
		if e.ID == imageID || family[e.ID] {
			continue
		}
		v, err := hashing.ParsePHash(e.PHash)
		if err != nil {
			continue
		}
		d := hashing.Hamming(target, v)
		if d <= threshold {
			out = append(out, Match{
				ID:       e.ID,
				Distance: d,
				Score:    1 - float64(d)/float64(hashing.PHashBits),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Semantic returns the nearest embeddings of the target, best first. An
// image without a stored embedding yields an empty result.
func (s *Service) Semantic(ctx context.Context, imageID int64, limit int) ([]Match, error) {
	vec, ok := s.index.Vector(imageID)
	if !ok {
		var err error
		vec, err = s.store.Embedding(ctx, imageID)
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	neighbors := s.index.Search(vec, limit, map[int64]bool{imageID: true})
	out := make([]Match, len(neighbors))
	for i, n := range neighbors {
		out[i] = Match{ID: n.ID, Score: clamp01(n.Score)}
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
