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
	"math"
	"sort"
)

// tagWeight scores how much a shared tag means: rare tags and specific
// categories count more than ubiquitous general ones.
func (s *Service) tagWeight(tagID int32) float64 {
	cat, extended, ok := s.cache.TagCategory(tagID)
	if !ok {
		return 0
	}
	catWeight := 1.0
	if extended != "" {
		if w, ok := s.ExtendedWeights[extended]; ok {
			catWeight = w
		} else if w, ok := s.BaseWeights[cat]; ok {
			catWeight = w
		}
	} else if w, ok := s.BaseWeights[cat]; ok {
		catWeight = w
	}
	usage := float64(s.cache.Usage(tagID))
	return catWeight / math.Log(usage+1+1e-9)
}

// ByTags scores every image sharing at least one tag with the target using
// an asymmetric weighted Jaccard: alpha of the score is containment of the
// target's tags in the candidate, the rest is plain weighted Jaccard.
func (s *Service) ByTags(ctx context.Context, imageID int64, limit int) ([]Match, error) {
	targetTags := s.cache.ImageTagIDs(imageID)
	if len(targetTags) == 0 {
		return nil, nil
	}
	targetSet := make(map[int32]bool, len(targetTags))
	var sumTarget float64
	for _, t := range targetTags {
		targetSet[t] = true
		sumTarget += s.tagWeight(t)
	}
	if sumTarget == 0 {
		return nil, nil
	}

	// Index intersection prefilter: only images sharing a tag id can score.
	candidates := map[int64]bool{}
	for _, t := range targetTags {
		for _, id := range s.cache.ImagesWithTag(t) {
			if id != imageID {
				candidates[id] = true
			}
		}
	}

	var out []Match
	for id := range candidates {
		tags := s.cache.ImageTagIDs(id)
		var sumShared, sumUnion float64
		seen := make(map[int32]bool, len(tags))
		for _, t := range tags {
			seen[t] = true
			w := s.tagWeight(t)
			sumUnion += w
			if targetSet[t] {
				sumShared += w
			}
		}
		for _, t := range targetTags {
			if !seen[t] {
				sumUnion += s.tagWeight(t)
			}
		}
		if sumShared == 0 || sumUnion == 0 {
			continue
		}
		score := s.Alpha*(sumShared/sumTarget) + (1-s.Alpha)*(sumShared/sumUnion)
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
