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

package dupreview

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/hoardapp/hoard/internal/catalog"
)

// Queue sort modes.
const (
	ModeDistance         = "distance"
	ModeLikelyDuplicates = "likely_duplicates"
	ModeDuplicateHunt    = "duplicate_hunt"
	ModeDuplicateFirst   = "duplicate_first"
)

// QueueItem is one reviewable pair with its enrichment, when present.
type QueueItem struct {
	Pair           catalog.DuplicatePair  `json:"pair"`
	Suggestion     *catalog.PairSuggestion `json:"suggestion,omitempty"`
	Classification *Classification         `json:"classification,omitempty"`
}

// QueueRequest selects and pages the review queue.
type QueueRequest struct {
	Threshold int
	Mode      string
	Offset    int
	Limit     int
}

// Queue returns the pairs within the hamming threshold that have no
// relation yet, sorted per mode and paged. The total before paging is
// returned alongside.
func (s *Service) Queue(ctx context.Context, req QueueRequest) ([]QueueItem, int, error) {
	pairs, err := s.store.DuplicatePairs(ctx, req.Threshold)
	if err != nil {
		return nil, 0, err
	}

	items := make([]QueueItem, 0, len(pairs))
	for _, p := range pairs {
		item := QueueItem{Pair: p}
		g, err := s.store.PairSuggestionFor(ctx, p.ImageA, p.ImageB)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
		case err != nil:
			return nil, 0, err
		default:
			item.Suggestion = g
			c := Classify(g.FinalSignal, s.Lower, s.Upper)
			item.Classification = &c
		}
		items = append(items, item)
	}

	switch req.Mode {
	case ModeDistance, "":
		// DuplicatePairs already sorts ascending by distance.
	case ModeLikelyDuplicates:
		filtered := items[:0]
		for _, it := range items {
			if it.Suggestion != nil && it.Suggestion.FinalSignal <= s.Lower {
				filtered = append(filtered, it)
			}
		}
		items = filtered
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Suggestion.FinalSignal < items[j].Suggestion.FinalSignal
		})
	case ModeDuplicateHunt:
		sort.SliceStable(items, func(i, j int) bool {
			bi, bj := classBucket(items[i]), classBucket(items[j])
			if bi != bj {
				return bi < bj
			}
			si, sj := signalOf(items[i]), signalOf(items[j])
			if si != sj {
				return si < sj
			}
			// Tie-break on blob texture: fewer, smaller blobs first.
			if items[i].Suggestion != nil && items[j].Suggestion != nil {
				if items[i].Suggestion.BlobCount != items[j].Suggestion.BlobCount {
					return items[i].Suggestion.BlobCount < items[j].Suggestion.BlobCount
				}
				return items[i].Suggestion.LargestBlobRatio < items[j].Suggestion.LargestBlobRatio
			}
			return false
		})
	case ModeDuplicateFirst:
		sort.SliceStable(items, func(i, j int) bool {
			bi, bj := classBucket(items[i]), classBucket(items[j])
			if bi != bj {
				return bi < bj
			}
			return signalOf(items[i]) < signalOf(items[j])
		})
	default:
		return nil, 0, errors.Errorf("unknown queue mode %q", req.Mode)
	}

	total := len(items)
	if req.Offset >= len(items) {
		return []QueueItem{}, total, nil
	}
	items = items[req.Offset:]
	if req.Limit > 0 && len(items) > req.Limit {
		items = items[:req.Limit]
	}
	return items, total, nil
}

// classBucket orders likely duplicates before uncertain before variations;
// unenriched pairs go last.
func classBucket(it QueueItem) int {
	if it.Classification == nil {
		return 3
	}
	switch it.Classification.Class {
	case ClassLikelyDuplicate:
		return 0
	case ClassUncertain:
		return 1
	default:
		return 2
	}
}

func signalOf(it QueueItem) float64 {
	if it.Suggestion == nil {
		return 1
	}
	return it.Suggestion.FinalSignal
}
