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
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/hashing"
)

// DefaultTopN is the similar-images cache depth per image.
const DefaultTopN = 12

// RebuildSimilarsCache recomputes the top-N similars of every image under
// the given similarity type and stores them with rank. running, if non-nil,
// lets a task manager stop the job cooperatively at loop boundaries.
func (s *Service) RebuildSimilarsCache(ctx context.Context, simType string, topN int, progress func(done, total int), running func() bool) error {
	if topN <= 0 {
		topN = DefaultTopN
	}
	start := time.Now()

	ids, err := s.similarsSubjects(ctx, simType)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if running != nil && !running() {
			logrus.WithField("done", i).Info("similars cache rebuild stopped")
			return nil
		}
		matches, err := s.byType(ctx, simType, id, topN)
		if err != nil {
			return errors.Wrapf(err, "computing similars for image %d", id)
		}
		entries := make([]catalog.SimilarEntry, len(matches))
		for j, m := range matches {
			entries[j] = catalog.SimilarEntry{
				SourceID:  id,
				SimilarID: m.ID,
				Score:     m.Score,
				Type:      simType,
			}
		}
		err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
			return catalog.ReplaceSimilarsTx(ctx, tx, id, simType, entries)
		})
		if err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, len(ids))
		}
	}
	logrus.WithFields(logrus.Fields{
		"images": len(ids),
		"type":   simType,
		"took":   time.Since(start).Round(time.Millisecond),
	}).Info("similars cache rebuilt")
	return nil
}

// Similars serves the sidebar: cache hit in O(N) SQL, miss falls back to a
// live computation of the requested type.
func (s *Service) Similars(ctx context.Context, imageID int64, simType string, topN int) ([]Match, error) {
	if topN <= 0 {
		topN = DefaultTopN
	}
	cached, err := s.store.CachedSimilars(ctx, imageID, simType)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		out := make([]Match, len(cached))
		for i, e := range cached {
			out[i] = Match{ID: e.SimilarID, Score: e.Score}
		}
		return out, nil
	}
	return s.byType(ctx, simType, imageID, topN)
}

func (s *Service) byType(ctx context.Context, simType string, imageID int64, limit int) ([]Match, error) {
	switch simType {
	case catalog.SimVisual:
		return s.Visual(ctx, imageID, hashing.PHashBits/4, limit, false)
	case catalog.SimTag:
		return s.ByTags(ctx, imageID, limit)
	case catalog.SimSemantic:
		return s.Semantic(ctx, imageID, limit)
	case catalog.SimBlended:
		return s.Blended(ctx, imageID, DefaultBlendWeights(), limit)
	default:
		return nil, errors.Errorf("unknown similarity type %q", simType)
	}
}

// similarsSubjects picks which images get cache rows: those with a pHash
// for visual, everything the tag cache knows for the other types.
func (s *Service) similarsSubjects(ctx context.Context, simType string) ([]int64, error) {
	if simType == catalog.SimVisual {
		entries, err := s.store.AllPHashes(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		return ids, nil
	}
	return s.cache.ImageIDs(), nil
}
