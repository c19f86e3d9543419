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
	"image"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/hashing"
)

// Service enriches, queues, and commits duplicate pairs.
type Service struct {
	store  *catalog.Store
	engine *hashing.Engine

	// ThumbPath, when set, maps an artifact path to its thumbnail path so
	// enrichment can work from thumbnails instead of full originals.
	ThumbPath func(srcPath string) string

	// Lower and Upper are the classification bounds.
	Lower, Upper float64

	// CalibrationLog, when set, appends one JSON line per reviewed pair.
	CalibrationLog string

	// OnImageDeleted, when set, is called after a review action deletes an
	// image, so in-memory caches can drop it.
	OnImageDeleted func(id int64)
}

// NewService wires the review service with default bounds.
func NewService(store *catalog.Store, engine *hashing.Engine) *Service {
	return &Service{
		store:  store,
		engine: engine,
		Lower:  DefaultLowerBound,
		Upper:  DefaultUpperBound,
	}
}

// preview loads the comparison image for one catalog row: the thumbnail
// when present and decodable, else the original artifact's frame.
func (s *Service) preview(ctx context.Context, img *catalog.Image) (image.Image, error) {
	if s.ThumbPath != nil {
		if m, err := decodeImageFile(s.ThumbPath(img.Filepath)); err == nil {
			return m, nil
		}
	}
	return s.engine.Frame(ctx, img.Filepath, img.MD5)
}

func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, _, err := image.Decode(f)
	return m, err
}

// EnrichPair computes and stores the suggestion record for one pair.
func (s *Service) EnrichPair(ctx context.Context, a, b int64) (*catalog.PairSuggestion, error) {
	imgA, err := s.store.ImageByID(ctx, a)
	if err != nil {
		return nil, err
	}
	imgB, err := s.store.ImageByID(ctx, b)
	if err != nil {
		return nil, err
	}
	pa, err := s.preview(ctx, imgA)
	if err != nil {
		return nil, errors.Wrapf(err, "loading preview of image %d", a)
	}
	pb, err := s.preview(ctx, imgB)
	if err != nil {
		return nil, errors.Wrapf(err, "loading preview of image %d", b)
	}

	m := ComparePreviews(pa, pb)
	areaRatio := Ratio(float64(imgA.Width*imgA.Height), float64(imgB.Width*imgB.Height))
	filesizeRatio := Ratio(float64(imgA.FileSize), float64(imgB.FileSize))
	tagGap := TagGap(imgA.Tags.Count(), imgB.Tags.Count())
	adjust := MetadataAdjust(m.VisualSignal, areaRatio, filesizeRatio, tagGap)

	g := &catalog.PairSuggestion{
		ImageA:           a,
		ImageB:           b,
		MeanAbsDiff:      m.MeanAbsDiff,
		ChangedRatio:     m.ChangedRatio,
		LargestBlobRatio: m.LargestBlobRatio,
		BlobCount:        m.BlobCount,
		PeakBlobContrast: m.PeakBlobContrast,
		MaskMismatch:     m.MaskMismatch,
		AreaRatio:        areaRatio,
		FilesizeRatio:    filesizeRatio,
		TagGapRatio:      tagGap,
		VisualSignal:     m.VisualSignal,
		MetadataAdjust:   adjust,
		FinalSignal:      clamp01(m.VisualSignal + adjust),
	}
	if err := s.store.PutPairSuggestion(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// EnrichAll computes suggestions for every pair that lacks one. progress
// and running follow the task-handle contract.
func (s *Service) EnrichAll(ctx context.Context, threshold int, progress func(done, total int), running func() bool) (int, error) {
	pairs, err := s.store.DuplicatePairs(ctx, threshold)
	if err != nil {
		return 0, err
	}
	enriched := 0
	for i, p := range pairs {
		if running != nil && !running() {
			return enriched, nil
		}
		existing, err := s.store.PairSuggestionFor(ctx, p.ImageA, p.ImageB)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return enriched, err
		}
		if existing == nil {
			if _, err := s.EnrichPair(ctx, p.ImageA, p.ImageB); err != nil {
				// A broken preview should not halt the pass.
				logrus.WithFields(logrus.Fields{
					"image_a": p.ImageA,
					"image_b": p.ImageB,
				}).WithError(err).Warn("pair enrichment failed")
			} else {
				enriched++
			}
		}
		if progress != nil {
			progress(i+1, len(pairs))
		}
	}
	return enriched, nil
}
