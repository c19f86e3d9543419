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

package server

import (
	"context"
	"database/sql"
	"net/http"
	"sort"

	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/hashing"
	"github.com/hoardapp/hoard/internal/similarity"
	"github.com/hoardapp/hoard/internal/tasks"
)

const defaultSimilarLimit = 20

// matchJSON is one similarity hit on the wire.
type matchJSON struct {
	ID       int64   `json:"id"`
	Path     string  `json:"path"`
	Thumb    string  `json:"thumb"`
	Score    float64 `json:"score"`
	Distance int     `json:"distance,omitempty"`
}

// matchesJSON resolves match ids to paths, dropping rows deleted since the
// cache was built.
func (s *Server) matchesJSON(ctx context.Context, matches []similarity.Match) []matchJSON {
	out := make([]matchJSON, 0, len(matches))
	for _, m := range matches {
		img, err := s.deps.Store.ImageByID(ctx, m.ID)
		if err != nil {
			continue
		}
		out = append(out, matchJSON{
			ID:       m.ID,
			Path:     img.Filepath,
			Thumb:    s.thumbURL(img),
			Score:    m.Score,
			Distance: m.Distance,
		})
	}
	return out
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	img, ok := s.pathImage(w, r)
	if !ok {
		return
	}
	matches, err := s.deps.Similarity.Visual(r.Context(), img.ID,
		intParam(r, "threshold", s.opts.ScanThreshold),
		intParam(r, "limit", defaultSimilarLimit),
		boolParam(r, "exclude_family"))
	if err != nil {
		fail(w, err)
		return
	}
	if cw := floatParam(r, "color_weight", 0); cw > 0 {
		matches = s.reweighByColor(r.Context(), img, matches, cw)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"similar": s.matchesJSON(r.Context(), matches),
	})
}

// reweighByColor blends the color-layout distance into the visual score.
func (s *Server) reweighByColor(ctx context.Context, target *catalog.Image, matches []similarity.Match, weight float64) []similarity.Match {
	if target.ColorHash == "" {
		return matches
	}
	if weight > 1 {
		weight = 1
	}
	bits := 4 * len(target.ColorHash)
	out := make([]similarity.Match, 0, len(matches))
	for _, m := range matches {
		img, err := s.deps.Store.ImageByID(ctx, m.ID)
		if err != nil || img.ColorHash == "" {
			out = append(out, m)
			continue
		}
		d, err := hashing.HammingHex(target.ColorHash, img.ColorHash)
		if err != nil {
			out = append(out, m)
			continue
		}
		colorScore := 1 - float64(d)/float64(bits)
		m.Score = (1-weight)*m.Score + weight*colorScore
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (s *Server) handleSimilarSemantic(w http.ResponseWriter, r *http.Request) {
	img, ok := s.pathImage(w, r)
	if !ok {
		return
	}
	matches, err := s.deps.Similarity.Semantic(r.Context(), img.ID,
		intParam(r, "limit", defaultSimilarLimit))
	if err != nil {
		fail(w, err)
		return
	}
	if boolParam(r, "exclude_family") {
		family, err := s.deps.Store.FamilyOf(r.Context(), img.ID)
		if err != nil {
			fail(w, err)
			return
		}
		kept := matches[:0]
		for _, m := range matches {
			if !family[m.ID] {
				kept = append(kept, m)
			}
		}
		matches = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"similar": s.matchesJSON(r.Context(), matches),
	})
}

func (s *Server) handleSimilarBlended(w http.ResponseWriter, r *http.Request) {
	img, ok := s.pathImage(w, r)
	if !ok {
		return
	}
	weights := similarity.DefaultBlendWeights()
	weights.Visual = floatParam(r, "visual_weight", weights.Visual)
	weights.Tag = floatParam(r, "tag_weight", weights.Tag)
	weights.Semantic = floatParam(r, "semantic_weight", weights.Semantic)
	weights.VisualMin = floatParam(r, "visual_min", weights.VisualMin)
	weights.TagMin = floatParam(r, "tag_min", weights.TagMin)
	weights.SemanticMin = floatParam(r, "semantic_min", weights.SemanticMin)
	weights.VisualThreshold = intParam(r, "threshold", weights.VisualThreshold)

	matches, err := s.deps.Similarity.Blended(r.Context(), img.ID, weights,
		intParam(r, "limit", defaultSimilarLimit))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"similar": s.matchesJSON(r.Context(), matches),
	})
}

// handleDuplicates runs a live pair scan and returns the stored pairs.
func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	threshold := intParam(r, "threshold", s.opts.ScanThreshold)
	if _, err := s.deps.Similarity.ScanDuplicatePairs(r.Context(), threshold, s.opts.MaxWorkers, nil); err != nil {
		fail(w, err)
		return
	}
	pairs, err := s.deps.Store.DuplicatePairs(r.Context(), threshold)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pairs": s.pairsJSON(r.Context(), pairs),
	})
}

type pairJSON struct {
	ImageA   imageJSON `json:"image_a"`
	ImageB   imageJSON `json:"image_b"`
	Distance int       `json:"distance"`
}

func (s *Server) pairsJSON(ctx context.Context, pairs []catalog.DuplicatePair) []pairJSON {
	out := make([]pairJSON, 0, len(pairs))
	for _, p := range pairs {
		a, err := s.deps.Store.ImageByID(ctx, p.ImageA)
		if err != nil {
			continue
		}
		b, err := s.deps.Store.ImageByID(ctx, p.ImageB)
		if err != nil {
			continue
		}
		out = append(out, pairJSON{
			ImageA:   s.toImageJSON(a),
			ImageB:   s.toImageJSON(b),
			Distance: p.Distance,
		})
	}
	return out
}

// handleGenerateHashes recomputes perceptual hashes for rows missing them.
func (s *Server) handleGenerateHashes(w http.ResponseWriter, r *http.Request) {
	id := s.deps.Tasks.Start("generate_hashes", func(ctx context.Context, h *tasks.Handle) (any, error) {
		images, err := s.deps.Store.AllImages(ctx)
		if err != nil {
			return nil, err
		}
		var missing []*catalog.Image
		for _, img := range images {
			if img.PHash == "" {
				missing = append(missing, img)
			}
		}
		hashed, failed := 0, 0
		for i, img := range missing {
			if !h.Running() {
				break
			}
			phash, colorhash, err := s.deps.Engine.Hashes(ctx, img.Filepath, img.MD5)
			if err != nil {
				failed++
				h.Progress(i+1, len(missing))
				continue
			}
			imgID := img.ID
			err = s.deps.Store.WithTx(ctx, func(tx *sql.Tx) error {
				return catalog.SetHashesTx(ctx, tx, imgID, phash, colorhash)
			})
			if err != nil {
				return nil, err
			}
			hashed++
			h.Progress(i+1, len(missing))
		}
		return map[string]int{"hashed": hashed, "failed": failed}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleSimilarityStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, err := s.deps.Store.ImageCount(ctx)
	if err != nil {
		fail(w, err)
		return
	}
	hashes, err := s.deps.Store.AllPHashes(ctx)
	if err != nil {
		fail(w, err)
		return
	}
	cached, err := s.deps.Store.SimilarsCacheCount(ctx)
	if err != nil {
		fail(w, err)
		return
	}
	pairCount, lastScan, err := s.deps.Store.DuplicatePairCount(ctx)
	if err != nil {
		fail(w, err)
		return
	}
	stats := map[string]any{
		"images":          total,
		"hashed":          len(hashes),
		"cached_similars": cached,
		"duplicate_pairs": pairCount,
		"scan_threshold":  s.opts.ScanThreshold,
	}
	if lastScan.Valid {
		stats["last_scan"] = lastScan.Time
	}
	if s.deps.Index != nil {
		stats["semantic_indexed"] = s.deps.Index.Len()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRebuildSimilarsCache(w http.ResponseWriter, r *http.Request) {
	topN := intParam(r, "top_n", s.opts.SimilarCacheSize)
	id := s.deps.Tasks.Start("rebuild_similars", func(ctx context.Context, h *tasks.Handle) (any, error) {
		types := []string{catalog.SimVisual, catalog.SimTag, catalog.SimSemantic, catalog.SimBlended}
		for i, simType := range types {
			if !h.Running() {
				break
			}
			h.Message("rebuilding " + simType + " similars")
			if err := s.deps.Similarity.RebuildSimilarsCache(ctx, simType, topN, nil, h.Running); err != nil {
				return nil, err
			}
			h.Progress(i+1, len(types))
		}
		return map[string]string{"status": "rebuilt"}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}
