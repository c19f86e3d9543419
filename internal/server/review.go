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
	"net/http"

	"github.com/hoardapp/hoard/internal/dupreview"
	"github.com/hoardapp/hoard/internal/metrics"
	"github.com/hoardapp/hoard/internal/tasks"
)

func (s *Server) handleReviewCacheStats(w http.ResponseWriter, r *http.Request) {
	count, lastScan, err := s.deps.Store.DuplicatePairCount(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	stats := map[string]any{
		"pairs":            count,
		"scan_threshold":   s.opts.ScanThreshold,
		"suggestion_lower": s.deps.Review.Lower,
		"suggestion_upper": s.deps.Review.Upper,
	}
	if lastScan.Valid {
		stats["last_scan"] = lastScan.Time
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleReviewScan rescans pairs at the threshold and enriches them with
// diff metrics, as one background task.
func (s *Server) handleReviewScan(w http.ResponseWriter, r *http.Request) {
	threshold := intParam(r, "threshold", s.opts.ScanThreshold)
	id := s.deps.Tasks.Start("duplicate_scan", func(ctx context.Context, h *tasks.Handle) (any, error) {
		h.Message("scanning pairs")
		found, err := s.deps.Similarity.ScanDuplicatePairs(ctx, threshold, s.opts.MaxWorkers, h.Progress)
		if err != nil {
			return nil, err
		}
		metrics.DuplicatePairsScanned.Set(float64(found))
		h.Message("computing diff metrics")
		enriched, err := s.deps.Review.EnrichAll(ctx, threshold, h.Progress, h.Running)
		if err != nil {
			return nil, err
		}
		return map[string]int{"pairs": found, "enriched": enriched}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	// Per-request bound overrides act on a copy so concurrent requests do
	// not fight over the shared service.
	review := *s.deps.Review
	review.Lower = floatParam(r, "suggestion_lower", review.Lower)
	review.Upper = floatParam(r, "suggestion_upper", review.Upper)

	mode := r.URL.Query().Get("queue_mode")
	if mode == "" {
		mode = dupreview.ModeDistance
	}
	items, total, err := review.Queue(r.Context(), dupreview.QueueRequest{
		Threshold: intParam(r, "threshold", s.opts.ScanThreshold),
		Mode:      mode,
		Offset:    intParam(r, "offset", 0),
		Limit:     intParam(r, "limit", 50),
	})
	if err != nil {
		fail(w, err)
		return
	}

	type queueItemJSON struct {
		dupreview.QueueItem
		ImageA imageJSON `json:"image_a"`
		ImageB imageJSON `json:"image_b"`
	}
	out := make([]queueItemJSON, 0, len(items))
	for _, it := range items {
		a, err := s.deps.Store.ImageByID(r.Context(), it.Pair.ImageA)
		if err != nil {
			continue
		}
		b, err := s.deps.Store.ImageByID(r.Context(), it.Pair.ImageB)
		if err != nil {
			continue
		}
		out = append(out, queueItemJSON{
			QueueItem: it,
			ImageA:    s.toImageJSON(a),
			ImageB:    s.toImageJSON(b),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
}

func (s *Server) handleReviewCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actions []dupreview.Action `json:"actions"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Actions) == 0 {
		writeError(w, http.StatusBadRequest, "no actions given")
		return
	}
	actions := req.Actions
	id := s.deps.Tasks.Start("duplicate_commit", func(ctx context.Context, h *tasks.Handle) (any, error) {
		return s.deps.Review.Commit(ctx, actions, h.Progress, h.Running)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}
