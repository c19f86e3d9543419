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

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/tagrepo"
	"github.com/hoardapp/hoard/internal/tasks"
)

type ruleJSON struct {
	ID            int64   `json:"id"`
	SourceTag     string  `json:"source_tag"`
	ImpliedTag    string  `json:"implied_tag"`
	InferenceType string  `json:"inference_type"`
	Confidence    float64 `json:"confidence"`
	Status        string  `json:"status"`
}

func rulesJSON(rules []catalog.ImplicationRule) []ruleJSON {
	out := make([]ruleJSON, 0, len(rules))
	for _, r := range rules {
		out = append(out, ruleJSON{
			ID:            r.ID,
			SourceTag:     r.SourceTag,
			ImpliedTag:    r.ImpliedTag,
			InferenceType: r.InferenceType,
			Confidence:    r.Confidence,
			Status:        r.Status,
		})
	}
	return out
}

func (s *Server) handleImplicationSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := s.deps.Implications.Suggestions(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	if t := r.URL.Query().Get("type"); t != "" {
		kept := suggestions[:0]
		for _, sg := range suggestions {
			if sg.InferenceType == t {
				kept = append(kept, sg)
			}
		}
		suggestions = kept
	}
	if cats := categoryFilter(r, "source_categories[]"); cats != nil {
		kept := suggestions[:0]
		for _, sg := range suggestions {
			if cats[s.tagCategory(sg.SourceTag)] {
				kept = append(kept, sg)
			}
		}
		suggestions = kept
	}
	if cats := categoryFilter(r, "implied_categories[]"); cats != nil {
		kept := suggestions[:0]
		for _, sg := range suggestions {
			if cats[s.tagCategory(sg.ImpliedTag)] {
				kept = append(kept, sg)
			}
		}
		suggestions = kept
	}

	page := intParam(r, "page", 1)
	limit := intParam(r, "limit", 50)
	if page < 1 {
		page = 1
	}
	total := len(suggestions)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": suggestions[start:end],
		"page":        page,
		"total":       total,
	})
}

// categoryFilter reads a repeated category query param into a set; nil
// means the filter is absent.
func categoryFilter(r *http.Request, key string) map[catalog.Category]bool {
	values := r.URL.Query()[key]
	if len(values) == 0 {
		return nil
	}
	out := map[catalog.Category]bool{}
	for _, v := range values {
		out[catalog.Category(v)] = true
	}
	return out
}

func (s *Server) tagCategory(name string) catalog.Category {
	id, ok := s.deps.Cache.TagID(name)
	if !ok {
		return ""
	}
	cat, _, ok := s.deps.Cache.TagCategory(id)
	if !ok {
		return ""
	}
	return cat
}

func (s *Server) handleImplicationsAll(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.AllImplications(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"implications": rulesJSON(rules)})
}

func (s *Server) handleImplicationsForTag(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.ImplicationsForTag(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"implications": rulesJSON(rules)})
}

func (s *Server) handleImplicationChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.deps.Implications.Chain(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chain": chain})
}

func (s *Server) handleImplicationPreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceTag  string `json:"source_tag"`
		ImpliedTag string `json:"implied_tag"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	closure, err := s.deps.Implications.Preview(r.Context(), req.SourceTag, req.ImpliedTag)
	if err != nil {
		if errors.Is(err, tagrepo.ErrCircularImplication) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"would_imply": closure})
}

// createRule inserts one implication and applies it to existing images.
func (s *Server) createRule(ctx context.Context, rule *catalog.ImplicationRule) (int, error) {
	if err := s.deps.Implications.Create(ctx, rule); err != nil {
		return 0, err
	}
	applied, err := s.deps.Implications.ApplyToExisting(ctx, rule.ID)
	if err != nil {
		return 0, err
	}
	s.invalidateAll(ctx)
	return applied, nil
}

func (s *Server) handleImplicationCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceTag  string `json:"source_tag"`
		ImpliedTag string `json:"implied_tag"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SourceTag == "" || req.ImpliedTag == "" {
		writeError(w, http.StatusBadRequest, "source_tag and implied_tag are required")
		return
	}
	rule := &catalog.ImplicationRule{
		SourceTag:  catalog.NormalizeTagName(req.SourceTag),
		ImpliedTag: catalog.NormalizeTagName(req.ImpliedTag),
	}
	applied, err := s.createRule(r.Context(), rule)
	if err != nil {
		if errors.Is(err, tagrepo.ErrCircularImplication) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": rule.ID, "applied": applied})
}

// approveSuggestion turns one mined suggestion into an active rule.
func (s *Server) approveSuggestion(ctx context.Context, sg tagrepo.Suggestion) (int, error) {
	rule := &catalog.ImplicationRule{
		SourceTag:     sg.SourceTag,
		ImpliedTag:    sg.ImpliedTag,
		InferenceType: sg.InferenceType,
		Confidence:    sg.Confidence,
	}
	return s.createRule(ctx, rule)
}

func (s *Server) handleImplicationApprove(w http.ResponseWriter, r *http.Request) {
	var req tagrepo.Suggestion
	if !decodeJSON(w, r, &req) {
		return
	}
	applied, err := s.approveSuggestion(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func (s *Server) handleImplicationBulkApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Suggestions []tagrepo.Suggestion `json:"suggestions"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	approved, applied := 0, 0
	var failures []string
	for _, sg := range req.Suggestions {
		n, err := s.approveSuggestion(r.Context(), sg)
		if err != nil {
			failures = append(failures, sg.SourceTag+" -> "+sg.ImpliedTag+": "+err.Error())
			continue
		}
		approved++
		applied += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approved": approved,
		"applied":  applied,
		"errors":   failures,
	})
}

// autoApprove approves every current suggestion passing keep.
func (s *Server) autoApprove(w http.ResponseWriter, r *http.Request, keep func(tagrepo.Suggestion) bool) {
	suggestions, err := s.deps.Implications.Suggestions(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	approved := 0
	var failures []string
	for _, sg := range suggestions {
		if !keep(sg) {
			continue
		}
		if _, err := s.approveSuggestion(r.Context(), sg); err != nil {
			failures = append(failures, sg.SourceTag+": "+err.Error())
			continue
		}
		approved++
	}
	writeJSON(w, http.StatusOK, map[string]any{"approved": approved, "errors": failures})
}

func (s *Server) handleAutoApprovePattern(w http.ResponseWriter, r *http.Request) {
	s.autoApprove(w, r, func(sg tagrepo.Suggestion) bool {
		return sg.InferenceType != catalog.InferenceCorrelation
	})
}

func (s *Server) handleAutoApproveConfident(w http.ResponseWriter, r *http.Request) {
	min := floatParam(r, "min_confidence", s.opts.MinConfidence)
	s.autoApprove(w, r, func(sg tagrepo.Suggestion) bool {
		return sg.Confidence >= min
	})
}

func (s *Server) handleImplicationDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Store.DeleteImplication(r.Context(), req.ID); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImplicationBatchApply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	applied := 0
	for _, id := range req.IDs {
		n, err := s.deps.Implications.ApplyToExisting(r.Context(), id)
		if err != nil {
			fail(w, err)
			return
		}
		applied += n
	}
	s.invalidateAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func (s *Server) handleImplicationsClearAndReapply(w http.ResponseWriter, r *http.Request) {
	id := s.deps.Tasks.Start("implications_reapply", func(ctx context.Context, h *tasks.Handle) (any, error) {
		touched, err := s.deps.Implications.ClearAndReapply(ctx, h.Progress, h.Running)
		if err != nil {
			return nil, err
		}
		s.invalidateAll(ctx)
		return map[string]int{"touched": touched}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleImplicationsClearTags(w http.ResponseWriter, r *http.Request) {
	var cleared int64
	id := s.deps.Tasks.Start("implications_clear", func(ctx context.Context, h *tasks.Handle) (any, error) {
		err := s.deps.Store.WithTx(ctx, func(tx *sql.Tx) error {
			n, err := catalog.ClearImplicationTuplesTx(ctx, tx)
			cleared = n
			return err
		})
		if err != nil {
			return nil, err
		}
		// The denormalized columns still carry the cleared names.
		images, err := s.deps.Store.AllImages(ctx)
		if err != nil {
			return nil, err
		}
		for i, img := range images {
			if !h.Running() {
				break
			}
			imgID := img.ID
			err := s.deps.Store.WithTx(ctx, func(tx *sql.Tx) error {
				return catalog.RebuildDenormalizedTx(ctx, tx, imgID)
			})
			if err != nil {
				return nil, err
			}
			h.Progress(i+1, len(images))
		}
		s.invalidateAll(ctx)
		return map[string]int64{"cleared": cleared}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}
