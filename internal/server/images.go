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
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/ingest"
	"github.com/hoardapp/hoard/internal/tasks"
)

// imageJSON is the wire shape of one catalog image.
type imageJSON struct {
	ID           int64               `json:"id"`
	Path         string              `json:"path"`
	Thumb        string              `json:"thumb"`
	MD5          string              `json:"md5"`
	Width        int                 `json:"width"`
	Height       int                 `json:"height"`
	Rating       string              `json:"rating"`
	ActiveSource string              `json:"active_source"`
	Tags         map[string][]string `json:"tags"`
}

// thumbURL maps an artifact to its public thumbnail URL; thumbnails mirror
// the image tree as .webp.
func (s *Server) thumbURL(img *catalog.Image) string {
	return "/thumbs/" + filepath.ToSlash(ingest.ThumbRelPath(s.opts.ImageDirectory, img.Filepath))
}

func (s *Server) toImageJSON(img *catalog.Image) imageJSON {
	tags := map[string][]string{}
	for cat, names := range img.Tags {
		if len(names) > 0 {
			tags[string(cat)] = names
		}
	}
	return imageJSON{
		ID:           img.ID,
		Path:         img.Filepath,
		Thumb:        s.thumbURL(img),
		MD5:          img.MD5,
		Width:        img.Width,
		Height:       img.Height,
		Rating:       img.Rating,
		ActiveSource: img.ActiveSource,
		Tags:         tags,
	}
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	page, err := s.deps.Query.Search(r.Context(),
		r.URL.Query().Get("query"),
		intParam(r, "page", 1),
		intParam(r, "per_page", 0))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	images := make([]imageJSON, 0, len(page.Images))
	for _, img := range page.Images {
		images = append(images, s.toImageJSON(img))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"images":        images,
		"page":          page.Page,
		"total_pages":   page.TotalPages,
		"total_results": page.TotalResults,
		"has_more":      page.HasMore,
	})
}

// handleHomepage serves a randomized page from the prebuilt homepage
// buffer instead of running a search.
func (s *Server) handleHomepage(w http.ResponseWriter, r *http.Request) {
	page, err := s.deps.Query.Homepage(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	images := make([]imageJSON, 0, len(page.Images))
	for _, img := range page.Images {
		images = append(images, s.toImageJSON(img))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"images":        images,
		"page":          page.Page,
		"total_pages":   page.TotalPages,
		"total_results": page.TotalResults,
		"has_more":      page.HasMore,
	})
}

// categorizedTagsFromWire maps the tags_character/... body keys onto base
// categories, ignoring unknown keys.
func categorizedTagsFromWire(in map[string][]string) catalog.CategorizedTags {
	out := catalog.CategorizedTags{}
	for key, names := range in {
		cat := catalog.Category(strings.TrimPrefix(key, "tags_"))
		if catalog.ValidCategory(cat) {
			out[cat] = names
		}
	}
	return out
}

func (s *Server) handleEditTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filepath string              `json:"filepath"`
		Tags     map[string][]string `json:"categorized_tags"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Filepath == "" {
		writeError(w, http.StatusBadRequest, "filepath is required")
		return
	}
	img, err := s.lookupImage(r.Context(), req.Filepath)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.deps.Repo.EditTags(r.Context(), img.Filepath, categorizedTagsFromWire(req.Tags)); err != nil {
		fail(w, err)
		return
	}
	updated, err := s.deps.Store.ImageByID(r.Context(), img.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"image": s.toImageJSON(updated)})
}

// deleteImage removes the file, its thumbnails and upscaled variant, the
// catalog row, and the in-memory cache entries.
func (s *Server) deleteImage(ctx context.Context, img *catalog.Image) error {
	err := s.deps.Store.WithTx(ctx, func(tx *sql.Tx) error {
		return catalog.DeleteImageTx(ctx, tx, img.ID)
	})
	if err != nil {
		return err
	}
	if err := os.Remove(img.Filepath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing image file")
	}
	if s.opts.ThumbDirectory != "" {
		os.Remove(filepath.Join(s.opts.ThumbDirectory,
			ingest.ThumbRelPath(s.opts.ImageDirectory, img.Filepath)))
	}
	if s.opts.UpscaledDir != "" {
		os.Remove(filepath.Join(s.opts.UpscaledDir, filepath.Base(img.Filepath)))
	}
	if s.deps.Index != nil {
		s.deps.Index.Remove(img.ID)
	}
	if s.deps.Cache != nil {
		s.deps.Cache.RemoveImage(img.ID)
	}
	return nil
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filepath string `json:"filepath"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	img, err := s.lookupImage(r.Context(), req.Filepath)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.deleteImage(r.Context(), img); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": img.ID})
}

func (s *Server) handleDeleteImagesBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filepaths []string `json:"filepaths"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	deleted := 0
	var failures []string
	for _, path := range req.Filepaths {
		img, err := s.lookupImage(r.Context(), path)
		if err == nil {
			err = s.deleteImage(r.Context(), img)
		}
		if err != nil {
			failures = append(failures, path+": "+err.Error())
			continue
		}
		deleted++
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "errors": failures})
}

func (s *Server) handleRetryTagging(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filepath          string `json:"filepath"`
		SkipLocalFallback bool   `json:"skip_local_fallback"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	img, err := s.lookupImage(r.Context(), req.Filepath)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.deps.Pipeline.Retag(r.Context(), img, req.SkipLocalFallback); err != nil {
		fail(w, err)
		return
	}
	updated, err := s.deps.Store.ImageByID(r.Context(), img.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"image": s.toImageJSON(updated)})
}

func (s *Server) handleBulkRetryTagging(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filepaths         []string `json:"filepaths"`
		SkipLocalFallback bool     `json:"skip_local_fallback"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	skip := req.SkipLocalFallback
	paths := req.Filepaths

	id := s.deps.Tasks.Start("retry_tagging", func(ctx context.Context, h *tasks.Handle) (any, error) {
		var targets []*catalog.Image
		if len(paths) > 0 {
			for _, p := range paths {
				img, err := s.lookupImage(ctx, p)
				if err != nil {
					return nil, err
				}
				targets = append(targets, img)
			}
		} else {
			all, err := s.deps.Store.AllImages(ctx)
			if err != nil {
				return nil, err
			}
			for _, img := range all {
				if img.ActiveSource == "" {
					targets = append(targets, img)
				}
			}
		}
		retagged, failed := 0, 0
		for i, img := range targets {
			if !h.Running() {
				break
			}
			if err := s.deps.Pipeline.Retag(ctx, img, skip); err != nil {
				failed++
			} else {
				retagged++
			}
			h.Progress(i+1, len(targets))
		}
		return map[string]int{"retagged": retagged, "failed": failed}, nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleSwitchSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filepath string `json:"filepath"`
		Source   string `json:"source"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	img, err := s.lookupImage(r.Context(), req.Filepath)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.deps.Repo.SwitchSource(r.Context(), img.Filepath, req.Source); err != nil {
		fail(w, err)
		return
	}
	updated, err := s.deps.Store.ImageByID(r.Context(), img.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"image": s.toImageJSON(updated)})
}

func (s *Server) handleClearDeltas(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filepath string `json:"filepath"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	img, err := s.lookupImage(r.Context(), req.Filepath)
	if err != nil {
		fail(w, err)
		return
	}
	n, err := s.deps.Repo.ClearDeltas(r.Context(), img.Filepath)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (s *Server) handleTagCategorizeSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string `json:"name"`
		Category         string `json:"category"`
		ExtendedCategory string `json:"extended_category"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	cat := catalog.Category(req.Category)
	if !catalog.ValidCategory(cat) {
		writeError(w, http.StatusBadRequest, "unknown category "+req.Category)
		return
	}
	if err := s.deps.Store.SetTagCategory(r.Context(), req.Name, cat, req.ExtendedCategory); err != nil {
		fail(w, err)
		return
	}
	s.invalidateAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTagCategorizeAuto(w http.ResponseWriter, r *http.Request) {
	moved, err := s.deps.Repo.Recategorize(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

func (s *Server) handleTagRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldName string `json:"old_name"`
		NewName string `json:"new_name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	newName := catalog.NormalizeTagName(req.NewName)
	if err := s.deps.Store.RenameTag(r.Context(), req.OldName, newName); err != nil {
		fail(w, err)
		return
	}
	s.invalidateAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": newName})
}

func (s *Server) handleTagMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Store.MergeTags(r.Context(), req.Source, req.Target); err != nil {
		fail(w, err)
		return
	}
	s.invalidateAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTagDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Store.DeleteTag(r.Context(), req.Name); err != nil {
		fail(w, err)
		return
	}
	s.invalidateAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) invalidateAll(ctx context.Context) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.InvalidateAll(ctx); err != nil {
		// The next debounced reload will catch up.
		return
	}
}

// pathImage resolves the {path} route variable to a catalog image.
func (s *Server) pathImage(w http.ResponseWriter, r *http.Request) (*catalog.Image, bool) {
	img, err := s.lookupImage(r.Context(), mux.Vars(r)["path"])
	if err != nil {
		fail(w, err)
		return nil, false
	}
	return img, true
}

func (s *Server) handleImageStats(w http.ResponseWriter, r *http.Request) {
	img, ok := s.pathImage(w, r)
	if !ok {
		return
	}
	srcs, err := s.deps.Store.SourcesForImage(r.Context(), img.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            img.ID,
		"md5":           img.MD5,
		"width":         img.Width,
		"height":        img.Height,
		"file_size":     img.FileSize,
		"created_at":    img.CreatedAt,
		"active_source": img.ActiveSource,
		"post_id":       img.PostID,
		"rating":        img.Rating,
		"score":         img.Score,
		"phash":         img.PHash,
		"colorhash":     img.ColorHash,
		"sources":       srcs,
	})
}

func (s *Server) handleImageDeltas(w http.ResponseWriter, r *http.Request) {
	img, ok := s.pathImage(w, r)
	if !ok {
		return
	}
	deltas, err := s.deps.Store.DeltasForMD5(r.Context(), img.MD5)
	if err != nil {
		fail(w, err)
		return
	}
	type deltaJSON struct {
		TagName   string `json:"tag_name"`
		Category  string `json:"category"`
		Op        string `json:"op"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]deltaJSON, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, deltaJSON{
			TagName:   d.TagName,
			Category:  string(d.Category),
			Op:        d.Op,
			CreatedAt: d.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deltas": out})
}

func (s *Server) handleImagePools(w http.ResponseWriter, r *http.Request) {
	img, ok := s.pathImage(w, r)
	if !ok {
		return
	}
	pools, err := s.deps.Store.PoolsForImage(r.Context(), img.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": pools})
}

func (s *Server) handleImageSimilar(w http.ResponseWriter, r *http.Request) {
	img, ok := s.pathImage(w, r)
	if !ok {
		return
	}
	matches, err := s.deps.Similarity.Similars(r.Context(), img.ID,
		catalog.SimVisual, s.opts.SimilarCacheSize)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"similar": s.matchesJSON(r.Context(), matches),
	})
}

func (s *Server) handleImageRelations(w http.ResponseWriter, r *http.Request) {
	img, ok := s.pathImage(w, r)
	if !ok {
		return
	}
	rels, err := s.deps.Store.RelationsForImage(r.Context(), img.ID)
	if err != nil {
		fail(w, err)
		return
	}
	type relJSON struct {
		Type   string `json:"type"`
		Other  int64  `json:"other_id"`
		Path   string `json:"path,omitempty"`
		Source string `json:"source"`
	}
	out := make([]relJSON, 0, len(rels))
	for _, rel := range rels {
		other := rel.ImageA
		if other == img.ID {
			other = rel.ImageB
		}
		rj := relJSON{Type: rel.Type, Other: other, Source: rel.Source}
		if o, err := s.deps.Store.ImageByID(r.Context(), other); err == nil {
			rj.Path = o.Filepath
		}
		out = append(out, rj)
	}
	writeJSON(w, http.StatusOK, map[string]any{"relations": out})
}
