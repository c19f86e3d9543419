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
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/hoardapp/hoard/internal/catalog"
)

type poolJSON struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageCount  int    `json:"image_count"`
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.deps.Store.AllPools(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]poolJSON, 0, len(pools))
	for _, p := range pools {
		out = append(out, poolJSON{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			ImageCount:  p.ImageCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": out})
}

func (s *Server) handlePoolImages(w http.ResponseWriter, r *http.Request) {
	pool, err := s.deps.Store.PoolByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		fail(w, err)
		return
	}
	ids, err := s.deps.Store.PoolImageIDs(r.Context(), pool.ID)
	if err != nil {
		fail(w, err)
		return
	}
	images := make([]imageJSON, 0, len(ids))
	for _, id := range ids {
		img, err := s.deps.Store.ImageByID(r.Context(), id)
		if err != nil {
			continue
		}
		images = append(images, s.toImageJSON(img))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     pool.ID,
		"name":   pool.Name,
		"images": images,
	})
}

func (s *Server) handlePoolCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	id, err := s.deps.Store.CreatePool(r.Context(), req.Name, req.Description)
	if err != nil {
		if errors.Is(err, catalog.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "pool "+req.Name+" already exists")
			return
		}
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handlePoolDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Store.DeletePool(r.Context(), req.ID); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// poolAndImage resolves the shared {pool, filepath} request body.
func (s *Server) poolAndImage(w http.ResponseWriter, r *http.Request) (*catalog.Pool, *catalog.Image, bool) {
	var req struct {
		Pool     string `json:"pool"`
		Filepath string `json:"filepath"`
	}
	if !decodeJSON(w, r, &req) {
		return nil, nil, false
	}
	pool, err := s.deps.Store.PoolByName(r.Context(), req.Pool)
	if err != nil {
		fail(w, err)
		return nil, nil, false
	}
	img, err := s.lookupImage(r.Context(), req.Filepath)
	if err != nil {
		fail(w, err)
		return nil, nil, false
	}
	return pool, img, true
}

func (s *Server) handlePoolAdd(w http.ResponseWriter, r *http.Request) {
	pool, img, ok := s.poolAndImage(w, r)
	if !ok {
		return
	}
	err := s.deps.Store.AppendToPool(r.Context(), pool.ID, img.ID)
	if err != nil {
		if errors.Is(err, catalog.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "image already in pool")
			return
		}
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handlePoolRemove(w http.ResponseWriter, r *http.Request) {
	pool, img, ok := s.poolAndImage(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.RemoveFromPool(r.Context(), pool.ID, img.ID); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handlePoolReorder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       int64   `json:"id"`
		ImageIDs []int64 `json:"image_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	current, err := s.deps.Store.PoolImageIDs(r.Context(), req.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if len(req.ImageIDs) != len(current) {
		writeError(w, http.StatusBadRequest, "image_ids must be a permutation of the pool")
		return
	}
	members := map[int64]bool{}
	for _, id := range current {
		members[id] = true
	}
	for _, id := range req.ImageIDs {
		if !members[id] {
			writeError(w, http.StatusBadRequest, "image_ids must be a permutation of the pool")
			return
		}
	}
	if err := s.deps.Store.ReorderPool(r.Context(), req.ID, req.ImageIDs); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reordered"})
}
