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

	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/tasks"
)

// startTask submits fn and answers with its task id.
func (s *Server) startTask(w http.ResponseWriter, kind string, fn func(ctx context.Context, h *tasks.Handle) (any, error)) {
	id := s.deps.Tasks.Start(kind, fn)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleSystemScan(w http.ResponseWriter, r *http.Request) {
	s.startTask(w, "scan", func(ctx context.Context, h *tasks.Handle) (any, error) {
		return s.deps.Pipeline.Sweep(ctx, h.Progress, h.Running)
	})
}

func (s *Server) handleSystemRebuild(w http.ResponseWriter, r *http.Request) {
	s.startTask(w, "rebuild", func(ctx context.Context, h *tasks.Handle) (any, error) {
		return s.deps.Rebuild.Full(ctx, h.Progress, h.Running)
	})
}

// handleSystemRebuildCategorized regenerates every image's denormalized
// category columns from the normalized relation.
func (s *Server) handleSystemRebuildCategorized(w http.ResponseWriter, r *http.Request) {
	s.startTask(w, "rebuild_categorized", func(ctx context.Context, h *tasks.Handle) (any, error) {
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
		return map[string]int{"images": len(images)}, nil
	})
}

func (s *Server) handleSystemRecategorize(w http.ResponseWriter, r *http.Request) {
	moved, err := s.deps.Repo.Recategorize(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

func (s *Server) handleSystemThumbnails(w http.ResponseWriter, r *http.Request) {
	s.startTask(w, "thumbnails", func(ctx context.Context, h *tasks.Handle) (any, error) {
		images, err := s.deps.Store.AllImages(ctx)
		if err != nil {
			return nil, err
		}
		generated, failed := 0, 0
		for i, img := range images {
			if !h.Running() {
				break
			}
			if _, err := os.Stat(s.deps.Thumbs.Path(img.Filepath)); err == nil {
				h.Progress(i+1, len(images))
				continue
			}
			if err := s.deps.Thumbs.Generate(ctx, img.Filepath, img.MD5); err != nil {
				failed++
			} else {
				generated++
			}
			h.Progress(i+1, len(images))
		}
		return map[string]int{"generated": generated, "failed": failed}, nil
	})
}

// handleSystemReindex reloads the in-memory semantic index from the stored
// embeddings.
func (s *Server) handleSystemReindex(w http.ResponseWriter, r *http.Request) {
	vectors, err := s.deps.Store.AllEmbeddings(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	s.deps.Index.Rebuild(vectors)
	writeJSON(w, http.StatusOK, map[string]int{"indexed": len(vectors)})
}

func (s *Server) handleSystemDeduplicate(w http.ResponseWriter, r *http.Request) {
	threshold := intParam(r, "threshold", s.opts.ScanThreshold)
	s.startTask(w, "deduplicate", func(ctx context.Context, h *tasks.Handle) (any, error) {
		found, err := s.deps.Similarity.ScanDuplicatePairs(ctx, threshold, s.opts.MaxWorkers, h.Progress)
		if err != nil {
			return nil, err
		}
		enriched, err := s.deps.Review.EnrichAll(ctx, threshold, h.Progress, h.Running)
		if err != nil {
			return nil, err
		}
		return map[string]int{"pairs": found, "enriched": enriched}, nil
	})
}

// handleSystemCleanOrphans drops catalog rows whose file vanished and
// prunes tags with no remaining usages.
func (s *Server) handleSystemCleanOrphans(w http.ResponseWriter, r *http.Request) {
	s.startTask(w, "clean_orphans", func(ctx context.Context, h *tasks.Handle) (any, error) {
		images, err := s.deps.Store.AllImages(ctx)
		if err != nil {
			return nil, err
		}
		removed := 0
		for i, img := range images {
			if !h.Running() {
				break
			}
			if _, err := os.Stat(img.Filepath); err == nil || !os.IsNotExist(err) {
				h.Progress(i+1, len(images))
				continue
			}
			imgID := img.ID
			err := s.deps.Store.WithTx(ctx, func(tx *sql.Tx) error {
				return catalog.DeleteImageTx(ctx, tx, imgID)
			})
			if err != nil {
				return nil, err
			}
			if s.deps.Index != nil {
				s.deps.Index.Remove(imgID)
			}
			if s.deps.Cache != nil {
				s.deps.Cache.RemoveImage(imgID)
			}
			removed++
			h.Progress(i+1, len(images))
		}
		pruned, err := s.deps.Store.PruneOrphanTags(ctx)
		if err != nil {
			return nil, err
		}
		s.invalidateAll(ctx)
		return map[string]int64{"removed": int64(removed), "pruned_tags": pruned}, nil
	})
}

func (s *Server) handleSystemApplyMerged(w http.ResponseWriter, r *http.Request) {
	s.startTask(w, "apply_merged", func(ctx context.Context, h *tasks.Handle) (any, error) {
		images, err := s.deps.Store.AllImages(ctx)
		if err != nil {
			return nil, err
		}
		merged, skipped := 0, 0
		for i, img := range images {
			if !h.Running() {
				break
			}
			srcs, err := s.deps.Store.SourcesForImage(ctx, img.ID)
			if err != nil {
				return nil, err
			}
			if len(srcs) < 2 {
				skipped++
				h.Progress(i+1, len(images))
				continue
			}
			if err := s.deps.Repo.SwitchSource(ctx, img.Filepath, catalog.MergedSource); err != nil {
				skipped++
			} else {
				merged++
			}
			h.Progress(i+1, len(images))
		}
		s.invalidateAll(ctx)
		return map[string]int{"merged": merged, "skipped": skipped}, nil
	})
}

func (s *Server) handleSystemRecountTags(w http.ResponseWriter, r *http.Request) {
	pruned, err := s.deps.Repo.RecountTags(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pruned": pruned})
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	started := s.StartWatcher()
	writeJSON(w, http.StatusOK, map[string]any{"running": s.watcherRunning(), "started": started})
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.StopWatcher()
	writeJSON(w, http.StatusOK, map[string]any{"running": s.watcherRunning(), "stopped": stopped})
}

// handleBrokenImages reports rows with missing hashes or bad embeddings,
// feeding the retry/delete tooling.
func (s *Server) handleBrokenImages(w http.ResponseWriter, r *http.Request) {
	broken, err := s.deps.Store.BrokenImages(r.Context(), s.opts.EmbeddingDim)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"broken": broken, "total": len(broken)})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	total, err := s.deps.Store.ImageCount(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"images":          total,
		"active_tasks":    s.deps.Tasks.ActiveCount(),
		"watcher_running": s.watcherRunning(),
		"authenticated":   s.hasSession(r),
	})
}

func (s *Server) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.deps.Ring.Lines()})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("task_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	rec, ok := s.deps.Tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task "+id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
