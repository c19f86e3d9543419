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

// Package server exposes the HTTP API: query and tag editing, similarity
// and duplicate review, the implication engine, and the system operations
// that submit background tasks.
package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/config"
	"github.com/hoardapp/hoard/internal/dupreview"
	"github.com/hoardapp/hoard/internal/hashing"
	"github.com/hoardapp/hoard/internal/ingest"
	"github.com/hoardapp/hoard/internal/monitor"
	"github.com/hoardapp/hoard/internal/query"
	"github.com/hoardapp/hoard/internal/rebuild"
	"github.com/hoardapp/hoard/internal/semantic"
	"github.com/hoardapp/hoard/internal/similarity"
	"github.com/hoardapp/hoard/internal/tagrepo"
	"github.com/hoardapp/hoard/internal/tasks"
)

// Deps bundles the services a Server routes to. Optional collaborators may
// be nil; the matching endpoints then return an error.
type Deps struct {
	Store        *catalog.Store
	Cache        *cachemgr.Manager
	Repo         *tagrepo.Repo
	Implications *tagrepo.Engine
	Query        *query.Service
	Similarity   *similarity.Service
	Review       *dupreview.Service
	Pipeline     *ingest.Pipeline
	Rebuild      *rebuild.Engine
	Tasks        *tasks.Manager
	Ring         *monitor.Ring
	Index        *semantic.Index
	Engine       *hashing.Engine
	Thumbs       ingest.Thumbnailer
}

// Server is the HTTP surface.
type Server struct {
	opts *config.Options
	deps Deps

	mu          sync.Mutex
	sessions    map[string]time.Time
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New wires the server.
func New(opts *config.Options, deps Deps) *Server {
	return &Server{
		opts:     opts,
		deps:     deps,
		sessions: map[string]time.Time{},
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if s.opts.ImageDirectory != "" {
		r.PathPrefix("/images/").Handler(
			http.StripPrefix("/images/", http.FileServer(http.Dir(s.opts.ImageDirectory))))
	}
	if s.opts.ThumbDirectory != "" {
		r.PathPrefix("/thumbs/").Handler(
			http.StripPrefix("/thumbs/", http.FileServer(http.Dir(s.opts.ThumbDirectory))))
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	// Image and tag endpoints.
	api.HandleFunc("/images", s.handleImages).Methods(http.MethodGet)
	api.HandleFunc("/homepage", noStore(s.handleHomepage)).Methods(http.MethodGet)
	api.HandleFunc("/edit_tags", s.secured(s.handleEditTags)).Methods(http.MethodPost)
	api.HandleFunc("/delete_image", s.secured(s.handleDeleteImage)).Methods(http.MethodPost)
	api.HandleFunc("/delete_images_bulk", s.secured(s.handleDeleteImagesBulk)).Methods(http.MethodPost)
	api.HandleFunc("/retry_tagging", s.secured(s.handleRetryTagging)).Methods(http.MethodPost)
	api.HandleFunc("/bulk_retry_tagging", s.secured(s.handleBulkRetryTagging)).Methods(http.MethodPost)
	api.HandleFunc("/switch_source", s.secured(s.handleSwitchSource)).Methods(http.MethodPost)
	api.HandleFunc("/clear_deltas", s.secured(s.handleClearDeltas)).Methods(http.MethodPost)
	api.HandleFunc("/tag_categorize/set", s.secured(s.handleTagCategorizeSet)).Methods(http.MethodPost)
	api.HandleFunc("/tag_categorize/auto", s.secured(s.handleTagCategorizeAuto)).Methods(http.MethodPost)
	api.HandleFunc("/tags/rename", s.secured(s.handleTagRename)).Methods(http.MethodPost)
	api.HandleFunc("/tags/merge", s.secured(s.handleTagMerge)).Methods(http.MethodPost)
	api.HandleFunc("/tags/delete", s.secured(s.handleTagDelete)).Methods(http.MethodPost)
	api.HandleFunc("/image/{path:.+}/stats", noStore(s.handleImageStats)).Methods(http.MethodGet)
	api.HandleFunc("/image/{path:.+}/deltas", noStore(s.handleImageDeltas)).Methods(http.MethodGet)
	api.HandleFunc("/image/{path:.+}/pools", noStore(s.handleImagePools)).Methods(http.MethodGet)
	api.HandleFunc("/image/{path:.+}/similar", noStore(s.handleImageSimilar)).Methods(http.MethodGet)
	api.HandleFunc("/image/{path:.+}/relations", noStore(s.handleImageRelations)).Methods(http.MethodGet)

	// Pools.
	api.HandleFunc("/pools", s.handlePools).Methods(http.MethodGet)
	api.HandleFunc("/pools/create", s.secured(s.handlePoolCreate)).Methods(http.MethodPost)
	api.HandleFunc("/pools/delete", s.secured(s.handlePoolDelete)).Methods(http.MethodPost)
	api.HandleFunc("/pools/add", s.secured(s.handlePoolAdd)).Methods(http.MethodPost)
	api.HandleFunc("/pools/remove", s.secured(s.handlePoolRemove)).Methods(http.MethodPost)
	api.HandleFunc("/pools/reorder", s.secured(s.handlePoolReorder)).Methods(http.MethodPost)
	api.HandleFunc("/pools/{name}/images", s.handlePoolImages).Methods(http.MethodGet)

	// Similarity endpoints.
	api.HandleFunc("/similar/{path:.+}", s.handleSimilar).Methods(http.MethodGet)
	api.HandleFunc("/similar-semantic/{path:.+}", s.handleSimilarSemantic).Methods(http.MethodGet)
	api.HandleFunc("/similar-blended/{path:.+}", s.handleSimilarBlended).Methods(http.MethodGet)
	api.HandleFunc("/duplicates", s.handleDuplicates).Methods(http.MethodGet)
	api.HandleFunc("/similarity/generate-hashes", s.secured(s.handleGenerateHashes)).Methods(http.MethodPost)
	api.HandleFunc("/similarity/stats", s.handleSimilarityStats).Methods(http.MethodGet)
	api.HandleFunc("/similarity/rebuild-cache", s.secured(s.handleRebuildSimilarsCache)).Methods(http.MethodPost)

	// Duplicate review.
	api.HandleFunc("/duplicate-review/cache-stats", s.handleReviewCacheStats).Methods(http.MethodGet)
	api.HandleFunc("/duplicate-review/scan", s.secured(s.handleReviewScan)).Methods(http.MethodPost)
	api.HandleFunc("/duplicate-review/queue", s.handleReviewQueue).Methods(http.MethodGet)
	api.HandleFunc("/duplicate-review/commit", s.secured(s.handleReviewCommit)).Methods(http.MethodPost)

	// Implications.
	api.HandleFunc("/implications/suggestions", s.handleImplicationSuggestions).Methods(http.MethodGet)
	api.HandleFunc("/implications/all", s.handleImplicationsAll).Methods(http.MethodGet)
	api.HandleFunc("/implications/for-tag/{name}", s.handleImplicationsForTag).Methods(http.MethodGet)
	api.HandleFunc("/implications/chain/{name}", s.handleImplicationChain).Methods(http.MethodGet)
	api.HandleFunc("/implications/preview", s.secured(s.handleImplicationPreview)).Methods(http.MethodPost)
	api.HandleFunc("/implications/create", s.secured(s.handleImplicationCreate)).Methods(http.MethodPost)
	api.HandleFunc("/implications/approve", s.secured(s.handleImplicationApprove)).Methods(http.MethodPost)
	api.HandleFunc("/implications/bulk-approve", s.secured(s.handleImplicationBulkApprove)).Methods(http.MethodPost)
	api.HandleFunc("/implications/auto-approve-pattern", s.secured(s.handleAutoApprovePattern)).Methods(http.MethodPost)
	api.HandleFunc("/implications/auto-approve-confident", s.secured(s.handleAutoApproveConfident)).Methods(http.MethodPost)
	api.HandleFunc("/implications/delete", s.secured(s.handleImplicationDelete)).Methods(http.MethodPost)
	api.HandleFunc("/implications/batch_apply", s.secured(s.handleImplicationBatchApply)).Methods(http.MethodPost)
	api.HandleFunc("/implications/clear-and-reapply", s.secured(s.handleImplicationsClearAndReapply)).Methods(http.MethodPost)
	api.HandleFunc("/implications/clear-tags", s.secured(s.handleImplicationsClearTags)).Methods(http.MethodPost)

	// System.
	api.HandleFunc("/system/scan", s.secured(s.handleSystemScan)).Methods(http.MethodPost)
	api.HandleFunc("/system/rebuild", s.secured(s.handleSystemRebuild)).Methods(http.MethodPost)
	api.HandleFunc("/system/rebuild_categorized", s.secured(s.handleSystemRebuildCategorized)).Methods(http.MethodPost)
	api.HandleFunc("/system/recategorize", s.secured(s.handleSystemRecategorize)).Methods(http.MethodPost)
	api.HandleFunc("/system/thumbnails", s.secured(s.handleSystemThumbnails)).Methods(http.MethodPost)
	api.HandleFunc("/system/reindex", s.secured(s.handleSystemReindex)).Methods(http.MethodPost)
	api.HandleFunc("/system/deduplicate", s.secured(s.handleSystemDeduplicate)).Methods(http.MethodPost)
	api.HandleFunc("/system/clean_orphans", s.secured(s.handleSystemCleanOrphans)).Methods(http.MethodPost)
	api.HandleFunc("/system/apply_merged_sources", s.secured(s.handleSystemApplyMerged)).Methods(http.MethodPost)
	api.HandleFunc("/system/recount_tags", s.secured(s.handleSystemRecountTags)).Methods(http.MethodPost)
	api.HandleFunc("/system/monitor/start", s.secured(s.handleMonitorStart)).Methods(http.MethodPost)
	api.HandleFunc("/system/monitor/stop", s.secured(s.handleMonitorStop)).Methods(http.MethodPost)
	api.HandleFunc("/system/broken_images", s.handleBrokenImages).Methods(http.MethodGet)
	api.HandleFunc("/system/status", s.handleSystemStatus).Methods(http.MethodGet)
	api.HandleFunc("/system/logs", s.handleSystemLogs).Methods(http.MethodGet)
	api.HandleFunc("/task_status", s.handleTaskStatus).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is cancelled, then shuts down within a bounded
// grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.opts.ListenAddr,
		Handler: s.Router(),
	}
	errc := make(chan error, 1)
	go func() {
		logrus.WithField("addr", s.opts.ListenAddr).Info("http server listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		s.StopWatcher()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errc:
		return errors.Wrap(err, "http server")
	}
}

// StartWatcher launches the ingest filesystem watcher. A second call while
// one is running is a no-op.
func (s *Server) StartWatcher() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchCancel != nil || s.deps.Pipeline == nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.watchCancel = cancel
	s.watchDone = done
	go func() {
		defer close(done)
		if err := s.deps.Pipeline.Run(ctx); err != nil {
			logrus.WithError(err).Error("ingest watcher exited")
		}
	}()
	return true
}

// StopWatcher stops the watcher and waits for it to drain.
func (s *Server) StopWatcher() bool {
	s.mu.Lock()
	cancel, done := s.watchCancel, s.watchDone
	s.watchCancel, s.watchDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (s *Server) watcherRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchCancel != nil
}

// lookupImage resolves a path captured from the URL to a catalog row. The
// stored filepath is absolute; clients may send it with the leading slash
// stripped by routing, or relative to the image directory.
func (s *Server) lookupImage(ctx context.Context, raw string) (*catalog.Image, error) {
	for _, cand := range pathCandidates(s.opts.ImageDirectory, raw) {
		img, err := s.deps.Store.ImageByPath(ctx, cand)
		if err == nil {
			return img, nil
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return nil, err
		}
	}
	return nil, catalog.ErrNotFound
}

func pathCandidates(imageDir, raw string) []string {
	out := []string{raw}
	if !strings.HasPrefix(raw, "/") {
		out = append(out, "/"+raw)
		if imageDir != "" {
			out = append(out, strings.TrimSuffix(imageDir, "/")+"/"+raw)
		}
	}
	return out
}
