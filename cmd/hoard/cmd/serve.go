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

package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/dupreview"
	"github.com/hoardapp/hoard/internal/hashing"
	"github.com/hoardapp/hoard/internal/ingest"
	"github.com/hoardapp/hoard/internal/monitor"
	"github.com/hoardapp/hoard/internal/query"
	"github.com/hoardapp/hoard/internal/rebuild"
	"github.com/hoardapp/hoard/internal/semantic"
	"github.com/hoardapp/hoard/internal/server"
	"github.com/hoardapp/hoard/internal/similarity"
	"github.com/hoardapp/hoard/internal/sources"
	"github.com/hoardapp/hoard/internal/tagrepo"
	"github.com/hoardapp/hoard/internal/tasks"
)

const shutdownGrace = 10 * time.Second

// serveCmd is the command when calling `hoard serve`.
var serveCmd = &cobra.Command{
	Use:           "serve",
	Short:         "Run the archive server and ingest watcher",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}

	store, err := catalog.Open(opts.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := hashing.NewEngine()
	if err != nil {
		return err
	}

	cache := cachemgr.New(store)
	index := semantic.NewIndex()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cache.InvalidateAll(ctx); err != nil {
		return errors.Wrap(err, "priming tag cache")
	}

	vectors, err := store.AllEmbeddings(ctx)
	if err != nil {
		return errors.Wrap(err, "loading embeddings")
	}
	index.Rebuild(vectors)

	var embedder semantic.Embedder
	if opts.SemanticEndpoint != "" {
		embedder = semantic.NewRemoteEmbedder(opts.SemanticEndpoint, opts.EmbeddingDim)
	}

	thumbs := ingest.NewWebPThumbnailer(engine, opts.ImageDirectory, opts.ThumbDirectory)
	pipeline := ingest.New(store, sources.NewRegistry(opts), engine,
		embedder, index, cache, thumbs, opts, nil)

	repo := tagrepo.NewRepo(store, cache, opts.BooruPriority, opts.UseMergedSources)
	implications := tagrepo.NewEngine(store, int64(opts.MinCoOccurrence), opts.MinConfidence)

	review := dupreview.NewService(store, engine)
	review.ThumbPath = thumbs.Path
	review.Lower = opts.SuggestionLower
	review.Upper = opts.SuggestionUpper
	review.CalibrationLog = opts.CalibrationLog
	review.OnImageDeleted = func(id int64) {
		cache.RemoveImage(id)
		index.Remove(id)
	}

	mgr := tasks.NewManager(ctx)
	defer mgr.Shutdown(shutdownGrace)

	ring := monitor.NewRing(256)
	logrus.AddHook(&monitor.Hook{Ring: ring})

	rebuilder := rebuild.New(store, repo, cache, opts.BooruPriority, opts.UseMergedSources)

	srv := server.New(opts, server.Deps{
		Store:        store,
		Cache:        cache,
		Repo:         repo,
		Implications: implications,
		Query:        query.NewService(store, cache, opts.ImagesPerPage),
		Similarity:   similarity.NewService(store, cache, index),
		Review:       review,
		Pipeline:     pipeline,
		Rebuild:      rebuilder,
		Tasks:        mgr,
		Ring:         ring,
		Index:        index,
		Engine:       engine,
		Thumbs:       thumbs,
	})
	rebuilder.PauseIngest = func() { srv.StopWatcher() }
	rebuilder.ResumeIngest = func() { srv.StartWatcher() }

	// A changed source priority list invalidates every derived tag set, so
	// the full rebuild runs before the server takes traffic.
	rebuilt, err := rebuild.NewMonitor(store, rebuilder, opts.PriorityHash()).CheckAndRebuild(ctx)
	if err != nil {
		return errors.Wrap(err, "priority rebuild check")
	}
	if rebuilt {
		logrus.Info("source priority changed, catalog rebuilt")
	}

	srv.StartWatcher()
	return srv.Run(ctx)
}
