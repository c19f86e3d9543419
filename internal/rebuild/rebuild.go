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

// Package rebuild re-derives the whole tag state of the catalog from the
// retained raw metadata blobs, then replays the delta journal so manual
// edits survive. The priority monitor lives here too: it triggers a full
// rebuild whenever the configured source priority changes between runs.
package rebuild

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/sources"
	"github.com/hoardapp/hoard/internal/tagrepo"
)

// Engine runs full catalog rebuilds. It never touches the raw metadata
// blobs, the pools, or the relation graph; only derived tag state is
// rewritten.
type Engine struct {
	store *catalog.Store
	repo  *tagrepo.Repo
	cache *cachemgr.Manager

	priority  []string
	useMerged bool

	// PauseIngest and ResumeIngest, when set, quiesce the filesystem
	// watcher around the rebuild so workers do not commit into a
	// half-cleared tag table.
	PauseIngest  func()
	ResumeIngest func()
}

// New wires the engine. cache may be nil.
func New(store *catalog.Store, repo *tagrepo.Repo, cache *cachemgr.Manager, priority []string, useMerged bool) *Engine {
	return &Engine{
		store:     store,
		repo:      repo,
		cache:     cache,
		priority:  priority,
		useMerged: useMerged,
	}
}

// Result summarizes one full rebuild.
type Result struct {
	Images         int `json:"images"`
	Sourced        int `json:"sourced"`
	ParseFailures  int `json:"parse_failures"`
	Recategorized  int `json:"recategorized"`
	ReplayedImages int `json:"replayed_images"`
	ReplayedDeltas int `json:"replayed_deltas"`
}

// Full clears the normalized relation, the source links, and the tags
// table, reinserts everything from each image's retained raw metadata
// honoring the priority order and the merged-default setting, then runs
// recategorization and replays the delta journal. progress and running
// follow the task-handle contract. Idempotent; may be re-run at any time.
func (e *Engine) Full(ctx context.Context, progress func(done, total int), running func() bool) (*Result, error) {
	if e.PauseIngest != nil {
		e.PauseIngest()
	}
	if e.ResumeIngest != nil {
		defer e.ResumeIngest()
	}

	images, err := e.store.AllImages(ctx)
	if err != nil {
		return nil, err
	}
	// Snapshot the journal up front: replay must not pick up edits made
	// while the rebuild is in flight.
	deltas, err := e.store.AllDeltas(ctx)
	if err != nil {
		return nil, err
	}
	byMD5 := map[string][]catalog.Delta{}
	for _, d := range deltas {
		byMD5[d.MD5] = append(byMD5[d.MD5], d)
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return catalog.ClearAllImageTagsTx(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	logrus.WithField("images", len(images)).Info("tag state cleared, re-deriving from raw metadata")

	// The fallback providers trail the configured order, same as ingest.
	prio := append(append([]string{}, e.priority...), sources.Pixiv, sources.LocalTagger)

	res := &Result{Images: len(images)}
	for i, img := range images {
		if running != nil && !running() {
			return res, errors.New("rebuild cancelled")
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.rebuildImage(ctx, img, prio, res); err != nil {
			return res, errors.Wrapf(err, "rebuilding image %d", img.ID)
		}
		if progress != nil {
			progress(i+1, len(images))
		}
	}

	moved, err := e.repo.Recategorize(ctx)
	if err != nil {
		return res, err
	}
	res.Recategorized = moved

	for _, img := range images {
		ds := byMD5[img.MD5]
		if len(ds) == 0 {
			continue
		}
		id := img.ID
		err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := tagrepo.ReplayDeltasTx(ctx, tx, id, ds); err != nil {
				return err
			}
			return catalog.RebuildDenormalizedTx(ctx, tx, id)
		})
		if err != nil {
			return res, errors.Wrapf(err, "replaying deltas for image %d", id)
		}
		res.ReplayedImages++
		res.ReplayedDeltas += len(ds)
	}

	if e.cache != nil {
		if err := e.cache.InvalidateAll(ctx); err != nil {
			return res, err
		}
	}
	logrus.WithFields(logrus.Fields{
		"images":          res.Images,
		"sourced":         res.Sourced,
		"parse_failures":  res.ParseFailures,
		"recategorized":   res.Recategorized,
		"replayed_images": res.ReplayedImages,
	}).Info("full rebuild finished")
	return res, nil
}

func (e *Engine) rebuildImage(ctx context.Context, img *catalog.Image, prio []string, res *Result) error {
	raws, err := e.store.RawMetadata(ctx, img.ID)
	if err != nil {
		return err
	}
	results := map[string]*sources.Result{}
	for source, raw := range raws {
		parsed, perr := sources.ParseStored(source, raw)
		if perr != nil {
			logrus.WithFields(logrus.Fields{
				"image_id": img.ID,
				"source":   source,
			}).WithError(perr).Warn("stored metadata did not parse, skipping source")
			res.ParseFailures++
			continue
		}
		results[source] = parsed
	}
	sel := sources.SelectActive(results, prio, e.useMerged)
	if sel != nil {
		res.Sourced++
	}
	id := img.ID
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		for source := range results {
			if err := catalog.LinkSourceTx(ctx, tx, id, source); err != nil {
				return err
			}
		}
		if sel != nil {
			if err := tagrepo.ApplyDerivedTx(ctx, tx, id, sel); err != nil {
				return err
			}
		}
		return catalog.RebuildDenormalizedTx(ctx, tx, id)
	})
}
