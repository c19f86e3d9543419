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

// Package ingest runs the artifact acquisition pipeline: filesystem
// watching, catalog sweeps, per-file enrichment through the source
// registry, and the single-transaction commit.
package ingest

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/config"
	"github.com/hoardapp/hoard/internal/hashing"
	"github.com/hoardapp/hoard/internal/metrics"
	"github.com/hoardapp/hoard/internal/semantic"
	"github.com/hoardapp/hoard/internal/sources"
	"github.com/hoardapp/hoard/internal/tagrepo"
)

// rejectSubdir under the ingest directory collects files whose commit
// failed for non-duplicate reasons.
const rejectSubdir = "rejected"

// artifactExtensions is the sweep filter; the watcher applies it too.
var artifactExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".webm": true, ".mp4": true, ".zip": true,
}

// Pipeline owns the worker pool and the commit path.
type Pipeline struct {
	store    *catalog.Store
	registry *sources.Registry
	engine   *hashing.Engine
	embedder semantic.Embedder
	index    *semantic.Index
	cache    *cachemgr.Manager
	thumbs   Thumbnailer

	imageDir  string
	ingestDir string
	workers   int
	priority  []string
	useMerged bool

	// OnlineOnly skips the local-tagger fallback (step 6); the Pixiv merge
	// (step 5) still runs the tagger because Pixiv carries no usable tags.
	OnlineOnly bool

	clk       clock.Clock
	debouncer *Debouncer
	wg        sync.WaitGroup
}

// New wires the pipeline. embedder, index, cache, and thumbs may be nil;
// the matching steps are skipped.
func New(store *catalog.Store, registry *sources.Registry, engine *hashing.Engine,
	embedder semantic.Embedder, index *semantic.Index, cache *cachemgr.Manager,
	thumbs Thumbnailer, opts *config.Options, clk clock.Clock,
) *Pipeline {
	p := &Pipeline{
		store:     store,
		registry:  registry,
		engine:    engine,
		embedder:  embedder,
		index:     index,
		cache:     cache,
		thumbs:    thumbs,
		imageDir:  opts.ImageDirectory,
		ingestDir: opts.IngestDirectory,
		workers:   opts.MaxWorkers,
		priority:  opts.BooruPriority,
		useMerged: opts.UseMergedSources,
	}
	if clk == nil {
		clk = clock.New()
	}
	p.clk = clk
	quiet := time.Duration(config.DefaultDebounceQuietSeconds) * time.Second
	p.debouncer = NewDebouncer(clk, quiet, func() {
		if p.cache == nil {
			return
		}
		if err := p.cache.InvalidateAll(context.Background()); err != nil {
			logrus.WithError(err).Warn("debounced cache reload failed")
		}
	})
	return p
}

// job is one file handed to the pool. staged files came through the ingest
// directory and move into the managed tree on commit.
type job struct {
	path   string
	staged bool
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Seen       int `json:"seen"`
	Committed  int `json:"committed"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// Sweep enumerates both directories, processes everything not yet in the
// catalog through the pool, and runs one bulk cache reload at the end.
// progress and running follow the task-handle contract.
func (p *Pipeline) Sweep(ctx context.Context, progress func(done, total int), running func() bool) (*SweepResult, error) {
	var jobs []job
	for _, root := range []struct {
		dir    string
		staged bool
	}{{p.ingestDir, true}, {p.imageDir, false}} {
		if root.dir == "" {
			continue
		}
		found, err := enumerateArtifacts(root.dir)
		if err != nil {
			return nil, err
		}
		for _, path := range found {
			jobs = append(jobs, job{path: path, staged: root.staged})
		}
	}

	res := &SweepResult{Seen: len(jobs)}
	var mu sync.Mutex
	done := 0

	ch := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range ch {
				outcome := p.Process(ctx, j.path, j.staged)
				mu.Lock()
				done++
				switch outcome {
				case outcomeCommitted:
					res.Committed++
				case outcomeDuplicate:
					res.Duplicates++
				case outcomeFailed:
					res.Failed++
				}
				if progress != nil {
					progress(done, len(jobs))
				}
				mu.Unlock()
			}
		}()
	}
	for _, j := range jobs {
		if running != nil && !running() {
			break
		}
		select {
		case <-ctx.Done():
			close(ch)
			wg.Wait()
			return res, ctx.Err()
		case ch <- j:
		}
	}
	close(ch)
	wg.Wait()

	// Bulk path reloads directly instead of debouncing.
	if p.cache != nil && res.Committed > 0 {
		if err := p.cache.InvalidateAll(ctx); err != nil {
			return res, err
		}
	}
	logrus.WithFields(logrus.Fields{
		"seen":       res.Seen,
		"committed":  res.Committed,
		"duplicates": res.Duplicates,
		"failed":     res.Failed,
	}).Info("ingest sweep finished")
	return res, nil
}

type outcome int

const (
	outcomeCommitted outcome = iota
	outcomeDuplicate
	outcomeSkipped
	outcomeFailed
)

// Process runs the full per-file contract: analyze, commit, thumbnail,
// debounced invalidation. Failures are logged, never propagated, so one
// bad file cannot halt the pool.
func (p *Pipeline) Process(ctx context.Context, path string, staged bool) outcome {
	out, err := p.processFile(ctx, path, staged)
	if err != nil {
		logrus.WithField("path", path).WithError(err).Error("ingest failed")
	}
	return out
}

func (p *Pipeline) processFile(ctx context.Context, path string, staged bool) (outcome, error) {
	// In-place files already cataloged under this exact path are the
	// common sweep case; skip them before hashing.
	if !staged {
		if _, err := p.store.ImageByPath(ctx, path); err == nil {
			return outcomeSkipped, nil
		} else if !errors.Is(err, catalog.ErrNotFound) {
			return outcomeFailed, err
		}
	}

	sum, err := fileMD5(path)
	if err != nil {
		return outcomeFailed, err
	}
	exists, err := p.store.MD5Exists(ctx, sum)
	if err != nil {
		return outcomeFailed, err
	}
	if exists {
		return p.handleDuplicate(path, sum, staged)
	}

	work := p.analyze(ctx, path, sum, p.OnlineOnly)
	return p.commit(ctx, work, staged)
}

// analysis is everything the worker learned about one file. Hash and
// embedding failures leave their fields empty; the row still commits and
// surfaces in the broken-images report.
type analysis struct {
	path string
	md5  string

	results   map[string]*sources.Result
	selection *sources.Selection

	width, height int
	fileSize      int64
	phash         string
	colorhash     string
	embedding     []float32
}

// analyze performs steps 3-7 of the worker contract without touching
// shared state.
func (p *Pipeline) analyze(ctx context.Context, path, sum string, onlineOnly bool) *analysis {
	w := &analysis{path: path, md5: sum}

	w.results = p.registry.FetchAllByMD5(ctx, sum)
	if len(w.results) == 0 {
		p.resolveBySauceNAO(ctx, w)
	}
	if len(w.results) == 0 {
		p.resolveByPixiv(ctx, w)
	}
	if len(w.results) == 0 && !onlineOnly {
		if tagger := p.registry.LocalTagger(); tagger != nil {
			res, err := tagger.TagFile(ctx, path)
			if err != nil {
				logrus.WithField("path", path).WithError(err).Warn("local tagger fallback failed")
			} else {
				w.results = map[string]*sources.Result{sources.LocalTagger: res}
			}
		}
	}

	// The effective priority ends with the fallback providers so a
	// pixiv- or tagger-only result still selects.
	prio := append(append([]string{}, p.priority...), sources.Pixiv, sources.LocalTagger)
	w.selection = sources.SelectActive(w.results, prio, p.useMerged)

	if st, err := os.Stat(path); err == nil {
		w.fileSize = st.Size()
	}
	frame, err := p.engine.Frame(ctx, path, sum)
	if err != nil {
		logrus.WithField("path", path).WithError(err).Warn("frame extraction failed, committing without hashes")
		return w
	}
	b := frame.Bounds()
	w.width, w.height = b.Dx(), b.Dy()
	w.phash = hashing.PHash(frame)
	w.colorhash = hashing.ColorHash(frame)

	if p.embedder != nil {
		vec, err := p.embedder.EmbedFile(ctx, path)
		if err != nil {
			logrus.WithField("path", path).WithError(err).Warn("embedding failed, committing without one")
		} else {
			w.embedding = vec
		}
	}
	return w
}

// resolveBySauceNAO runs reverse image search and resolves each hit
// through the matching booru's post-id endpoint.
func (p *Pipeline) resolveBySauceNAO(ctx context.Context, w *analysis) {
	sauce := p.registry.SauceNAO()
	if sauce == nil {
		return
	}
	hits, err := sauce.Search(ctx, w.path)
	if err != nil {
		logrus.WithField("path", w.path).WithError(err).Warn("saucenao search failed")
		return
	}
	for _, hit := range hits {
		booru, ok := p.registry.Booru(hit.Provider)
		if !ok {
			continue
		}
		if _, have := w.results[hit.Provider]; have {
			continue
		}
		res, err := booru.FetchByPostID(ctx, hit.PostID)
		if err != nil {
			if !errors.Is(err, sources.ErrNotFound) {
				logrus.WithFields(logrus.Fields{
					"provider": hit.Provider,
					"post_id":  hit.PostID,
				}).WithError(err).Warn("resolving saucenao hit failed")
			}
			continue
		}
		if w.results == nil {
			w.results = map[string]*sources.Result{}
		}
		w.results[hit.Provider] = res
	}
}

// resolveByPixiv matches the filename against the pixiv naming scheme and,
// on a hit, always merges the local tagger's categorized tags in, because
// pixiv metadata has no booru-style tags.
func (p *Pipeline) resolveByPixiv(ctx context.Context, w *analysis) {
	id, ok := sources.PixivIDFromFilename(filepath.Base(w.path))
	if !ok {
		return
	}
	res, err := p.registry.Pixiv().FetchByPostID(ctx, id)
	if err != nil {
		if !errors.Is(err, sources.ErrNotFound) {
			logrus.WithField("illust_id", id).WithError(err).Warn("pixiv fetch failed")
		}
		return
	}
	w.results = map[string]*sources.Result{sources.Pixiv: res}

	tagger := p.registry.LocalTagger()
	if tagger == nil {
		return
	}
	tagged, err := tagger.TagFile(ctx, w.path)
	if err != nil {
		logrus.WithField("path", w.path).WithError(err).Warn("local tagger merge for pixiv failed")
		return
	}
	w.results[sources.LocalTagger] = tagged
	res.Tags = sources.MergeCategorized(res, tagged)
	if res.Rating == catalog.RatingUnknown || res.Rating == "" {
		res.Rating = tagged.Rating
	}
}

// commit moves a staged file into the managed tree and writes everything
// in one transaction. Integrity failures send the file to the reject
// directory; duplicates discovered at insert remove the staged copy.
func (p *Pipeline) commit(ctx context.Context, w *analysis, staged bool) (outcome, error) {
	dest := w.path
	if staged {
		dest = p.bucketPath(w.md5, filepath.Ext(w.path))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return outcomeFailed, errors.Wrap(err, "creating bucket directory")
		}
		if err := os.Rename(w.path, dest); err != nil {
			return outcomeFailed, errors.Wrap(err, "moving staged file")
		}
	}

	img := &catalog.Image{
		MD5:      w.md5,
		Filepath: dest,
		Width:    w.width,
		Height:   w.height,
		FileSize: w.fileSize,
		Tags:     catalog.CategorizedTags{},
	}
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := catalog.InsertImageTx(ctx, tx, img); err != nil {
			return err
		}
		for name, res := range w.results {
			if err := catalog.LinkSourceTx(ctx, tx, img.ID, name); err != nil {
				return err
			}
			if len(res.Raw) > 0 {
				if err := catalog.PutRawMetadataTx(ctx, tx, img.ID, name, res.Raw); err != nil {
					return err
				}
			}
		}
		if w.selection != nil {
			if err := tagrepo.ApplyDerivedTx(ctx, tx, img.ID, w.selection); err != nil {
				return err
			}
		}
		if w.phash != "" {
			if err := catalog.SetHashesTx(ctx, tx, img.ID, w.phash, w.colorhash); err != nil {
				return err
			}
		}
		if len(w.embedding) > 0 {
			if err := catalog.PutEmbeddingTx(ctx, tx, img.ID, w.embedding); err != nil {
				return err
			}
		}
		return catalog.RebuildDenormalizedTx(ctx, tx, img.ID)
	})
	switch {
	case errors.Is(err, catalog.ErrDuplicate):
		// Lost a race with a concurrent commit of the same bytes.
		return p.handleDuplicate(dest, w.md5, staged)
	case err != nil:
		p.reject(dest, staged)
		metrics.IngestRejects.Inc()
		return outcomeFailed, errors.Wrapf(err, "committing %s", dest)
	}

	if p.thumbs != nil {
		if terr := p.thumbs.Generate(ctx, dest, w.md5); terr != nil {
			logrus.WithField("path", dest).WithError(terr).Warn("thumbnail generation failed")
		}
	}
	if p.index != nil && len(w.embedding) > 0 {
		p.index.Add(img.ID, w.embedding)
	}
	metrics.IngestedImages.Inc()
	p.debouncer.Mark()
	logrus.WithFields(logrus.Fields{
		"path":   dest,
		"md5":    w.md5,
		"source": activeSourceOf(w.selection),
	}).Info("ingested image")
	return outcomeCommitted, nil
}

// Retag re-runs source resolution and tag derivation for an image already
// in the catalog, then replays its delta journal so manual edits survive.
// skipLocalFallback suppresses the local-tagger fallback for this call.
func (p *Pipeline) Retag(ctx context.Context, img *catalog.Image, skipLocalFallback bool) error {
	w := p.analyze(ctx, img.Filepath, img.MD5, skipLocalFallback || p.OnlineOnly)
	if len(w.results) == 0 {
		return errors.Errorf("no source matched %s", img.Filepath)
	}
	deltas, err := p.store.DeltasForMD5(ctx, img.MD5)
	if err != nil {
		return err
	}
	id := img.ID
	err = p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for name, res := range w.results {
			if err := catalog.LinkSourceTx(ctx, tx, id, name); err != nil {
				return err
			}
			if len(res.Raw) > 0 {
				if err := catalog.PutRawMetadataTx(ctx, tx, id, name, res.Raw); err != nil {
					return err
				}
			}
		}
		if w.selection != nil {
			if err := tagrepo.ApplyDerivedTx(ctx, tx, id, w.selection); err != nil {
				return err
			}
		}
		if w.phash != "" {
			if err := catalog.SetHashesTx(ctx, tx, id, w.phash, w.colorhash); err != nil {
				return err
			}
		}
		if len(w.embedding) > 0 {
			if err := catalog.PutEmbeddingTx(ctx, tx, id, w.embedding); err != nil {
				return err
			}
		}
		if err := tagrepo.ReplayDeltasTx(ctx, tx, id, deltas); err != nil {
			return err
		}
		return catalog.RebuildDenormalizedTx(ctx, tx, id)
	})
	if err != nil {
		return errors.Wrapf(err, "retagging %s", img.Filepath)
	}
	if p.index != nil && len(w.embedding) > 0 {
		p.index.Add(id, w.embedding)
	}
	if p.cache != nil {
		return p.cache.InvalidateImage(ctx, id)
	}
	return nil
}

// handleDuplicate discards staged duplicates and leaves in-place ones
// alone.
func (p *Pipeline) handleDuplicate(path, sum string, staged bool) (outcome, error) {
	metrics.IngestDuplicates.Inc()
	if staged {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return outcomeDuplicate, errors.Wrap(err, "removing staged duplicate")
		}
		logrus.WithFields(logrus.Fields{"path": path, "md5": sum}).Info("removed staged duplicate")
	} else {
		logrus.WithFields(logrus.Fields{"path": path, "md5": sum}).Info("duplicate already cataloged, leaving in place")
	}
	return outcomeDuplicate, nil
}

// reject moves a staged file into <ingest>/rejected; in-place files stay.
func (p *Pipeline) reject(path string, staged bool) {
	if !staged {
		return
	}
	dir := filepath.Join(p.ingestDir, rejectSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logrus.WithError(err).Warn("creating reject directory")
		return
	}
	if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil {
		logrus.WithField("path", path).WithError(err).Warn("moving file to reject directory")
	}
}

// bucketPath places a file under the managed tree bucketed by the first
// MD5 characters.
func (p *Pipeline) bucketPath(sum, ext string) string {
	return filepath.Join(p.imageDir, sum[:2], sum+strings.ToLower(ext))
}

func activeSourceOf(sel *sources.Selection) string {
	if sel == nil {
		return ""
	}
	return sel.ActiveSource
}

func enumerateArtifacts(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == rejectSubdir {
				return filepath.SkipDir
			}
			return nil
		}
		if artifactExtensions[strings.ToLower(filepath.Ext(path))] {
			out = append(out, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return out, errors.Wrapf(err, "walking %s", root)
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "opening file for hashing")
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hashing file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
