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

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// settleDelay gives a newly dropped file time to finish writing before the
// pool hashes it.
const settleDelay = time.Second

// Run watches both directories and feeds events through the worker pool
// until ctx is cancelled. The debouncer runs alongside so per-commit
// invalidation marks coalesce. Blocks until shutdown completes.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating filesystem watcher")
	}
	defer watcher.Close()

	for _, dir := range []string{p.ingestDir, p.imageDir} {
		if dir == "" {
			continue
		}
		if err := watchRecursive(watcher, dir); err != nil {
			return err
		}
	}

	jobs := make(chan job)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-jobs:
					p.Process(ctx, j.path, j.staged)
				}
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.debouncer.Run(ctx)
	}()

	logrus.WithFields(logrus.Fields{
		"ingest_dir": p.ingestDir,
		"image_dir":  p.imageDir,
		"workers":    p.workers,
	}).Info("ingest watcher started")

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				cancel()
				p.wg.Wait()
				return nil
			}
			p.handleEvent(ctx, watcher, ev, jobs)
		case werr, ok := <-watcher.Errors:
			if ok {
				logrus.WithError(werr).Warn("filesystem watcher error")
			}
		}
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, ev fsnotify.Event, jobs chan<- job) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if filepath.Base(ev.Name) == rejectSubdir {
			return
		}
		if err := watchRecursive(watcher, ev.Name); err != nil {
			logrus.WithField("dir", ev.Name).WithError(err).Warn("watching new directory failed")
		}
		return
	}
	if !artifactExtensions[strings.ToLower(filepath.Ext(ev.Name))] {
		return
	}

	staged := p.ingestDir != "" && strings.HasPrefix(ev.Name, p.ingestDir+string(os.PathSeparator))
	path := ev.Name
	p.clk.AfterFunc(settleDelay, func() {
		select {
		case <-ctx.Done():
		case jobs <- job{path: path, staged: staged}:
		}
	})
}

// watchRecursive registers dir and every subdirectory except the reject
// area; fsnotify watches are not recursive by themselves.
func watchRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == rejectSubdir {
			return filepath.SkipDir
		}
		return errors.Wrapf(w.Add(path), "watching %s", path)
	})
}
