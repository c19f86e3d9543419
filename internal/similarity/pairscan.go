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

package similarity

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/hashing"
)

const (
	// singleThreadedBelow skips the worker pool for small catalogs where
	// goroutine bookkeeping costs more than the scan itself.
	singleThreadedBelow = 500

	// scanChunkSize is the outer-index stride handed to each worker.
	scanChunkSize = 256
)

type hashEntry struct {
	id   int64
	bits uint64
}

// ScanDuplicatePairs walks all n(n-1)/2 pHash pairs, collects those within
// threshold, and atomically replaces the duplicate-pair cache. progress, if
// non-nil, is called with (done, total) outer rows. Returns the number of
// pairs found.
func (s *Service) ScanDuplicatePairs(ctx context.Context, threshold, workers int, progress func(done, total int)) (int, error) {
	start := time.Now()
	raw, err := s.store.AllPHashes(ctx)
	if err != nil {
		return 0, err
	}
	entries := make([]hashEntry, 0, len(raw))
	for _, e := range raw {
		bits, err := hashing.ParsePHash(e.PHash)
		if err != nil {
			logrus.WithField("image_id", e.ID).WithError(err).Warn("skipping unparseable phash")
			continue
		}
		entries = append(entries, hashEntry{id: e.ID, bits: bits})
	}

	var pairs []catalog.DuplicatePair
	if len(entries) < singleThreadedBelow {
		pairs = scanChunk(entries, 0, len(entries), threshold, progress, len(entries))
	} else {
		pairs = scanParallel(ctx, entries, threshold, workers, progress)
	}

	now := time.Now()
	for i := range pairs {
		pairs[i].ThresholdAtScan = threshold
		pairs[i].ComputedAt = now
	}
	if err := s.store.ReplaceDuplicatePairs(ctx, pairs); err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{
		"hashes":    len(entries),
		"pairs":     len(pairs),
		"threshold": threshold,
		"took":      time.Since(start).Round(time.Millisecond),
	}).Info("duplicate pair scan complete")
	return len(pairs), nil
}

// scanChunk compares rows [lo,hi) against all later rows.
func scanChunk(entries []hashEntry, lo, hi, threshold int, progress func(done, total int), total int) []catalog.DuplicatePair {
	var out []catalog.DuplicatePair
	for i := lo; i < hi; i++ {
		for j := i + 1; j < len(entries); j++ {
			if d := hashing.Hamming(entries[i].bits, entries[j].bits); d <= threshold {
				a, b := catalog.OrderedPair(entries[i].id, entries[j].id)
				out = append(out, catalog.DuplicatePair{ImageA: a, ImageB: b, Distance: d})
			}
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	return out
}

// scanParallel chunks the outer index across a bounded worker pool. Chunks
// flow through a channel; workers drain it and merge results under a lock.
func scanParallel(ctx context.Context, entries []hashEntry, threshold, workers int, progress func(done, total int)) []catalog.DuplicatePair {
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	type chunk struct{ lo, hi int }
	chunks := make(chan chunk, workers)
	go func() {
		defer close(chunks)
		for lo := 0; lo < len(entries); lo += scanChunkSize {
			hi := lo + scanChunkSize
			if hi > len(entries) {
				hi = len(entries)
			}
			select {
			case chunks <- chunk{lo, hi}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		mu    sync.Mutex
		pairs []catalog.DuplicatePair
		done  int
		wg    sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range chunks {
				found := scanChunk(entries, c.lo, c.hi, threshold, nil, 0)
				mu.Lock()
				pairs = append(pairs, found...)
				done += c.hi - c.lo
				d := done
				mu.Unlock()
				if progress != nil {
					progress(d, len(entries))
				}
			}
		}()
	}
	wg.Wait()
	return pairs
}
