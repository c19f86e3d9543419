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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// pollInterval is how often the debouncer checks for quiet.
const pollInterval = 250 * time.Millisecond

// Debouncer coalesces bursts of per-commit invalidation marks into one
// callback once the system has been quiet for the configured window. The
// clock is injectable so tests do not sleep.
type Debouncer struct {
	clk   clock.Clock
	quiet time.Duration
	fn    func()

	mu           sync.Mutex
	pending      bool
	lastActivity time.Time
}

// NewDebouncer builds a debouncer firing fn after quiet with no marks.
func NewDebouncer(clk clock.Clock, quiet time.Duration, fn func()) *Debouncer {
	if clk == nil {
		clk = clock.New()
	}
	return &Debouncer{clk: clk, quiet: quiet, fn: fn}
}

// Mark records activity and arms the debouncer.
func (d *Debouncer) Mark() {
	d.mu.Lock()
	d.pending = true
	d.lastActivity = d.clk.Now()
	d.mu.Unlock()
}

// Run polls until ctx is done, firing the callback whenever a pending mark
// has aged past the quiet window.
func (d *Debouncer) Run(ctx context.Context) {
	ticker := d.clk.Ticker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.takeExpired() {
				d.fn()
			}
		}
	}
}

func (d *Debouncer) takeExpired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pending || d.clk.Since(d.lastActivity) < d.quiet {
		return false
	}
	d.pending = false
	return true
}
