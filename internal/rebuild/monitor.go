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

package rebuild

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/catalog"
)

// Monitor detects source-priority changes between runs via the hash stored
// in the config table and triggers a full rebuild when they differ.
type Monitor struct {
	store  *catalog.Store
	engine *Engine
	hash   string
}

// NewMonitor builds a monitor for the current configuration hash, as
// produced by the options' PriorityHash.
func NewMonitor(store *catalog.Store, engine *Engine, hash string) *Monitor {
	return &Monitor{store: store, engine: engine, hash: hash}
}

// CheckAndRebuild compares the configured hash with the stored one. The
// first-ever run just stores the hash. A mismatch runs a full rebuild and
// stores the new hash only after the rebuild succeeds, so a crash mid-way
// retries on the next startup. Returns whether a rebuild ran.
func (m *Monitor) CheckAndRebuild(ctx context.Context) (bool, error) {
	stored, err := m.store.GetConfig(ctx, catalog.ConfigKeyPriorityHash)
	if err != nil {
		return false, err
	}
	if stored == "" {
		return false, m.store.SetConfig(ctx, catalog.ConfigKeyPriorityHash, m.hash)
	}
	if stored == m.hash {
		return false, nil
	}

	logrus.WithFields(logrus.Fields{
		"stored":  stored,
		"current": m.hash,
	}).Info("source priority changed, running full rebuild")
	if _, err := m.engine.Full(ctx, nil, nil); err != nil {
		return false, errors.Wrap(err, "priority-change rebuild")
	}
	return true, m.store.SetConfig(ctx, catalog.ConfigKeyPriorityHash, m.hash)
}
