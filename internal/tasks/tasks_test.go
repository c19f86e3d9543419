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

package tasks

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, m *Manager, id, status string) Record {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if r, ok := m.Get(id); ok && r.Status == status {
			return r
		}
		select {
		case <-deadline:
			r, _ := m.Get(id)
			t.Fatalf("task %s never reached %s (now %s)", id, status, r.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTaskLifecycle(t *testing.T) {
	m := NewManager(context.Background())
	id := m.Start("scan", func(ctx context.Context, h *Handle) (any, error) {
		h.Progress(5, 10)
		h.Message("halfway")
		return map[string]int{"pairs": 3}, nil
	})
	require.True(t, strings.HasPrefix(id, "scan-"))

	r := waitFor(t, m, id, StatusCompleted)
	require.Equal(t, 100, r.Progress)
	require.Empty(t, r.Error)
	require.NotNil(t, r.Result)
	require.Zero(t, m.ActiveCount())
}

func TestTaskFailure(t *testing.T) {
	m := NewManager(context.Background())
	id := m.Start("rebuild", func(ctx context.Context, h *Handle) (any, error) {
		return nil, errors.New("boom")
	})
	r := waitFor(t, m, id, StatusFailed)
	require.Equal(t, "boom", r.Error)
}

func TestCooperativeStop(t *testing.T) {
	m := NewManager(context.Background())
	started := make(chan struct{})
	id := m.Start("loop", func(ctx context.Context, h *Handle) (any, error) {
		close(started)
		for h.Running() {
			time.Sleep(time.Millisecond)
		}
		return "stopped", nil
	})
	<-started
	m.Stop(id)
	r := waitFor(t, m, id, StatusCompleted)
	require.Equal(t, "stopped", r.Result)
}

func TestPruneKeepsRunning(t *testing.T) {
	m := NewManager(context.Background())
	block := make(chan struct{})
	running := m.Start("long", func(ctx context.Context, h *Handle) (any, error) {
		<-block
		return nil, nil
	})
	done := m.Start("short", func(ctx context.Context, h *Handle) (any, error) {
		return nil, nil
	})
	waitFor(t, m, done, StatusCompleted)

	require.Equal(t, 1, m.Prune(0))
	_, ok := m.Get(done)
	require.False(t, ok)
	_, ok = m.Get(running)
	require.True(t, ok)
	close(block)
	waitFor(t, m, running, StatusCompleted)
}
