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

// Package tasks runs long operations in the background and exposes their
// progress to the HTTP surface.
package tasks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/metrics"
)

// Status values of a task record.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is the externally visible state of one task.
type Record struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Handle is passed to the task function for progress reporting and
// cooperative cancellation.
type Handle struct {
	id  string
	m   *Manager
	ctx context.Context
}

// Running reports whether the task should keep going. Task loops poll this
// at iteration boundaries.
func (h *Handle) Running() bool {
	select {
	case <-h.ctx.Done():
		return false
	default:
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return !h.m.stopped[h.id]
}

// Progress reports completion as done out of total.
func (h *Handle) Progress(done, total int) {
	pct := 0
	if total > 0 {
		pct = done * 100 / total
	}
	h.m.update(h.id, func(r *Record) {
		r.Progress = pct
	})
}

// Message sets the task's status line.
func (h *Handle) Message(msg string) {
	h.m.update(h.id, func(r *Record) {
		r.Message = msg
	})
}

// Manager tracks task records. Completed records are kept until pruned.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Record
	stopped map[string]bool
	active  int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager returns a manager rooted at ctx; canceling ctx stops every
// task cooperatively.
func NewManager(ctx context.Context) *Manager {
	base, cancel := context.WithCancel(ctx)
	return &Manager{
		records: map[string]*Record{},
		stopped: map[string]bool{},
		baseCtx: base,
		cancel:  cancel,
	}
}

// Start launches fn in the background under a fresh task id like
// "scan-1a2b3c4d". The record moves pending -> running -> completed/failed.
func (m *Manager) Start(kind string, fn func(ctx context.Context, h *Handle) (any, error)) string {
	id := kind + "-" + strings.Split(uuid.NewString(), "-")[0]
	rec := &Record{
		ID:        id,
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.records[id] = rec
	m.active++
	metrics.ActiveTasks.Set(float64(m.active))
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.update(id, func(r *Record) { r.Status = StatusRunning })
		h := &Handle{id: id, m: m, ctx: m.baseCtx}

		result, err := fn(m.baseCtx, h)

		m.mu.Lock()
		m.active--
		metrics.ActiveTasks.Set(float64(m.active))
		m.mu.Unlock()
		if err != nil {
			logrus.WithField("task", id).WithError(err).Error("task failed")
			m.update(id, func(r *Record) {
				r.Status = StatusFailed
				r.Error = err.Error()
			})
			return
		}
		m.update(id, func(r *Record) {
			r.Status = StatusCompleted
			r.Progress = 100
			r.Result = result
		})
	}()
	return id
}

func (m *Manager) update(id string, fn func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		fn(r)
	}
}

// Get returns a copy of one record.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// List returns all records, newest first.
func (m *Manager) List() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns how many tasks are pending or running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stop flips one task's cooperative running flag.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	m.stopped[id] = true
	m.mu.Unlock()
}

// Shutdown stops every task and waits up to timeout for them to drain.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logrus.Warn("tasks did not drain before shutdown timeout")
	}
}

// Prune drops completed and failed records older than age.
func (m *Manager) Prune(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.records {
		if (r.Status == StatusCompleted || r.Status == StatusFailed) && r.CreatedAt.Before(cutoff) {
			delete(m.records, id)
			delete(m.stopped, id)
			n++
		}
	}
	return n
}
