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

// Package monitor keeps a bounded in-memory log of human readable lines for
// the admin UI. It plugs into logrus as a hook so every component feeds it
// without knowing about it.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the number of lines retained.
const DefaultCapacity = 500

// Line is one retained log entry.
type Line struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Ring is a fixed-capacity log line buffer.
type Ring struct {
	mu    sync.Mutex
	lines []Line
	next  int
	full  bool
}

// NewRing returns a Ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{lines: make([]Line, capacity)}
}

// Append adds a line, evicting the oldest when full.
func (r *Ring) Append(level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = Line{At: time.Now(), Level: level, Message: message}
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the retained lines, oldest first.
func (r *Ring) Lines() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Line, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]Line, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// Hook adapts a Ring into a logrus hook.
type Hook struct {
	Ring *Ring
}

// Levels implements logrus.Hook.
func (h *Hook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel,
	}
}

// Fire implements logrus.Hook.
func (h *Hook) Fire(e *logrus.Entry) error {
	msg := e.Message
	if len(e.Data) > 0 {
		msg = fmt.Sprintf("%s %v", e.Message, e.Data)
	}
	h.Ring.Append(e.Level.String(), msg)
	return nil
}
