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

package semantic

import (
	"math"
	"sort"
	"sync"
)

// Neighbor is one search hit.
type Neighbor struct {
	ID    int64
	Score float64
}

// Index is a flat cosine-similarity index over normalized vectors. At the
// archive's single-node scale an exact scan beats maintaining graph
// structures; the type exists so a true ANN backend can slot in later.
type Index struct {
	mu      sync.RWMutex
	ids     []int64
	vectors [][]float32
	pos     map[int64]int
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{pos: map[int64]int{}}
}

// Rebuild swaps in a full vector set.
func (ix *Index) Rebuild(vectors map[int64][]float32) {
	ids := make([]int64, 0, len(vectors))
	vecs := make([][]float32, 0, len(vectors))
	pos := make(map[int64]int, len(vectors))
	for id, v := range vectors {
		pos[id] = len(ids)
		ids = append(ids, id)
		vecs = append(vecs, normalize(v))
	}
	ix.mu.Lock()
	ix.ids, ix.vectors, ix.pos = ids, vecs, pos
	ix.mu.Unlock()
}

// Add inserts or replaces one vector.
func (ix *Index) Add(id int64, v []float32) {
	n := normalize(v)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if i, ok := ix.pos[id]; ok {
		ix.vectors[i] = n
		return
	}
	ix.pos[id] = len(ix.ids)
	ix.ids = append(ix.ids, id)
	ix.vectors = append(ix.vectors, n)
}

// Remove drops one vector.
func (ix *Index) Remove(id int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	i, ok := ix.pos[id]
	if !ok {
		return
	}
	last := len(ix.ids) - 1
	ix.ids[i] = ix.ids[last]
	ix.vectors[i] = ix.vectors[last]
	ix.pos[ix.ids[i]] = i
	ix.ids = ix.ids[:last]
	ix.vectors = ix.vectors[:last]
	delete(ix.pos, id)
}

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Vector returns the stored (normalized) vector for id.
func (ix *Index) Vector(id int64) ([]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	i, ok := ix.pos[id]
	if !ok {
		return nil, false
	}
	return ix.vectors[i], true
}

// Search returns the limit nearest neighbors of query by cosine similarity,
// best first. exclude ids are skipped.
func (ix *Index) Search(query []float32, limit int, exclude map[int64]bool) []Neighbor {
	q := normalize(query)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Neighbor, 0, len(ix.ids))
	for i, id := range ix.ids {
		if exclude[id] {
			continue
		}
		out = append(out, Neighbor{ID: id, Score: dot(q, ix.vectors[i])})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return append([]float32(nil), v...)
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
