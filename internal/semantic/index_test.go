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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexSearchRanksByCosine(t *testing.T) {
	ix := NewIndex()
	ix.Add(1, []float32{1, 0, 0})
	ix.Add(2, []float32{0.9, 0.1, 0})
	ix.Add(3, []float32{0, 1, 0})

	got := ix.Search([]float32{1, 0, 0}, 2, nil)
	require.Len(t, got, 2)
	require.EqualValues(t, 1, got[0].ID)
	require.EqualValues(t, 2, got[1].ID)
	require.InDelta(t, 1.0, got[0].Score, 1e-9)
}

func TestIndexSearchExcludes(t *testing.T) {
	ix := NewIndex()
	ix.Add(1, []float32{1, 0})
	ix.Add(2, []float32{1, 0.01})

	got := ix.Search([]float32{1, 0}, 0, map[int64]bool{1: true})
	require.Len(t, got, 1)
	require.EqualValues(t, 2, got[0].ID)
}

func TestIndexRemoveKeepsPositionsConsistent(t *testing.T) {
	ix := NewIndex()
	ix.Add(1, []float32{1, 0})
	ix.Add(2, []float32{0, 1})
	ix.Add(3, []float32{1, 1})
	ix.Remove(1)

	require.Equal(t, 2, ix.Len())
	_, ok := ix.Vector(1)
	require.False(t, ok)
	got := ix.Search([]float32{0, 1}, 1, nil)
	require.EqualValues(t, 2, got[0].ID)
}

func TestIndexRebuildReplacesContents(t *testing.T) {
	ix := NewIndex()
	ix.Add(99, []float32{1, 0})
	ix.Rebuild(map[int64][]float32{
		5: {0, 1},
		6: {1, 0},
	})
	require.Equal(t, 2, ix.Len())
	_, ok := ix.Vector(99)
	require.False(t, ok)
}

func TestNormalizeZeroVector(t *testing.T) {
	out := normalize([]float32{0, 0, 0})
	require.Equal(t, []float32{0, 0, 0}, out)
}
