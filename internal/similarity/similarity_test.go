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
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/semantic"
)

func newFixture(t *testing.T) (*catalog.Store, *cachemgr.Manager, *Service) {
	t.Helper()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	cache := cachemgr.New(s)
	svc := NewService(s, cache, semantic.NewIndex())
	return s, cache, svc
}

func addImage(t *testing.T, s *catalog.Store, md5, phash string, tags catalog.CategorizedTags) int64 {
	t.Helper()
	ctx := context.Background()
	img := &catalog.Image{MD5: md5, Filepath: "/img/" + md5 + ".jpg", PHash: phash, Tags: catalog.CategorizedTags{}}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := catalog.InsertImageTx(ctx, tx, img); err != nil {
			return err
		}
		if tags != nil {
			if err := catalog.ReplaceImageTagsTx(ctx, tx, img.ID, tags, catalog.OriginOriginal); err != nil {
				return err
			}
			return catalog.RebuildDenormalizedTx(ctx, tx, img.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return img.ID
}

func TestVisualOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	s, _, svc := newFixture(t)
	target := addImage(t, s, "t", "0000000000000000", nil)
	near := addImage(t, s, "n", "0000000000000001", nil) // distance 1
	mid := addImage(t, s, "m", "000000000000000f", nil)  // distance 4
	addImage(t, s, "f", "ffffffffffffffff", nil)         // distance 64

	got, err := svc.Visual(ctx, target, 8, 0, false)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, near, got[0].ID)
	require.Equal(t, 1, got[0].Distance)
	require.Equal(t, mid, got[1].ID)
}

func TestVisualWithoutHashReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	s, _, svc := newFixture(t)
	target := addImage(t, s, "t", "", nil)
	addImage(t, s, "o", "0000000000000000", nil)

	got, err := svc.Visual(ctx, target, 64, 0, false)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestVisualExcludesFamily(t *testing.T) {
	ctx := context.Background()
	s, _, svc := newFixture(t)
	target := addImage(t, s, "t", "0000000000000000", nil)
	sibling := addImage(t, s, "s", "0000000000000001", nil)
	other := addImage(t, s, "o", "0000000000000003", nil)

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return catalog.AddRelationTx(ctx, tx, target, sibling, catalog.RelSibling, catalog.RelSourceManual)
	}))

	got, err := svc.Visual(ctx, target, 8, 0, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, other, got[0].ID)
}

func TestByTagsPrefersSharedRareTags(t *testing.T) {
	ctx := context.Background()
	s, cache, svc := newFixture(t)
	target := addImage(t, s, "t", "", catalog.CategorizedTags{
		catalog.CategoryCharacter: {"aoi"},
		catalog.CategoryGeneral:   {"solo", "sky"},
	})
	sameChar := addImage(t, s, "a", "", catalog.CategorizedTags{
		catalog.CategoryCharacter: {"aoi"},
		catalog.CategoryGeneral:   {"solo"},
	})
	onlyGeneral := addImage(t, s, "b", "", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"solo"},
	})
	addImage(t, s, "c", "", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"unrelated"},
	})
	require.NoError(t, cache.InvalidateAll(ctx))

	got, err := svc.ByTags(ctx, target, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, sameChar, got[0].ID)
	require.Equal(t, onlyGeneral, got[1].ID)
	require.Greater(t, got[0].Score, got[1].Score)
}

func TestByTagsNoTagsReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	s, cache, svc := newFixture(t)
	target := addImage(t, s, "t", "", nil)
	require.NoError(t, cache.InvalidateAll(ctx))

	got, err := svc.ByTags(ctx, target, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestScanDuplicatePairsReplacesCache(t *testing.T) {
	ctx := context.Background()
	s, _, svc := newFixture(t)
	a := addImage(t, s, "a", "0000000000000000", nil)
	b := addImage(t, s, "b", "0000000000000001", nil)
	addImage(t, s, "c", "ffffffffffffffff", nil)

	n, err := svc.ScanDuplicatePairs(ctx, 4, 1, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pairs, err := s.DuplicatePairs(ctx, 64)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, a, pairs[0].ImageA)
	require.Equal(t, b, pairs[0].ImageB)
	require.Equal(t, 1, pairs[0].Distance)

	// Re-scan with a tight threshold drops the pair.
	n, err = svc.ScanDuplicatePairs(ctx, 0, 1, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	pairs, err = s.DuplicatePairs(ctx, 64)
	require.NoError(t, err)
	require.Empty(t, pairs)
}

func TestScanParallelMatchesSingleThreaded(t *testing.T) {
	// Same inputs through both code paths must agree on the pair set.
	var entries []hashEntry
	for i := 0; i < 60; i++ {
		entries = append(entries, hashEntry{id: int64(i + 1), bits: uint64(i) << 2})
	}
	single := scanChunk(entries, 0, len(entries), 6, nil, 0)
	parallel := scanParallel(context.Background(), entries, 6, 4, nil)

	key := func(p catalog.DuplicatePair) string { return fmt.Sprintf("%d-%d-%d", p.ImageA, p.ImageB, p.Distance) }
	want := map[string]bool{}
	for _, p := range single {
		want[key(p)] = true
	}
	require.Equal(t, len(single), len(parallel))
	for _, p := range parallel {
		require.True(t, want[key(p)], key(p))
	}
}

func TestSimilarsCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _, svc := newFixture(t)
	a := addImage(t, s, "a", "0000000000000000", nil)
	b := addImage(t, s, "b", "0000000000000001", nil)

	require.NoError(t, svc.RebuildSimilarsCache(ctx, catalog.SimVisual, 5, nil, nil))

	got, err := svc.Similars(ctx, a, catalog.SimVisual, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, b, got[0].ID)

	n, err := s.SimilarsCacheCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestBlendedExcludesBelowAllFloors(t *testing.T) {
	ctx := context.Background()
	s, cache, svc := newFixture(t)
	target := addImage(t, s, "t", "0000000000000000", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"solo"},
	})
	close_ := addImage(t, s, "a", "0000000000000001", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"solo"},
	})
	far := addImage(t, s, "b", "00000000ffffffff", nil)
	require.NoError(t, cache.InvalidateAll(ctx))

	w := DefaultBlendWeights()
	w.Semantic = 0
	got, err := svc.Blended(ctx, target, w, 0)
	require.NoError(t, err)

	ids := map[int64]bool{}
	for _, m := range got {
		ids[m.ID] = true
	}
	require.True(t, ids[close_])
	require.False(t, ids[far])
}
