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

package cachemgr

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoardapp/hoard/internal/catalog"
)

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedImage(t *testing.T, s *catalog.Store, md5 string, tags catalog.CategorizedTags) int64 {
	t.Helper()
	ctx := context.Background()
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		img := &catalog.Image{
			MD5:      md5,
			Filepath: "/images/" + md5 + ".jpg",
		}
		if err := catalog.InsertImageTx(ctx, tx, img); err != nil {
			return err
		}
		id = img.ID
		if err := catalog.ReplaceImageTagsTx(ctx, tx, id, tags, catalog.OriginOriginal); err != nil {
			return err
		}
		return catalog.RebuildDenormalizedTx(ctx, tx, id)
	})
	require.NoError(t, err)
	return id
}

func TestInvalidateAllLoadsMaps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := seedImage(t, s, "aaaa", catalog.CategorizedTags{
		catalog.CategoryGeneral:   {"solo", "smile"},
		catalog.CategoryCharacter: {"aoi"},
	})
	b := seedImage(t, s, "bbbb", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"solo"},
	})

	m := New(s)
	require.NoError(t, m.InvalidateAll(ctx))

	soloID, ok := m.TagID("solo")
	require.True(t, ok)
	require.Equal(t, []int64{a, b}, m.ImagesWithTag(soloID))
	require.EqualValues(t, 2, m.Usage(soloID))
	require.Len(t, m.ImageTagIDs(a), 3)

	name, ok := m.TagName(soloID)
	require.True(t, ok)
	require.Equal(t, "solo", name)
	cat, _, ok := m.TagCategory(soloID)
	require.True(t, ok)
	require.Equal(t, catalog.CategoryGeneral, cat)
}

func TestInvalidateImageUpdatesInvertedIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := seedImage(t, s, "aaaa", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"solo", "smile"},
	})
	m := New(s)
	require.NoError(t, m.InvalidateAll(ctx))

	// Drop "smile" from the image.
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := catalog.ReplaceImageTagsTx(ctx, tx, a, catalog.CategorizedTags{
			catalog.CategoryGeneral: {"solo"},
		}, catalog.OriginOriginal); err != nil {
			return err
		}
		return catalog.RebuildDenormalizedTx(ctx, tx, a)
	}))
	require.NoError(t, m.InvalidateImage(ctx, a))

	smileID, ok := m.TagID("smile")
	require.True(t, ok)
	require.Empty(t, m.ImagesWithTag(smileID))
	require.Len(t, m.ImageTagIDs(a), 1)
}

func TestInvalidateImageWithUnknownTagFallsBackToFullReload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := seedImage(t, s, "aaaa", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"solo"},
	})
	m := New(s)
	require.NoError(t, m.InvalidateAll(ctx))

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return catalog.AddImageTagByNameTx(ctx, tx, a, "brand_new", catalog.CategoryGeneral, catalog.OriginOriginal)
	}))
	require.NoError(t, m.InvalidateImage(ctx, a))

	id, ok := m.TagID("brand_new")
	require.True(t, ok)
	require.Equal(t, []int64{a}, m.ImagesWithTag(id))
}

func TestFlushHooksRunOnInvalidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedImage(t, s, "aaaa", catalog.CategorizedTags{catalog.CategoryGeneral: {"solo"}})

	m := New(s)
	flushes := 0
	m.OnFlush(func() { flushes++ })
	require.NoError(t, m.InvalidateAll(ctx))
	require.Equal(t, 1, flushes)
	m.RemoveImage(1)
	require.Equal(t, 2, flushes)
}

func TestManyImagesDeterministicOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var want []int64
	for i := 0; i < 10; i++ {
		id := seedImage(t, s, fmt.Sprintf("md5-%02d", i), catalog.CategorizedTags{
			catalog.CategoryGeneral: {"shared"},
		})
		want = append(want, id)
	}
	m := New(s)
	require.NoError(t, m.InvalidateAll(ctx))
	require.Equal(t, want, m.ImageIDs())
}
