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

package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
)

func newFixture(t *testing.T) (*catalog.Store, *cachemgr.Manager, *Service) {
	t.Helper()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	cache := cachemgr.New(s)
	return s, cache, NewService(s, cache, 50)
}

func addImage(t *testing.T, s *catalog.Store, md5, path string, tags catalog.CategorizedTags) int64 {
	t.Helper()
	ctx := context.Background()
	img := &catalog.Image{MD5: md5, Filepath: path, Tags: catalog.CategorizedTags{}}
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
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
	}))
	return img.ID
}

func TestParseTokens(t *testing.T) {
	expr, err := Parse("blue_hair -solo source:danbooru has:parent pool:beach order:new category:character 123456_p01 d41d8cd98f00b204e9800998ecf8427e photo.jpg")
	require.NoError(t, err)
	require.Equal(t, []string{"blue_hair"}, expr.Include)
	require.Equal(t, []string{"solo"}, expr.Exclude)
	require.Equal(t, "danbooru", expr.Source)
	require.True(t, expr.HasParent)
	require.False(t, expr.HasChild)
	require.Equal(t, "beach", expr.Pool)
	require.Equal(t, OrderNewest, expr.Order)
	require.Equal(t, []catalog.Category{catalog.CategoryCharacter}, expr.Categories)
	require.Equal(t, []string{"123456_p01", "d41d8cd98f00b204e9800998ecf8427e", "photo.jpg"}, expr.Filenames)
}

func TestParseRejectsUnknownOrderAndCategory(t *testing.T) {
	_, err := Parse("order:sideways")
	require.Error(t, err)
	_, err = Parse("category:mood")
	require.Error(t, err)
}

func TestParseNormalizesTagNames(t *testing.T) {
	expr, err := Parse("Rating_Explicit -Blue_Hair")
	require.NoError(t, err)
	require.Equal(t, []string{"rating:explicit"}, expr.Include)
	require.Equal(t, []string{"blue_hair"}, expr.Exclude)
}

func TestEvaluateIncludeExclude(t *testing.T) {
	ctx := context.Background()
	s, cache, svc := newFixture(t)
	a := addImage(t, s, "aa", "/img/aa.jpg", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"1girl", "solo"},
	})
	b := addImage(t, s, "bb", "/img/bb.jpg", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"1girl", "smile"},
	})
	addImage(t, s, "cc", "/img/cc.jpg", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"landscape"},
	})
	require.NoError(t, cache.InvalidateAll(ctx))

	expr, err := Parse("1girl")
	require.NoError(t, err)
	ids, err := svc.Evaluate(ctx, expr)
	require.NoError(t, err)
	require.Equal(t, []int64{a, b}, ids)

	expr, err = Parse("1girl -solo")
	require.NoError(t, err)
	ids, err = svc.Evaluate(ctx, expr)
	require.NoError(t, err)
	require.Equal(t, []int64{b}, ids)

	expr, err = Parse("1girl landscape")
	require.NoError(t, err)
	ids, err = svc.Evaluate(ctx, expr)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestEvaluateTypedFilters(t *testing.T) {
	ctx := context.Background()
	s, cache, svc := newFixture(t)
	a := addImage(t, s, "aa", "/img/aa.jpg", catalog.CategorizedTags{
		catalog.CategoryCharacter: {"aoi"},
	})
	b := addImage(t, s, "bb", "/img/123456_p01.jpg", nil)
	c := addImage(t, s, "cc", "/img/cc.jpg", nil)

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := catalog.LinkSourceTx(ctx, tx, a, "danbooru"); err != nil {
			return err
		}
		return catalog.AddRelationTx(ctx, tx, a, b, catalog.RelParentChild, catalog.RelSourceManual)
	}))
	poolID, err := s.CreatePool(ctx, "beach", "")
	require.NoError(t, err)
	require.NoError(t, s.AppendToPool(ctx, poolID, c))
	require.NoError(t, cache.InvalidateAll(ctx))

	cases := []struct {
		query string
		want  []int64
	}{
		{"source:danbooru", []int64{a}},
		{"has:parent", []int64{b}},
		{"has:child", []int64{a}},
		{"pool:beach", []int64{c}},
		{"category:character", []int64{a}},
		{"123456_p01", []int64{b}},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			expr, err := Parse(tc.query)
			require.NoError(t, err)
			ids, err := svc.Evaluate(ctx, expr)
			require.NoError(t, err)
			require.Equal(t, tc.want, ids)
		})
	}
}

func TestEvaluateOrderNewest(t *testing.T) {
	ctx := context.Background()
	s, cache, svc := newFixture(t)
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, addImage(t, s, fmt.Sprintf("m%d", i), fmt.Sprintf("/img/%d.jpg", i), nil))
	}
	require.NoError(t, cache.InvalidateAll(ctx))

	expr, err := Parse("order:new")
	require.NoError(t, err)
	got, err := svc.Evaluate(ctx, expr)
	require.NoError(t, err)
	require.Equal(t, []int64{ids[2], ids[1], ids[0]}, got)
}

func TestSearchPagination(t *testing.T) {
	ctx := context.Background()
	s, cache, svc := newFixture(t)
	for i := 0; i < 7; i++ {
		addImage(t, s, fmt.Sprintf("m%d", i), fmt.Sprintf("/img/%d.jpg", i), nil)
	}
	require.NoError(t, cache.InvalidateAll(ctx))

	page, err := svc.Search(ctx, "", 1, 3)
	require.NoError(t, err)
	require.Len(t, page.Images, 3)
	require.Equal(t, 3, page.TotalPages)
	require.Equal(t, 7, page.TotalResults)
	require.True(t, page.HasMore)

	page, err = svc.Search(ctx, "", 3, 3)
	require.NoError(t, err)
	require.Len(t, page.Images, 1)
	require.False(t, page.HasMore)

	// Pages beyond the end are empty, not an error.
	page, err = svc.Search(ctx, "", 9, 3)
	require.NoError(t, err)
	require.Empty(t, page.Images)
}

func TestHomepagePopsAndFlushes(t *testing.T) {
	ctx := context.Background()
	s, cache, svc := newFixture(t)
	for i := 0; i < 5; i++ {
		addImage(t, s, fmt.Sprintf("m%d", i), fmt.Sprintf("/img/%d.jpg", i), nil)
	}
	require.NoError(t, cache.InvalidateAll(ctx))

	page, err := svc.Homepage(ctx)
	require.NoError(t, err)
	require.Len(t, page.Images, 5)
	require.Equal(t, 5, page.TotalResults)

	// A flush discards buffered pages; the next pop rebuilds and still
	// serves the full (small) catalog.
	svc.homepage.flush()
	page, err = svc.Homepage(ctx)
	require.NoError(t, err)
	require.Len(t, page.Images, 5)
}
