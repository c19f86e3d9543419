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

package sources

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoardapp/hoard/internal/catalog"
)

func TestSelectActiveFirstInPriorityWins(t *testing.T) {
	results := map[string]*Result{
		Gelbooru: {Source: Gelbooru, Tags: catalog.CategorizedTags{catalog.CategoryGeneral: {"a"}}},
		Danbooru: {Source: Danbooru, Tags: catalog.CategorizedTags{catalog.CategoryGeneral: {"b"}}},
	}
	sel := SelectActive(results, []string{Danbooru, Gelbooru}, false)
	require.NotNil(t, sel)
	require.Equal(t, Danbooru, sel.ActiveSource)
	require.Equal(t, []string{"b"}, sel.Tags[catalog.CategoryGeneral])
}

func TestSelectActiveMergesMultipleBoorus(t *testing.T) {
	results := map[string]*Result{
		Danbooru: {Source: Danbooru, PostID: "1", Tags: catalog.CategorizedTags{
			catalog.CategoryGeneral:   {"solo", "smile"},
			catalog.CategoryCharacter: {"aoi"},
		}},
		Yandere: {Source: Yandere, PostID: "2", Tags: catalog.CategorizedTags{
			catalog.CategoryGeneral: {"solo", "aoi", "sky"},
		}},
	}
	sel := SelectActive(results, []string{Danbooru, Yandere}, true)
	require.NotNil(t, sel)
	require.Equal(t, catalog.MergedSource, sel.ActiveSource)
	// The primary carries the highest-priority booru's identity.
	require.Equal(t, "1", sel.Primary.PostID)
	// "aoi" is character on danbooru, general on yandere: character wins.
	require.Equal(t, []string{"aoi"}, sel.Tags[catalog.CategoryCharacter])
	require.ElementsMatch(t, []string{"solo", "smile", "sky"}, sel.Tags[catalog.CategoryGeneral])
}

func TestSelectActiveSingleSourceNeverMerges(t *testing.T) {
	results := map[string]*Result{
		Danbooru: {Source: Danbooru, Tags: catalog.CategorizedTags{catalog.CategoryGeneral: {"a"}}},
	}
	sel := SelectActive(results, []string{Danbooru, Yandere}, true)
	require.NotNil(t, sel)
	require.Equal(t, Danbooru, sel.ActiveSource)
}

func TestSelectActiveEmpty(t *testing.T) {
	require.Nil(t, SelectActive(nil, []string{Danbooru}, true))
}

func TestMergeCategorizedCategoryPriority(t *testing.T) {
	a := &Result{Tags: catalog.CategorizedTags{catalog.CategoryGeneral: {"wolf"}}}
	b := &Result{Tags: catalog.CategorizedTags{catalog.CategorySpecies: {"wolf"}}}
	merged := MergeCategorized(a, b)
	require.Equal(t, []string{"wolf"}, merged[catalog.CategorySpecies])
	require.Empty(t, merged[catalog.CategoryGeneral])
}

func TestPixivIDFromFilename(t *testing.T) {
	for name, want := range map[string]string{
		"12345678_p0.png":       "12345678",
		"98765_p12.jpg":         "98765",
		"not_a_pixiv_name.png":  "",
		"12345678.png":          "",
		"prefix_12345678_p0.png": "",
	} {
		got, ok := PixivIDFromFilename(name)
		if want == "" {
			require.False(t, ok, name)
		} else {
			require.True(t, ok, name)
			require.Equal(t, want, got)
		}
	}
}

func TestNormalizeResultRewritesRatingTags(t *testing.T) {
	r := normalizeResult(&Result{
		Rating: "e",
		Tags: catalog.CategorizedTags{
			catalog.CategoryGeneral: {"Rating_Explicit", "Blue Hair", ""},
		},
	})
	require.Equal(t, catalog.RatingExplicit, r.Rating)
	require.Equal(t, []string{"rating:explicit", "blue_hair"}, r.Tags[catalog.CategoryGeneral])
}
