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
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoardapp/hoard/internal/catalog"
)

func TestDanbooruFetchByMD5(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "abc123", r.URL.Query().Get("md5"))
		w.Write([]byte(`{
			"id": 42, "parent_id": 7, "has_children": false,
			"rating": "g", "score": 15,
			"tag_string_general": "1girl Solo smile",
			"tag_string_character": "aoi_(sample)",
			"tag_string_copyright": "sample",
			"tag_string_artist": "someone",
			"tag_string_meta": "highres"
		}`))
	}))
	defer srv.Close()

	res, err := NewDanbooru(srv.URL, srv.Client()).FetchByMD5(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, Danbooru, res.Source)
	require.Equal(t, "42", res.PostID)
	require.Equal(t, "7", res.ParentID)
	require.Equal(t, catalog.RatingGeneral, res.Rating)
	require.Equal(t, 15, res.Score)
	require.Equal(t, []string{"1girl", "solo", "smile"}, res.Tags[catalog.CategoryGeneral])
	require.Equal(t, []string{"aoi_(sample)"}, res.Tags[catalog.CategoryCharacter])
	require.NotEmpty(t, res.Raw)
}

func TestDanbooruSensitiveRating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": 1, "rating": "s"}`))
	}))
	defer srv.Close()

	res, err := NewDanbooru(srv.URL, srv.Client()).FetchByMD5(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, catalog.RatingSensitive, res.Rating)
}

func TestBooruNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewDanbooru(srv.URL, srv.Client()).FetchByMD5(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBooruRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"post": [{"id": 9, "rating": "q", "tags": "sky cloud"}]}`))
	}))
	defer srv.Close()

	res, err := NewGelbooru(srv.URL, srv.Client()).FetchByMD5(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, "9", res.PostID)
	require.Equal(t, catalog.RatingQuestionable, res.Rating)
	require.Equal(t, []string{"sky", "cloud"}, res.Tags[catalog.CategoryGeneral])
}

func TestE621ParsesNestedTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"post": {
			"id": 100, "rating": "e", "score": {"total": 3},
			"tags": {"general": ["outside"], "species": ["wolf"], "character": [], "copyright": [], "artist": ["painter"], "meta": []},
			"relationships": {"parent_id": null, "has_children": true}
		}}`))
	}))
	defer srv.Close()

	res, err := NewE621(srv.URL, srv.Client()).FetchByMD5(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, "100", res.PostID)
	require.Empty(t, res.ParentID)
	require.True(t, res.HasChildren)
	require.Equal(t, catalog.RatingExplicit, res.Rating)
	require.Equal(t, []string{"wolf"}, res.Tags[catalog.CategorySpecies])
	require.Equal(t, []string{"painter"}, res.Tags[catalog.CategoryArtist])
}

func TestYandereEmptyListIsMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := NewYandere(srv.URL, srv.Client()).FetchByMD5(context.Background(), "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryFanOutSkipsFailures(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": 5, "rating": "g", "tag_string_general": "ok"}`))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()

	reg := NewRegistryForTesting(map[string]TagSource{
		Danbooru: NewDanbooru(good.URL, good.Client()),
		Gelbooru: NewGelbooru(bad.URL, bad.Client()),
	}, []string{Danbooru, Gelbooru}, nil, nil, nil)

	results := reg.FetchAllByMD5(context.Background(), "x")
	require.Len(t, results, 1)
	require.Equal(t, "5", results[Danbooru].PostID)
}

func TestSauceNAOThresholdAndIndexMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": [
			{"header": {"similarity": "93.10", "index_id": 9}, "data": {"danbooru_id": 42}},
			{"header": {"similarity": "55.00", "index_id": 29}, "data": {"e621_id": 7}},
			{"header": {"similarity": "90.00", "index_id": 999}, "data": {}}
		]}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := dir + "/query.jpg"
	require.NoError(t, writeFile(path, []byte("not really a jpeg")))

	c := NewSauceNAO(srv.URL, "key", 80, srv.Client())
	hits, err := c.Search(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, Danbooru, hits[0].Provider)
	require.Equal(t, "42", hits[0].PostID)
	require.InDelta(t, 93.10, hits[0].Similarity, 0.001)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
