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

package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/config"
	"github.com/hoardapp/hoard/internal/dupreview"
	"github.com/hoardapp/hoard/internal/hashing"
	"github.com/hoardapp/hoard/internal/monitor"
	"github.com/hoardapp/hoard/internal/query"
	"github.com/hoardapp/hoard/internal/semantic"
	"github.com/hoardapp/hoard/internal/similarity"
	"github.com/hoardapp/hoard/internal/tagrepo"
	"github.com/hoardapp/hoard/internal/tasks"
)

const (
	testSecret   = "swordfish"
	testPassword = "hunter2"
)

type serverFixture struct {
	srv    *Server
	router http.Handler
	store  *catalog.Store
	ring   *monitor.Ring
	opts   *config.Options
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	dir := t.TempDir()

	store, err := catalog.Open(filepath.Join(dir, "hoard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	heng, err := hashing.NewEngine()
	require.NoError(t, err)

	opts := config.Default()
	opts.DatabasePath = filepath.Join(dir, "hoard.db")
	opts.ImageDirectory = filepath.Join(dir, "images")
	opts.ThumbDirectory = filepath.Join(dir, "thumbs")
	opts.SharedSecret = testSecret
	opts.Password = testPassword

	cache := cachemgr.New(store)
	index := semantic.NewIndex()
	repo := tagrepo.NewRepo(store, cache, opts.BooruPriority, opts.UseMergedSources)
	implications := tagrepo.NewEngine(store, int64(opts.MinCoOccurrence), opts.MinConfidence)
	review := dupreview.NewService(store, heng)
	review.Lower = opts.SuggestionLower
	review.Upper = opts.SuggestionUpper

	mgr := tasks.NewManager(context.Background())
	t.Cleanup(func() { mgr.Shutdown(time.Second) })

	srv := New(opts, Deps{
		Store:        store,
		Cache:        cache,
		Repo:         repo,
		Implications: implications,
		Query:        query.NewService(store, cache, opts.ImagesPerPage),
		Similarity:   similarity.NewService(store, cache, index),
		Review:       review,
		Tasks:        mgr,
		Ring:         monitor.NewRing(64),
		Index:        index,
		Engine:       heng,
	})
	return &serverFixture{
		srv:    srv,
		router: srv.Router(),
		store:  store,
		ring:   srv.deps.Ring,
		opts:   opts,
	}
}

// seedImage inserts one catalog row with both denormalized and normalized
// tag tuples.
func (f *serverFixture) seedImage(t *testing.T, md5, path string, tags catalog.CategorizedTags) *catalog.Image {
	t.Helper()
	ctx := context.Background()
	img := &catalog.Image{
		MD5:          md5,
		Filepath:     path,
		Width:        100,
		Height:       100,
		ActiveSource: "danbooru",
		Tags:         tags,
		Rating:       catalog.RatingGeneral,
	}
	err := f.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := catalog.InsertImageTx(ctx, tx, img); err != nil {
			return err
		}
		for cat, names := range tags {
			for _, name := range names {
				if err := catalog.AddImageTagByNameTx(ctx, tx, img.ID, name, cat, catalog.OriginOriginal); err != nil {
					return err
				}
			}
		}
		return catalog.RebuildDenormalizedTx(ctx, tx, img.ID)
	})
	require.NoError(t, err)
	require.NoError(t, f.srv.deps.Cache.InvalidateAll(ctx))
	return img
}

func (f *serverFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSecuredEndpointRejectsMissingSecret(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/system/recount_tags", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	require.NotEmpty(t, body["error"])

	rec = f.do(t, http.MethodPost, "/api/system/recount_tags?secret=wrong", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/system/recount_tags?secret="+testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSecuredDisabledWithoutSecret(t *testing.T) {
	f := newServerFixture(t)
	f.opts.SharedSecret = ""
	rec := f.do(t, http.MethodPost, "/api/system/recount_tags", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginSession(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/login", map[string]string{"password": "nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/login", map[string]string{"password": testPassword})
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, sessionCookie, cookies[0].Name)
	require.NotEmpty(t, cookies[0].Value)

	req := httptest.NewRequest(http.MethodGet, "/api/system/status", nil)
	req.AddCookie(cookies[0])
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	var status map[string]any
	decodeBody(t, out, &status)
	require.Equal(t, true, status["authenticated"])
}

func TestImagesSearch(t *testing.T) {
	f := newServerFixture(t)
	f.seedImage(t, "aaaa", "/images/aa/aaaa.png", catalog.CategorizedTags{
		catalog.CategoryGeneral:   {"1girl", "solo"},
		catalog.CategoryCharacter: {"alice"},
	})
	f.seedImage(t, "bbbb", "/images/bb/bbbb.png", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"landscape"},
	})

	rec := f.do(t, http.MethodGet, "/api/images?query=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Images []struct {
			Path string              `json:"path"`
			Tags map[string][]string `json:"tags"`
		} `json:"images"`
		TotalResults int `json:"total_results"`
	}
	decodeBody(t, rec, &page)
	require.Equal(t, 1, page.TotalResults)
	require.Len(t, page.Images, 1)
	require.Equal(t, "/images/aa/aaaa.png", page.Images[0].Path)

	rec = f.do(t, http.MethodGet, "/api/images", nil)
	decodeBody(t, rec, &page)
	require.Equal(t, 2, page.TotalResults)
}

func TestHomepage(t *testing.T) {
	f := newServerFixture(t)
	f.seedImage(t, "aaaa", "/images/aa/aaaa.png", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"1girl"},
	})
	f.seedImage(t, "bbbb", "/images/bb/bbbb.png", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"landscape"},
	})

	rec := f.do(t, http.MethodGet, "/api/homepage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var page struct {
		Images []struct {
			Path string `json:"path"`
		} `json:"images"`
		TotalResults int `json:"total_results"`
	}
	decodeBody(t, rec, &page)
	require.Equal(t, 2, page.TotalResults)
	require.Len(t, page.Images, 2)
	paths := []string{page.Images[0].Path, page.Images[1].Path}
	require.ElementsMatch(t, []string{"/images/aa/aaaa.png", "/images/bb/bbbb.png"}, paths)
}

func TestEditTagsRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	img := f.seedImage(t, "cccc", "/images/cc/cccc.png", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"1girl", "hat"},
	})

	rec := f.do(t, http.MethodPost, "/api/edit_tags?secret="+testSecret, map[string]any{
		"filepath": img.Filepath,
		"categorized_tags": map[string][]string{
			"tags_general":   {"1girl", "scarf"},
			"tags_character": {"alice"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Image struct {
			Tags map[string][]string `json:"tags"`
		} `json:"image"`
	}
	decodeBody(t, rec, &body)
	require.ElementsMatch(t, []string{"1girl", "scarf"}, body.Image.Tags["general"])
	require.Equal(t, []string{"alice"}, body.Image.Tags["character"])
	require.NotContains(t, body.Image.Tags["general"], "hat")

	// The edit lands in the delta journal.
	deltas, err := f.store.DeltasForMD5(context.Background(), "cccc")
	require.NoError(t, err)
	require.NotEmpty(t, deltas)
}

func TestDeleteImageRemovesRow(t *testing.T) {
	f := newServerFixture(t)
	img := f.seedImage(t, "dddd", "/images/dd/dddd.png", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"solo"},
	})

	rec := f.do(t, http.MethodPost, "/api/delete_image?secret="+testSecret, map[string]string{
		"filepath": img.Filepath,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.store.ImageByID(context.Background(), img.ID)
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestImageStatsNotFoundShape(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/image/no/such/file.png/stats", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var body map[string]string
	decodeBody(t, rec, &body)
	require.NotEmpty(t, body["error"])
}

func TestImageStats(t *testing.T) {
	f := newServerFixture(t)
	img := f.seedImage(t, "eeee", "/images/ee/eeee.png", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"solo"},
	})

	rec := f.do(t, http.MethodGet, "/api/image"+img.Filepath+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeBody(t, rec, &body)
	require.Equal(t, "eeee", body["md5"])
}

func TestTaskStatusLifecycle(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/task_status", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/task_status?task_id=nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	f.seedImage(t, "ffff", "/images/ff/ffff.png", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"solo"},
	})
	rec = f.do(t, http.MethodPost, "/api/system/rebuild_categorized?secret="+testSecret, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]string
	decodeBody(t, rec, &accepted)
	require.NotEmpty(t, accepted["task_id"])

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/task_status?task_id="+accepted["task_id"], nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var record struct {
			Status string `json:"status"`
		}
		decodeBody(t, rec, &record)
		return record.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSystemStatus(t *testing.T) {
	f := newServerFixture(t)
	f.seedImage(t, "abcd", "/images/ab/abcd.png", nil)

	rec := f.do(t, http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeBody(t, rec, &body)
	require.Equal(t, float64(1), body["images"])
	require.Equal(t, false, body["watcher_running"])
}

func TestSystemLogs(t *testing.T) {
	f := newServerFixture(t)
	f.ring.Append(logrus.InfoLevel.String(), "watcher started")

	rec := f.do(t, http.MethodGet, "/api/system/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Lines []struct {
			Message string `json:"message"`
		} `json:"lines"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Lines, 1)
	require.Equal(t, "watcher started", body.Lines[0].Message)
}

func TestSystemReindex(t *testing.T) {
	f := newServerFixture(t)
	img := f.seedImage(t, "9999", "/images/99/9999.png", nil)
	ctx := context.Background()
	err := f.store.WithTx(ctx, func(tx *sql.Tx) error {
		return catalog.PutEmbeddingTx(ctx, tx, img.ID, []float32{0.1, 0.2, 0.3})
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/system/reindex?secret="+testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"indexed":1}`, rec.Body.String())
	require.Equal(t, 1, f.srv.deps.Index.Len())
}

func TestImplicationCreateAndList(t *testing.T) {
	f := newServerFixture(t)
	f.seedImage(t, "1212", "/images/12/1212.png", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"calico"},
	})

	rec := f.do(t, http.MethodPost, "/api/implications/create?secret="+testSecret, map[string]string{
		"source_tag":  "calico",
		"implied_tag": "cat",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var created struct {
		ID      int64 `json:"id"`
		Applied int   `json:"applied"`
	}
	decodeBody(t, rec, &created)
	require.NotZero(t, created.ID)
	require.Equal(t, 1, created.Applied)

	rec = f.do(t, http.MethodGet, "/api/implications/all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Implications []struct {
			SourceTag  string `json:"source_tag"`
			ImpliedTag string `json:"implied_tag"`
		} `json:"implications"`
	}
	decodeBody(t, rec, &listed)
	require.Len(t, listed.Implications, 1)
	require.Equal(t, "calico", listed.Implications[0].SourceTag)
	require.Equal(t, "cat", listed.Implications[0].ImpliedTag)

	// A reverse rule would close a cycle.
	rec = f.do(t, http.MethodPost, "/api/implications/create?secret="+testSecret, map[string]string{
		"source_tag":  "cat",
		"implied_tag": "calico",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewQueueEmpty(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/duplicate-review/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []json.RawMessage `json:"items"`
		Total int               `json:"total"`
	}
	decodeBody(t, rec, &body)
	require.Zero(t, body.Total)
	require.Empty(t, body.Items)
}

func TestReviewCommitRequiresActions(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/duplicate-review/commit?secret="+testSecret, map[string]any{
		"actions": []any{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTagRename(t *testing.T) {
	f := newServerFixture(t)
	f.seedImage(t, "3434", "/images/34/3434.png", catalog.CategorizedTags{
		catalog.CategoryGeneral: {"blue hair"},
	})

	rec := f.do(t, http.MethodPost, "/api/tags/rename?secret="+testSecret, map[string]string{
		"old_name": "blue hair",
		"new_name": "Blue Hair",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	tag, err := f.store.TagByName(context.Background(), "blue_hair")
	require.NoError(t, err)
	require.Equal(t, "blue_hair", tag.Name)
}

func TestPoolLifecycle(t *testing.T) {
	f := newServerFixture(t)
	a := f.seedImage(t, "5656", "/images/56/5656.png", nil)
	b := f.seedImage(t, "7878", "/images/78/7878.png", nil)

	rec := f.do(t, http.MethodPost, "/api/pools/create?secret="+testSecret, map[string]string{
		"name": "comic", "description": "a short comic",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var created struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, rec, &created)

	for _, img := range []string{a.Filepath, b.Filepath} {
		rec = f.do(t, http.MethodPost, "/api/pools/add?secret="+testSecret, map[string]string{
			"pool": "comic", "filepath": img,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// Duplicate membership is rejected.
	rec = f.do(t, http.MethodPost, "/api/pools/add?secret="+testSecret, map[string]string{
		"pool": "comic", "filepath": a.Filepath,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pools struct {
		Pools []struct {
			Name       string `json:"name"`
			ImageCount int    `json:"image_count"`
		} `json:"pools"`
	}
	decodeBody(t, rec, &pools)
	require.Len(t, pools.Pools, 1)
	require.Equal(t, 2, pools.Pools[0].ImageCount)

	rec = f.do(t, http.MethodPost, "/api/pools/reorder?secret="+testSecret, map[string]any{
		"id": created.ID, "image_ids": []int64{b.ID, a.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/pools/comic/images", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Images []struct {
			Path string `json:"path"`
		} `json:"images"`
	}
	decodeBody(t, rec, &detail)
	require.Len(t, detail.Images, 2)
	require.Equal(t, b.Filepath, detail.Images[0].Path)

	// A reorder that is not a permutation is rejected.
	rec = f.do(t, http.MethodPost, "/api/pools/reorder?secret="+testSecret, map[string]any{
		"id": created.ID, "image_ids": []int64{a.ID},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/pools/delete?secret="+testSecret, map[string]any{
		"id": created.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/pools/comic/images", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBrokenImagesEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.seedImage(t, "9b9b", "/images/9b/9b9b.png", nil)

	rec := f.do(t, http.MethodGet, "/api/system/broken_images", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Broken []struct {
			Issue string `json:"issue"`
		} `json:"broken"`
		Total int `json:"total"`
	}
	decodeBody(t, rec, &body)
	require.Equal(t, 1, body.Total)
	require.Equal(t, catalog.IssueMissingPHash, body.Broken[0].Issue)
}

func TestInstrumentCountsRoutes(t *testing.T) {
	f := newServerFixture(t)
	for i := 0; i < 3; i++ {
		f.do(t, http.MethodGet, "/healthz", nil)
	}
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "hoard_http_requests_total")
}
