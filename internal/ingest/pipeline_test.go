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

package ingest

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/config"
	"github.com/hoardapp/hoard/internal/hashing"
	"github.com/hoardapp/hoard/internal/sources"
)

// fakeSource is an in-memory TagSource keyed by MD5 and post id.
type fakeSource struct {
	name   string
	byMD5  map[string]*sources.Result
	byPost map[string]*sources.Result
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchByMD5(_ context.Context, md5 string) (*sources.Result, error) {
	if r, ok := f.byMD5[md5]; ok {
		return r, nil
	}
	return nil, sources.ErrNotFound
}

func (f *fakeSource) FetchByPostID(_ context.Context, id string) (*sources.Result, error) {
	if r, ok := f.byPost[id]; ok {
		return r, nil
	}
	return nil, sources.ErrNotFound
}

// fakeTagger returns a fixed result for every file.
type fakeTagger struct {
	result *sources.Result
	calls  int
}

func (f *fakeTagger) TagFile(context.Context, string) (*sources.Result, error) {
	f.calls++
	return f.result, nil
}

type fixture struct {
	store     *catalog.Store
	cache     *cachemgr.Manager
	imageDir  string
	ingestDir string
}

func newFixture(t *testing.T, registry *sources.Registry) (*fixture, *Pipeline) {
	t.Helper()
	f := &fixture{
		imageDir:  t.TempDir(),
		ingestDir: t.TempDir(),
	}
	store, err := catalog.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.store = store
	f.cache = cachemgr.New(store)

	engine, err := hashing.NewEngine()
	require.NoError(t, err)

	opts := config.Default()
	opts.ImageDirectory = f.imageDir
	opts.IngestDirectory = f.ingestDir
	opts.MaxWorkers = 2

	p := New(store, registry, engine, nil, nil, f.cache, nil, opts, clock.NewMock())
	return f, p
}

// stageImage writes a small PNG into the ingest directory and returns its
// path and MD5.
func stageImage(t *testing.T, dir, name string, tint uint8) (string, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetRGBA(x, y, color.RGBA{tint, uint8(x * 8), uint8(y * 8), 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	sum, err := fileMD5(path)
	require.NoError(t, err)
	return path, sum
}

func booruResult(source, rating string, tags catalog.CategorizedTags) *sources.Result {
	return &sources.Result{
		Source: source,
		PostID: "101",
		Rating: rating,
		Tags:   tags,
		Raw:    []byte(`{"id":101}`),
	}
}

func TestSweepIngestsStagedFile(t *testing.T) {
	ctx := context.Background()
	danbooru := &fakeSource{name: sources.Danbooru, byMD5: map[string]*sources.Result{}}
	registry := sources.NewRegistryForTesting(
		map[string]sources.TagSource{sources.Danbooru: danbooru},
		[]string{sources.Danbooru}, nil, nil, nil)
	f, p := newFixture(t, registry)

	path, sum := stageImage(t, f.ingestDir, "drop.png", 10)
	danbooru.byMD5[sum] = booruResult(sources.Danbooru, "general", catalog.CategorizedTags{
		catalog.CategoryGeneral:   {"1girl", "solo"},
		catalog.CategoryCharacter: {"aoi_(sample)"},
		catalog.CategoryCopyright: {"sample"},
	})

	res, err := p.Sweep(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Committed)
	require.Zero(t, res.Failed)

	// The staged file moved into the MD5-bucketed managed tree.
	require.NoFileExists(t, path)
	dest := filepath.Join(f.imageDir, sum[:2], sum+".png")
	require.FileExists(t, dest)

	img, err := f.store.ImageByMD5(ctx, sum)
	require.NoError(t, err)
	require.Equal(t, sources.Danbooru, img.ActiveSource)
	require.Equal(t, dest, img.Filepath)
	require.Equal(t, "general", img.Rating)
	require.Equal(t, []string{"aoi_(sample)"}, img.Tags[catalog.CategoryCharacter])
	require.Equal(t, []string{"sample"}, img.Tags[catalog.CategoryCopyright])
	require.NotEmpty(t, img.PHash)
	require.Equal(t, 32, img.Width)

	// Raw metadata is retained verbatim for the rebuild engine.
	raws, err := f.store.RawMetadata(ctx, img.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":101}`, string(raws[sources.Danbooru]))

	// Rating trust: danbooru is an original-trust source.
	tags, err := f.store.TagsForImage(ctx, img.ID)
	require.NoError(t, err)
	require.Contains(t, tags[catalog.CategoryRating], "rating:general")
}

func TestSweepRemovesStagedDuplicate(t *testing.T) {
	ctx := context.Background()
	registry := sources.NewRegistryForTesting(nil, nil, nil, nil, nil)
	f, p := newFixture(t, registry)

	_, _ = stageImage(t, f.ingestDir, "first.png", 42)
	res, err := p.Sweep(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Committed)

	// Same bytes staged again.
	dup, _ := stageImage(t, f.ingestDir, "second.png", 42)
	res, err = p.Sweep(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Duplicates)
	require.Zero(t, res.Committed)
	require.NoFileExists(t, dup)

	n, err := f.store.ImageCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestSweepLeavesInPlaceDuplicateAlone(t *testing.T) {
	ctx := context.Background()
	registry := sources.NewRegistryForTesting(nil, nil, nil, nil, nil)
	f, p := newFixture(t, registry)

	_, _ = stageImage(t, f.ingestDir, "first.png", 7)
	_, err := p.Sweep(ctx, nil, nil)
	require.NoError(t, err)

	// The same bytes appear under a different name inside the managed tree.
	inPlace, _ := stageImage(t, f.imageDir, "copy.png", 7)
	res, err := p.Sweep(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Duplicates)
	require.FileExists(t, inPlace)
}

func TestLocalTaggerFallback(t *testing.T) {
	ctx := context.Background()
	tagger := &fakeTagger{result: &sources.Result{
		Source: sources.LocalTagger,
		Rating: "sensitive",
		Tags: catalog.CategorizedTags{
			catalog.CategoryGeneral: {"sketch"},
		},
	}}
	registry := sources.NewRegistryForTesting(nil, nil, nil, nil, tagger)
	f, p := newFixture(t, registry)

	_, sum := stageImage(t, f.ingestDir, "untracked.png", 99)
	res, err := p.Sweep(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Committed)
	require.Equal(t, 1, tagger.calls)

	img, err := f.store.ImageByMD5(ctx, sum)
	require.NoError(t, err)
	require.Equal(t, sources.LocalTagger, img.ActiveSource)
	require.Equal(t, "sensitive", img.Rating)

	// AI-inferred ratings carry the ai_inference origin.
	require.Equal(t, catalog.OriginAI, catalog.RatingOrigin(img.ActiveSource))
}

func TestOnlineOnlySkipsTaggerFallback(t *testing.T) {
	ctx := context.Background()
	tagger := &fakeTagger{result: &sources.Result{Source: sources.LocalTagger}}
	registry := sources.NewRegistryForTesting(nil, nil, nil, nil, tagger)
	f, p := newFixture(t, registry)
	p.OnlineOnly = true

	_, sum := stageImage(t, f.ingestDir, "plain.png", 3)
	res, err := p.Sweep(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Committed)
	require.Zero(t, tagger.calls)

	// The image still commits, untagged.
	img, err := f.store.ImageByMD5(ctx, sum)
	require.NoError(t, err)
	require.Empty(t, img.ActiveSource)
	require.Empty(t, img.Tags[catalog.CategoryGeneral])
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	registry := sources.NewRegistryForTesting(nil, nil, nil, nil, nil)
	f, p := newFixture(t, registry)

	_, _ = stageImage(t, f.ingestDir, "a.png", 1)
	_, err := p.Sweep(ctx, nil, nil)
	require.NoError(t, err)

	// Second sweep sees only the already-cataloged managed file.
	res, err := p.Sweep(ctx, nil, nil)
	require.NoError(t, err)
	require.Zero(t, res.Committed)
	require.Zero(t, res.Duplicates)
	require.Zero(t, res.Failed)

	n, err := f.store.ImageCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestDebouncerCoalescesMarks(t *testing.T) {
	mock := clock.NewMock()
	fired := 0
	d := NewDebouncer(mock, 2*time.Second, func() { fired++ })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Mark()
	mock.Add(time.Second)
	d.Mark() // activity resets the quiet window
	mock.Add(time.Second)
	require.Zero(t, fired)

	mock.Add(1500 * time.Millisecond)
	require.Eventually(t, func() bool { return fired == 1 }, time.Second, 5*time.Millisecond)

	// No further marks, no further fires.
	mock.Add(5 * time.Second)
	require.Equal(t, 1, fired)
}
