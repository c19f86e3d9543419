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

package dupreview

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/hashing"
)

func newFixture(t *testing.T) (*catalog.Store, *Service) {
	t.Helper()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	engine, err := hashing.NewEngine()
	require.NoError(t, err)
	svc := NewService(s, engine)
	thumbDir := t.TempDir()
	svc.ThumbPath = func(srcPath string) string {
		base := filepath.Base(srcPath)
		return filepath.Join(thumbDir, strings.TrimSuffix(base, filepath.Ext(base))+".png")
	}
	return s, svc
}

func addImage(t *testing.T, s *catalog.Store, md5, path string) int64 {
	t.Helper()
	ctx := context.Background()
	img := &catalog.Image{
		MD5: md5, Filepath: path,
		Width: 200, Height: 200, FileSize: 1000,
		Tags: catalog.CategorizedTags{},
	}
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return catalog.InsertImageTx(ctx, tx, img)
	}))
	return img.ID
}

func writeThumb(t *testing.T, svc *Service, srcPath string, m image.Image) {
	t.Helper()
	f, err := os.Create(svc.ThumbPath(srcPath))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, m))
}

func addPair(t *testing.T, s *catalog.Store, a, b int64, distance int) {
	t.Helper()
	pairs, err := s.DuplicatePairs(context.Background(), 64)
	require.NoError(t, err)
	pairs = append(pairs, catalog.DuplicatePair{ImageA: a, ImageB: b, Distance: distance, ThresholdAtScan: 10})
	require.NoError(t, s.ReplaceDuplicatePairs(context.Background(), pairs))
}

func putSignal(t *testing.T, s *catalog.Store, a, b int64, signal float64) {
	t.Helper()
	require.NoError(t, s.PutPairSuggestion(context.Background(), &catalog.PairSuggestion{
		ImageA: a, ImageB: b, VisualSignal: signal, FinalSignal: signal,
	}))
}

func TestEnrichPairIdenticalThumbs(t *testing.T) {
	ctx := context.Background()
	s, svc := newFixture(t)
	thumb := flatImage(200, color.RGBA{90, 60, 30, 255})
	a := addImage(t, s, "aa", "/img/aa.jpg")
	b := addImage(t, s, "bb", "/img/bb.jpg")
	writeThumb(t, svc, "/img/aa.jpg", thumb)
	writeThumb(t, svc, "/img/bb.jpg", thumb)

	g, err := svc.EnrichPair(ctx, a, b)
	require.NoError(t, err)
	require.Zero(t, g.VisualSignal)
	require.LessOrEqual(t, g.FinalSignal, DefaultLowerBound)

	stored, err := s.PairSuggestionFor(ctx, a, b)
	require.NoError(t, err)
	require.Equal(t, g.FinalSignal, stored.FinalSignal)
}

// orientedJPEG encodes img as JPEG with a minimal EXIF block carrying only
// the orientation tag.
func orientedJPEG(t *testing.T, img image.Image, orientation uint16) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	tiff := []byte{
		'I', 'I', 42, 0,
		8, 0, 0, 0,
		1, 0,
		0x12, 0x01, 3, 0, 1, 0, 0, 0,
		byte(orientation), byte(orientation >> 8), 0, 0,
		0, 0, 0, 0,
	}
	app1 := append([]byte("Exif\x00\x00"), tiff...)
	out := []byte{0xff, 0xd8, 0xff, 0xe1, byte((len(app1) + 2) >> 8), byte(len(app1) + 2)}
	out = append(out, app1...)
	return append(out, buf.Bytes()[2:]...)
}

// A sideways-stored JPEG and its physically rotated twin must compare as the
// same picture, not a near-total mismatch.
func TestEnrichPairRotatedOrientationTwins(t *testing.T) {
	ctx := context.Background()
	s, svc := newFixture(t)
	svc.ThumbPath = nil // compare the originals

	upright := image.NewNRGBA(image.Rect(0, 0, 32, 64))
	sideways := image.NewNRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			c := color.NRGBA{R: 200, G: 40, B: 40, A: 255}
			if x >= 32 {
				c = color.NRGBA{R: 40, G: 40, B: 200, A: 255}
			}
			sideways.SetNRGBA(x, y, c)
			// Rotating clockwise sends the left half to the top.
			upright.SetNRGBA(31-y, x, c)
		}
	}

	dir := t.TempDir()
	fileA := filepath.Join(dir, "aa.jpg")
	require.NoError(t, os.WriteFile(fileA, orientedJPEG(t, sideways, 6), 0o644))
	fileB := filepath.Join(dir, "bb.png")
	fb, err := os.Create(fileB)
	require.NoError(t, err)
	require.NoError(t, png.Encode(fb, upright))
	require.NoError(t, fb.Close())

	a := addImage(t, s, "aa", fileA)
	b := addImage(t, s, "bb", fileB)

	g, err := svc.EnrichPair(ctx, a, b)
	require.NoError(t, err)
	require.Less(t, g.ChangedRatio, 0.1)
	require.Less(t, g.MaskMismatch, 0.05)
}

func TestQueueClassifiesEnrichedPairs(t *testing.T) {
	ctx := context.Background()
	s, svc := newFixture(t)
	a := addImage(t, s, "aa", "/img/aa.jpg")
	b := addImage(t, s, "bb", "/img/bb.jpg")
	addPair(t, s, a, b, 2)
	putSignal(t, s, a, b, 0.005)

	items, total, err := svc.Queue(ctx, QueueRequest{Threshold: 10, Mode: ModeDistance})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Classification)
	require.Equal(t, ClassLikelyDuplicate, items[0].Classification.Class)
}

func TestQueueModesOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s, svc := newFixture(t)
	ids := make([]int64, 4)
	for i, md5 := range []string{"aa", "bb", "cc", "dd"} {
		ids[i] = addImage(t, s, md5, "/img/"+md5+".jpg")
	}
	require.NoError(t, s.ReplaceDuplicatePairs(ctx, []catalog.DuplicatePair{
		{ImageA: ids[0], ImageB: ids[1], Distance: 1, ThresholdAtScan: 10},
		{ImageA: ids[0], ImageB: ids[2], Distance: 3, ThresholdAtScan: 10},
		{ImageA: ids[0], ImageB: ids[3], Distance: 5, ThresholdAtScan: 10},
	}))
	putSignal(t, s, ids[0], ids[1], 0.5)   // variation
	putSignal(t, s, ids[0], ids[2], 0.02)  // uncertain
	putSignal(t, s, ids[0], ids[3], 0.001) // duplicate

	// distance mode keeps scan order.
	items, _, err := svc.Queue(ctx, QueueRequest{Threshold: 10, Mode: ModeDistance})
	require.NoError(t, err)
	require.Equal(t, []int64{ids[1], ids[2], ids[3]}, pairPartners(items))

	// likely_duplicates keeps only signals at or under the lower bound.
	items, total, err := svc.Queue(ctx, QueueRequest{Threshold: 10, Mode: ModeLikelyDuplicates})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, []int64{ids[3]}, pairPartners(items))

	// duplicate_first buckets duplicate, uncertain, variation.
	items, _, err = svc.Queue(ctx, QueueRequest{Threshold: 10, Mode: ModeDuplicateFirst})
	require.NoError(t, err)
	require.Equal(t, []int64{ids[3], ids[2], ids[1]}, pairPartners(items))

	// duplicate_hunt orders the same way here; paging applies after sort.
	items, total, err = svc.Queue(ctx, QueueRequest{Threshold: 10, Mode: ModeDuplicateHunt, Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, []int64{ids[2]}, pairPartners(items))
}

func pairPartners(items []QueueItem) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.Pair.ImageB
	}
	return out
}

func TestCommitDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	s, svc := newFixture(t)
	dir := t.TempDir()
	fileB := filepath.Join(dir, "bb.jpg")
	require.NoError(t, os.WriteFile(fileB, []byte("jpeg"), 0o644))
	a := addImage(t, s, "aa", filepath.Join(dir, "aa.jpg"))
	b := addImage(t, s, "bb", fileB)
	writeThumb(t, svc, fileB, flatImage(10, color.RGBA{0, 0, 0, 255}))
	addPair(t, s, a, b, 2)
	putSignal(t, s, a, b, 0.001)

	var deleted []int64
	svc.OnImageDeleted = func(id int64) { deleted = append(deleted, id) }
	svc.CalibrationLog = filepath.Join(t.TempDir(), "calibration.jsonl")

	res, err := svc.Commit(ctx, []Action{{ImageA: a, ImageB: b, Action: ActionDeleteB}}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.Deleted)
	require.Empty(t, res.Errors)

	_, err = s.ImageByID(ctx, b)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoFileExists(t, fileB)
	require.NoFileExists(t, svc.ThumbPath(fileB))
	require.Equal(t, []int64{b}, deleted)

	exists, err := s.RelationExists(ctx, a, b)
	require.NoError(t, err)
	require.True(t, exists)

	pairs, err := s.DuplicatePairs(ctx, 64)
	require.NoError(t, err)
	require.Empty(t, pairs)

	f, err := os.Open(svc.CalibrationLog)
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var line calibrationLine
	require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
	require.Equal(t, ClassLikelyDuplicate, line.SuggestedClass)
	require.Equal(t, ClassLikelyDuplicate, line.ManualClass)
	require.Equal(t, "matches", line.Outcome)
	require.False(t, sc.Scan())
}

func TestCommitRelatedDirections(t *testing.T) {
	ctx := context.Background()
	s, svc := newFixture(t)
	a := addImage(t, s, "aa", "/img/aa.jpg")
	b := addImage(t, s, "bb", "/img/bb.jpg")
	c := addImage(t, s, "cc", "/img/cc.jpg")
	require.NoError(t, s.ReplaceDuplicatePairs(ctx, []catalog.DuplicatePair{
		{ImageA: a, ImageB: b, Distance: 7, ThresholdAtScan: 10},
		{ImageA: a, ImageB: c, Distance: 8, ThresholdAtScan: 10},
	}))

	res, err := svc.Commit(ctx, []Action{
		{ImageA: a, ImageB: b, Action: ActionRelated, Detail: DetailSibling},
		{ImageA: a, ImageB: c, Action: ActionRelated, Detail: DetailParentChildBA},
	}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 2, res.Related)

	rels, err := s.RelationsForImage(ctx, a)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	byType := map[string]catalog.Relation{}
	for _, r := range rels {
		byType[r.Type] = r
	}
	require.Equal(t, a, byType[catalog.RelSibling].ImageA) // min id first
	require.Equal(t, b, byType[catalog.RelSibling].ImageB)
	require.Equal(t, c, byType[catalog.RelParentChild].ImageA) // parent first
	require.Equal(t, a, byType[catalog.RelParentChild].ImageB)
	require.Equal(t, catalog.RelSourceDuplicateReview, byType[catalog.RelSibling].Source)

	// Both pairs are gone from the queue.
	items, total, err := svc.Queue(ctx, QueueRequest{Threshold: 64})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, items)
}

func TestCommitUnknownActionCollectsError(t *testing.T) {
	ctx := context.Background()
	s, svc := newFixture(t)
	a := addImage(t, s, "aa", "/img/aa.jpg")
	b := addImage(t, s, "bb", "/img/bb.jpg")
	addPair(t, s, a, b, 2)

	res, err := svc.Commit(ctx, []Action{{ImageA: a, ImageB: b, Action: "promote"}}, nil, nil)
	require.NoError(t, err)
	require.Zero(t, res.Processed)
	require.Len(t, res.Errors, 1)

	// The pair survives a failed action.
	pairs, err := s.DuplicatePairs(ctx, 64)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
}
