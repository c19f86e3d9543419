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
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

// flatImage returns a solid-color square.
func flatImage(side int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// withBlock paints a contrasting rectangle onto a copy of img.
func withBlock(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			out.SetRGBA(x, y, c)
		}
	}
	return out
}

func TestIdenticalImagesProduceZeroSignal(t *testing.T) {
	a := flatImage(200, color.RGBA{120, 80, 40, 255})
	b := flatImage(200, color.RGBA{120, 80, 40, 255})

	m := ComparePreviews(a, b)
	require.Zero(t, m.ChangedRatio)
	require.Zero(t, m.LargestBlobRatio)
	require.Zero(t, m.BlobCount)
	require.Zero(t, m.VisualSignal)

	c := Classify(m.VisualSignal, DefaultLowerBound, DefaultUpperBound)
	require.Equal(t, ClassLikelyDuplicate, c.Class)
	require.InDelta(t, 1.0, c.Confidence, 1e-9)
}

func TestPastedBlockDetectedAsBlob(t *testing.T) {
	base := flatImage(200, color.RGBA{120, 80, 40, 255})
	edited := withBlock(base, 40, 40, 120, 120, color.RGBA{250, 250, 250, 255})

	m := ComparePreviews(base, edited)
	require.Equal(t, 1, m.BlobCount)
	// The 80x200 block covers 16% of the source; allow slack for canvas
	// resampling at the edges.
	require.InDelta(t, 0.16, m.LargestBlobRatio, 0.03)
	require.Greater(t, m.PeakBlobContrast, 0.4)
	require.Greater(t, m.VisualSignal, DefaultUpperBound)

	c := Classify(m.VisualSignal, DefaultLowerBound, DefaultUpperBound)
	require.Equal(t, ClassLikelyVariation, c.Class)
}

func TestSubtleRecompressionNoiseStaysBelowLowerBound(t *testing.T) {
	base := flatImage(200, color.RGBA{120, 80, 40, 255})
	noisy := image.NewRGBA(base.Bounds())
	copy(noisy.Pix, base.Pix)
	// A diff of 6 per channel is well under diffPixelThreshold.
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			noisy.SetRGBA(x, y, color.RGBA{126, 86, 46, 255})
		}
	}

	m := ComparePreviews(base, noisy)
	require.Zero(t, m.ChangedRatio)
	require.Greater(t, m.MeanAbsDiff, 0.0)
	require.LessOrEqual(t, m.VisualSignal, DefaultLowerBound)
}

func TestAspectMismatchShowsAsMaskMismatch(t *testing.T) {
	square := flatImage(200, color.RGBA{120, 80, 40, 255})
	wide := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			wide.SetRGBA(x, y, color.RGBA{120, 80, 40, 255})
		}
	}

	m := ComparePreviews(square, wide)
	require.Greater(t, m.MaskMismatch, 0.3)
}
