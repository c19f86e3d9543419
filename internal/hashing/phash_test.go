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

package hashing

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// gradient paints a deterministic test pattern.
func gradient(w, h int, seed int64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewSource(seed))
	base := uint8(rng.Intn(64))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x*255/w) + base,
				G: uint8(y * 255 / h),
				B: uint8((x + y) * 255 / (w + h)),
				A: 255,
			})
		}
	}
	return img
}

func TestPHashIsDeterministic(t *testing.T) {
	img := gradient(640, 480, 1)
	require.Equal(t, PHash(img), PHash(img))
	require.Len(t, PHash(img), PHashBits/4)
}

func TestPHashSurvivesRescaling(t *testing.T) {
	big := gradient(800, 600, 2)
	small := resampleRGBA(big, 200, 150)
	d, err := HammingHex(PHash(big), PHash(small))
	require.NoError(t, err)
	require.LessOrEqual(t, d, 6, "rescaled image should stay visually close")
}

func TestPHashSeparatesDifferentContent(t *testing.T) {
	a := gradient(400, 400, 3)
	// Invert the pattern completely.
	b := image.NewRGBA(image.Rect(0, 0, 400, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 400; x++ {
			c := a.RGBAAt(x, y)
			b.SetRGBA(x, y, color.RGBA{R: 255 - c.R, G: 255 - c.G, B: 255 - c.B, A: 255})
		}
	}
	d, err := HammingHex(PHash(a), PHash(b))
	require.NoError(t, err)
	require.Greater(t, d, 16, "inverted image should be far away")
}

func TestHamming(t *testing.T) {
	require.Equal(t, 0, Hamming(0xff00, 0xff00))
	require.Equal(t, 16, Hamming(0xff00, 0x00ff))
	require.Equal(t, 1, Hamming(0, 1))
}

func TestParsePHashRejectsWrongLength(t *testing.T) {
	_, err := ParsePHash("abcd")
	require.Error(t, err)
	v, err := ParsePHash("00000000000000ff")
	require.NoError(t, err)
	require.EqualValues(t, 0xff, v)
}

func TestColorHashLength(t *testing.T) {
	img := gradient(100, 100, 4)
	require.Len(t, ColorHash(img), 12)
	require.Equal(t, ColorHash(img), ColorHash(img))
}

func TestFitToCanvasPreservesAspect(t *testing.T) {
	wide := gradient(400, 100, 5)
	canvas := FitToCanvas(wide, 256)
	b := canvas.Bounds()
	require.Equal(t, 256, b.Dx())
	require.Equal(t, 256, b.Dy())
	// Rows well above the centered strip stay fully transparent.
	_, _, _, a := canvas.At(128, 10).RGBA()
	require.Zero(t, a)
	// The center carries content.
	_, _, _, a = canvas.At(128, 128).RGBA()
	require.NotZero(t, a)
}
