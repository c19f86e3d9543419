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
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// exifJPEG encodes img as JPEG and splices in a minimal EXIF block holding
// only the orientation tag.
func exifJPEG(t *testing.T, img image.Image, orientation uint16) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	tiff := []byte{
		'I', 'I', 42, 0, // little-endian TIFF
		8, 0, 0, 0, // IFD0 offset
		1, 0, // one entry
		0x12, 0x01, // orientation tag
		3, 0, // SHORT
		1, 0, 0, 0, // count
		byte(orientation), byte(orientation >> 8), 0, 0,
		0, 0, 0, 0, // no next IFD
	}
	app1 := append([]byte("Exif\x00\x00"), tiff...)
	out := []byte{0xff, 0xd8, 0xff, 0xe1, byte((len(app1) + 2) >> 8), byte(len(app1) + 2)}
	out = append(out, app1...)
	return append(out, buf.Bytes()[2:]...)
}

func TestApplyOrientation(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	src.SetNRGBA(0, 0, red)
	src.SetNRGBA(1, 0, blue)

	require.Equal(t, src.Bounds(), applyOrientation(src, 1).Bounds())

	flipped := applyOrientation(src, 3)
	require.Equal(t, blue, flipped.At(0, 0))
	require.Equal(t, red, flipped.At(1, 0))

	cw := applyOrientation(src, 6)
	require.Equal(t, image.Rect(0, 0, 1, 2), cw.Bounds())
	require.Equal(t, red, cw.At(0, 0))
	require.Equal(t, blue, cw.At(0, 1))

	ccw := applyOrientation(src, 8)
	require.Equal(t, image.Rect(0, 0, 1, 2), ccw.Bounds())
	require.Equal(t, blue, ccw.At(0, 0))
	require.Equal(t, red, ccw.At(0, 1))
}

func TestReadOrientationAbsent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(8, 8, 1), nil))
	require.Equal(t, 1, readOrientation(bytes.NewReader(buf.Bytes())))
}

func TestDecodeFileAppliesOrientation(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			c := color.NRGBA{R: 220, G: 30, B: 30, A: 255}
			if x >= 10 {
				c = color.NRGBA{R: 30, G: 30, B: 220, A: 255}
			}
			src.SetNRGBA(x, y, c)
		}
	}
	data := exifJPEG(t, src, 6)
	require.Equal(t, 6, readOrientation(bytes.NewReader(data)))

	path := filepath.Join(t.TempDir(), "rotated.jpg")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	img, err := decodeFile(path)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 10, 20), img.Bounds())

	// The red left half ends up as the top half after the clockwise turn.
	r, _, b, _ := img.At(5, 3).RGBA()
	require.Greater(t, r, b)
	r, _, b, _ = img.At(5, 16).RGBA()
	require.Greater(t, b, r)
}
