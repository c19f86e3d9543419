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

// Package hashing computes the perceptual fingerprints stored for every
// artifact: a 64-bit DCT hash and a 48-bit color histogram hash, both
// serialized as lowercase hex.
package hashing

import (
	"fmt"
	"image"
	"math"
	"sort"
)

// PHashBits is the fixed perceptual hash width.
const PHashBits = 64

const (
	dctSize = 32
	lowBand = 8
)

// PHash computes the 64-bit DCT perceptual hash of an image: resample to
// 32x32 grayscale, 2D DCT-II, keep the 8x8 low-frequency block, threshold
// each coefficient on the block median.
func PHash(img image.Image) string {
	plane := resampleGray(img, dctSize, dctSize)
	coeffs := dct2d(plane, dctSize)

	band := make([]float64, 0, lowBand*lowBand)
	for y := 0; y < lowBand; y++ {
		for x := 0; x < lowBand; x++ {
			band = append(band, coeffs[y*dctSize+x])
		}
	}
	sorted := append([]float64(nil), band...)
	sort.Float64s(sorted)
	median := (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2

	var bits uint64
	for i, c := range band {
		if c > median {
			bits |= 1 << uint(len(band)-1-i)
		}
	}
	return fmt.Sprintf("%016x", bits)
}

// dct2d applies a separable DCT-II over a square n x n plane.
func dct2d(plane []float64, n int) []float64 {
	tmp := make([]float64, n*n)
	out := make([]float64, n*n)
	row := make([]float64, n)
	for y := 0; y < n; y++ {
		copy(row, plane[y*n:(y+1)*n])
		dst := tmp[y*n : (y+1)*n]
		dct1d(row, dst)
	}
	col := make([]float64, n)
	res := make([]float64, n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = tmp[y*n+x]
		}
		dct1d(col, res)
		for y := 0; y < n; y++ {
			out[y*n+x] = res[y]
		}
	}
	return out
}

func dct1d(in, out []float64) {
	n := len(in)
	for k := 0; k < n; k++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += in[i] * math.Cos(math.Pi/float64(n)*(float64(i)+0.5)*float64(k))
		}
		scale := math.Sqrt(2.0 / float64(n))
		if k == 0 {
			scale = math.Sqrt(1.0 / float64(n))
		}
		out[k] = sum * scale
	}
}
