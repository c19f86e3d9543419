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
	"fmt"
	"image"
)

const colorGrid = 4

// ColorHash computes a low-resolution color signature: the image is reduced
// to a 4x4 grid of mean RGB cells and each channel contributes one bit per
// cell (above or below the image-wide channel mean), 48 bits total.
func ColorHash(img image.Image) string {
	cells := resampleRGBA(img, colorGrid, colorGrid)

	var sumR, sumG, sumB float64
	n := float64(colorGrid * colorGrid)
	for y := 0; y < colorGrid; y++ {
		for x := 0; x < colorGrid; x++ {
			c := cells.RGBAAt(x, y)
			sumR += float64(c.R)
			sumG += float64(c.G)
			sumB += float64(c.B)
		}
	}
	meanR, meanG, meanB := sumR/n, sumG/n, sumB/n

	var bits uint64
	shift := uint(colorGrid*colorGrid*3 - 1)
	for y := 0; y < colorGrid; y++ {
		for x := 0; x < colorGrid; x++ {
			c := cells.RGBAAt(x, y)
			for _, pair := range [3][2]float64{
				{float64(c.R), meanR},
				{float64(c.G), meanG},
				{float64(c.B), meanB},
			} {
				if pair[0] > pair[1] {
					bits |= 1 << shift
				}
				shift--
			}
		}
	}
	return fmt.Sprintf("%012x", bits)
}
