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
)

// resampleGray scales src to w x h grayscale using bilinear interpolation.
// The perceptual hash and the diff metrics both run on these small planes,
// so the quality of a full-blown resampling kernel is not needed.
func resampleGray(src image.Image, w, h int) []float64 {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	out := make([]float64, w*h)
	if sw == 0 || sh == 0 {
		return out
	}
	for y := 0; y < h; y++ {
		fy := (float64(y) + 0.5) * float64(sh) / float64(h)
		y0 := clampInt(int(fy-0.5), 0, sh-1)
		y1 := clampInt(y0+1, 0, sh-1)
		wy := fy - 0.5 - float64(y0)
		if wy < 0 {
			wy = 0
		}
		for x := 0; x < w; x++ {
			fx := (float64(x) + 0.5) * float64(sw) / float64(w)
			x0 := clampInt(int(fx-0.5), 0, sw-1)
			x1 := clampInt(x0+1, 0, sw-1)
			wx := fx - 0.5 - float64(x0)
			if wx < 0 {
				wx = 0
			}
			g00 := grayAt(src, b.Min.X+x0, b.Min.Y+y0)
			g10 := grayAt(src, b.Min.X+x1, b.Min.Y+y0)
			g01 := grayAt(src, b.Min.X+x0, b.Min.Y+y1)
			g11 := grayAt(src, b.Min.X+x1, b.Min.Y+y1)
			top := g00*(1-wx) + g10*wx
			bot := g01*(1-wx) + g11*wx
			out[y*w+x] = top*(1-wy) + bot*wy
		}
	}
	return out
}

func grayAt(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	// ITU-R BT.601 luma on 16-bit channels.
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
}

// resampleRGBA scales src into a dst RGBA image of the given size using the
// same bilinear kernel, channel by channel.
func resampleRGBA(src image.Image, w, h int) *image.RGBA {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if sw == 0 || sh == 0 {
		return dst
	}
	for y := 0; y < h; y++ {
		sy := clampInt(y*sh/h, 0, sh-1)
		for x := 0; x < w; x++ {
			sx := clampInt(x*sw/w, 0, sw-1)
			r, g, bb, a := src.At(b.Min.X+sx, b.Min.Y+sy).RGBA()
			dst.SetRGBA(x, y, color.RGBA{
				R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bb >> 8), A: uint8(a >> 8),
			})
		}
	}
	return dst
}

// FitToCanvas centers src inside a square transparent canvas of the given
// side, preserving aspect ratio. The duplicate-review diff runs on these.
func FitToCanvas(src image.Image, side int) *image.RGBA {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	canvas := image.NewRGBA(image.Rect(0, 0, side, side))
	if sw == 0 || sh == 0 {
		return canvas
	}
	w, h := side, side
	if sw > sh {
		h = sh * side / sw
	} else {
		w = sw * side / sh
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	scaled := resampleRGBA(src, w, h)
	offX := (side - w) / 2
	offY := (side - h) / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			canvas.SetRGBA(x+offX, y+offY, scaled.RGBAAt(x, y))
		}
	}
	return canvas
}

// ScaleToFit scales src so its longest side is maxDim, preserving aspect
// ratio. Smaller images are returned at their original size.
func ScaleToFit(src image.Image, maxDim int) *image.RGBA {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw == 0 || sh == 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	w, h := sw, sh
	if sw > maxDim || sh > maxDim {
		if sw > sh {
			w, h = maxDim, sh*maxDim/sw
		} else {
			w, h = sw*maxDim/sh, maxDim
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
	}
	return resampleRGBA(src, w, h)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
