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

// Package dupreview enriches duplicate pairs with diff metrics, classifies
// them, serves the review queue, and commits review actions.
package dupreview

import (
	"image"
	"math"

	"github.com/hoardapp/hoard/internal/hashing"
)

const (
	// canvasSize is the square both previews are fitted into before
	// differencing.
	canvasSize = 256

	// diffPixelThreshold marks a pixel as changed (out of 255).
	diffPixelThreshold = 24

	// diffNeighborMin is the despeckle floor: a changed pixel survives only
	// when at least this many of its 3x3 neighbors changed too.
	diffNeighborMin = 2
)

// Visual signal component weights.
const (
	weightLargestBlob  = 0.55
	weightBlobContrast = 0.25
	weightChangedRatio = 0.15
	weightMaskMismatch = 0.05
)

// DiffMetrics is the raw outcome of differencing two fitted previews.
type DiffMetrics struct {
	MeanAbsDiff      float64
	ChangedRatio     float64
	LargestBlobRatio float64
	BlobCount        int
	PeakBlobContrast float64
	MaskMismatch     float64
	VisualSignal     float64
}

// ComparePreviews fits both images onto a shared canvas and measures where
// and how much they differ.
func ComparePreviews(a, b image.Image) DiffMetrics {
	ca := hashing.FitToCanvas(a, canvasSize)
	cb := hashing.FitToCanvas(b, canvasSize)

	var (
		coverage   [canvasSize * canvasSize]bool
		diff       [canvasSize * canvasSize]uint8
		gray       [canvasSize * canvasSize]float64
		covered    int
		mismatched int
		sumDiff    float64
	)
	for y := 0; y < canvasSize; y++ {
		for x := 0; x < canvasSize; x++ {
			i := y*canvasSize + x
			pa := ca.RGBAAt(x, y)
			pb := cb.RGBAAt(x, y)
			inA, inB := pa.A > 0, pb.A > 0
			if !inA && !inB {
				continue
			}
			coverage[i] = true
			covered++
			if inA != inB {
				mismatched++
			}
			// Max-channel absolute difference catches hue-only edits that a
			// luma diff would flatten out.
			d := maxChannelDiff(pa.R, pa.G, pa.B, pb.R, pb.G, pb.B)
			diff[i] = d
			sumDiff += float64(d)
			la := 0.299*float64(pa.R) + 0.587*float64(pa.G) + 0.114*float64(pa.B)
			lb := 0.299*float64(pb.R) + 0.587*float64(pb.G) + 0.114*float64(pb.B)
			gray[i] = math.Abs(la - lb)
		}
	}
	if covered == 0 {
		return DiffMetrics{}
	}

	blurred := boxBlur(&gray)
	changed := changeMask(&diff, blurred, &coverage)
	despeckled := despeckle(changed)

	blobs := connectedComponents(despeckled)
	largest, peak := 0, 0.0
	for _, blob := range blobs {
		if len(blob) > largest {
			largest = len(blob)
		}
		var sum float64
		for _, i := range blob {
			sum += float64(diff[i])
		}
		if mean := sum / float64(len(blob)) / 255; mean > peak {
			peak = mean
		}
	}

	changedCount := 0
	for _, on := range despeckled {
		if on {
			changedCount++
		}
	}

	m := DiffMetrics{
		MeanAbsDiff:      sumDiff / float64(covered) / 255,
		ChangedRatio:     float64(changedCount) / float64(covered),
		LargestBlobRatio: float64(largest) / float64(covered),
		BlobCount:        len(blobs),
		PeakBlobContrast: peak,
		MaskMismatch:     float64(mismatched) / float64(covered),
	}
	m.VisualSignal = weightLargestBlob*m.LargestBlobRatio +
		weightBlobContrast*m.PeakBlobContrast +
		weightChangedRatio*m.ChangedRatio +
		weightMaskMismatch*m.MaskMismatch
	return m
}

func maxChannelDiff(r1, g1, b1, r2, g2, b2 uint8) uint8 {
	d := absDiff(r1, r2)
	if g := absDiff(g1, g2); g > d {
		d = g
	}
	if b := absDiff(b1, b2); b > d {
		d = b
	}
	return d
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

// boxBlur smooths the gray diff with a 3x3 mean so single-pixel noise does
// not trip the change threshold.
func boxBlur(gray *[canvasSize * canvasSize]float64) *[canvasSize * canvasSize]float64 {
	var out [canvasSize * canvasSize]float64
	for y := 0; y < canvasSize; y++ {
		for x := 0; x < canvasSize; x++ {
			var sum float64
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= canvasSize || ny >= canvasSize {
						continue
					}
					sum += gray[ny*canvasSize+nx]
					n++
				}
			}
			out[y*canvasSize+x] = sum / float64(n)
		}
	}
	return &out
}

// changeMask marks pixels whose difference clears the threshold in either
// the max-channel or the blurred gray signal, restricted to coverage.
func changeMask(diff *[canvasSize * canvasSize]uint8, blurred *[canvasSize * canvasSize]float64, coverage *[canvasSize * canvasSize]bool) *[canvasSize * canvasSize]bool {
	var out [canvasSize * canvasSize]bool
	for i := range out {
		if !coverage[i] {
			continue
		}
		out[i] = diff[i] >= diffPixelThreshold || blurred[i] >= diffPixelThreshold
	}
	return &out
}

// despeckle drops changed pixels with too few changed 3x3 neighbors.
func despeckle(mask *[canvasSize * canvasSize]bool) *[canvasSize * canvasSize]bool {
	var out [canvasSize * canvasSize]bool
	for y := 0; y < canvasSize; y++ {
		for x := 0; x < canvasSize; x++ {
			i := y*canvasSize + x
			if !mask[i] {
				continue
			}
			lit := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= canvasSize || ny >= canvasSize {
						continue
					}
					if mask[ny*canvasSize+nx] {
						lit++
					}
				}
			}
			out[i] = lit >= diffNeighborMin
		}
	}
	return &out
}

// connectedComponents extracts 4-connected blobs of the despeckled mask.
func connectedComponents(mask *[canvasSize * canvasSize]bool) [][]int {
	var visited [canvasSize * canvasSize]bool
	var blobs [][]int
	var stack []int
	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}
		var blob []int
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			blob = append(blob, i)
			x, y := i%canvasSize, i/canvasSize
			for _, nb := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := nb[0], nb[1]
				if nx < 0 || ny < 0 || nx >= canvasSize || ny >= canvasSize {
					continue
				}
				j := ny*canvasSize + nx
				if mask[j] && !visited[j] {
					visited[j] = true
					stack = append(stack, j)
				}
			}
		}
		blobs = append(blobs, blob)
	}
	return blobs
}
