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

import "math"

// Suggested classes.
const (
	ClassLikelyDuplicate = "likely_duplicate"
	ClassUncertain       = "uncertain"
	ClassLikelyVariation = "likely_variation"
)

// Default classification bounds on the final signal.
const (
	DefaultLowerBound = 0.012
	DefaultUpperBound = 0.04
)

// metadataAdjustScale bounds how much non-pixel evidence can move the
// signal.
const metadataAdjustScale = 0.04

// Classification is the verdict over one pair's final signal.
type Classification struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// MetadataAdjust turns area, filesize, and tag-count disparity into a small
// signal addition. The guard keeps it from dominating pairs whose pixels
// are near-identical: it can never exceed the visual signal by more than a
// hair.
func MetadataAdjust(visual, areaRatio, filesizeRatio, tagGapRatio float64) float64 {
	raw := 0.5*(1-areaRatio) + 0.3*(1-filesizeRatio) + 0.2*tagGapRatio
	adjust := metadataAdjustScale * clamp01(raw)
	if limit := visual + 0.004; adjust > limit {
		adjust = limit
	}
	return adjust
}

// Classify places a final signal against the (lower, upper) bounds.
// Confidence is the normalized distance from the nearest boundary.
func Classify(signal, lower, upper float64) Classification {
	switch {
	case signal <= lower:
		conf := 1.0
		if lower > 0 {
			conf = (lower - signal) / lower
		}
		return Classification{Class: ClassLikelyDuplicate, Confidence: clamp01(conf)}
	case signal >= upper:
		span := 1 - upper
		conf := 1.0
		if span > 0 {
			conf = (signal - upper) / span
		}
		return Classification{Class: ClassLikelyVariation, Confidence: clamp01(conf)}
	default:
		mid := (lower + upper) / 2
		half := (upper - lower) / 2
		conf := 0.0
		if half > 0 {
			conf = 1 - math.Abs(signal-mid)/half
		}
		return Classification{Class: ClassUncertain, Confidence: clamp01(conf)}
	}
}

// Ratio returns min/max of two positive quantities, 1 when both are zero.
func Ratio(a, b float64) float64 {
	if a <= 0 && b <= 0 {
		return 1
	}
	if a > b {
		a, b = b, a
	}
	if b == 0 {
		return 1
	}
	return a / b
}

// TagGap normalizes the tag-count disparity of a pair.
func TagGap(a, b int) float64 {
	max := a
	if b > max {
		max = b
	}
	if max == 0 {
		return 0
	}
	return math.Abs(float64(a-b)) / float64(max)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
