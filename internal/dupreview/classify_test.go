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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyBounds(t *testing.T) {
	cases := []struct {
		name   string
		signal float64
		class  string
	}{
		{"zero", 0, ClassLikelyDuplicate},
		{"at lower", DefaultLowerBound, ClassLikelyDuplicate},
		{"just above lower", DefaultLowerBound + 1e-6, ClassUncertain},
		{"midpoint", (DefaultLowerBound + DefaultUpperBound) / 2, ClassUncertain},
		{"at upper", DefaultUpperBound, ClassLikelyVariation},
		{"far above", 0.5, ClassLikelyVariation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.signal, DefaultLowerBound, DefaultUpperBound)
			require.Equal(t, tc.class, c.Class)
			require.GreaterOrEqual(t, c.Confidence, 0.0)
			require.LessOrEqual(t, c.Confidence, 1.0)
		})
	}
}

func TestClassifyConfidencePeaksAtMidpoint(t *testing.T) {
	mid := Classify((DefaultLowerBound+DefaultUpperBound)/2, DefaultLowerBound, DefaultUpperBound)
	require.InDelta(t, 1.0, mid.Confidence, 1e-9)

	nearEdge := Classify(DefaultUpperBound-1e-4, DefaultLowerBound, DefaultUpperBound)
	require.Less(t, nearEdge.Confidence, mid.Confidence)
}

func TestMetadataAdjustGuardedByVisual(t *testing.T) {
	// Maximal metadata disparity against pixel-identical previews: the
	// adjustment must stay within a hair of the visual signal.
	adjust := MetadataAdjust(0, 0, 0, 1)
	require.LessOrEqual(t, adjust, 0.004)

	// With a real visual signal the full scaled adjustment applies.
	full := MetadataAdjust(0.5, 0, 0, 1)
	require.InDelta(t, metadataAdjustScale, full, 1e-9)
}

func TestMetadataAdjustZeroForIdenticalMetadata(t *testing.T) {
	require.Zero(t, MetadataAdjust(0.1, 1, 1, 0))
}

func TestRatio(t *testing.T) {
	require.Equal(t, 0.5, Ratio(1, 2))
	require.Equal(t, 0.5, Ratio(2, 1))
	require.Equal(t, 1.0, Ratio(0, 0))
	require.Equal(t, 1.0, Ratio(3, 3))
}

func TestTagGap(t *testing.T) {
	require.Equal(t, 0.0, TagGap(0, 0))
	require.Equal(t, 0.0, TagGap(5, 5))
	require.Equal(t, 0.5, TagGap(5, 10))
	require.Equal(t, 1.0, TagGap(0, 7))
}
