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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// minimalWebP is a header-only lossless WebP describing a 1x1 canvas, enough
// for format sniffing and config decoding.
var minimalWebP = []byte{
	'R', 'I', 'F', 'F', 0x12, 0, 0, 0, 'W', 'E', 'B', 'P',
	'V', 'P', '8', 'L', 0x05, 0, 0, 0, 0x2f, 0, 0, 0, 0, 0,
}

func TestWebPDecoderRegistered(t *testing.T) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(minimalWebP))
	require.NoError(t, err)
	require.Equal(t, "webp", format)
	require.Equal(t, 1, cfg.Width)
	require.Equal(t, 1, cfg.Height)
}

func TestKindOfWebP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.webp")
	require.NoError(t, os.WriteFile(path, minimalWebP, 0o644))
	kind, err := KindOf(path)
	require.NoError(t, err)
	require.Equal(t, KindStill, kind)
}
