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

package ingest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoardapp/hoard/internal/hashing"
)

func TestThumbRelPathMirrorsImageTree(t *testing.T) {
	imageDir := filepath.FromSlash("/library/images")
	for _, tc := range []struct {
		src, want string
	}{
		{"/library/images/aa/pic.jpg", "aa/pic.webp"},
		{"/library/images/aa/bb/clip.mp4", "aa/bb/clip.webp"},
		{"/library/images/top.png", "top.webp"},
		{"/elsewhere/stray.gif", "stray.webp"},
	} {
		got := ThumbRelPath(imageDir, filepath.FromSlash(tc.src))
		require.Equal(t, filepath.FromSlash(tc.want), got, tc.src)
	}
}

func TestWebPThumbnailerPath(t *testing.T) {
	engine, err := hashing.NewEngine()
	require.NoError(t, err)
	thumbs := NewWebPThumbnailer(engine,
		filepath.FromSlash("/library/images"), filepath.FromSlash("/library/thumbs"))
	require.Equal(t,
		filepath.FromSlash("/library/thumbs/aa/pic.webp"),
		thumbs.Path(filepath.FromSlash("/library/images/aa/pic.jpg")))
}
