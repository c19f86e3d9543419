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
	"bytes"
	"context"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/hoardapp/hoard/internal/hashing"
)

// thumbMaxDim is the longest side of a generated thumbnail.
const thumbMaxDim = 400

// Thumbnailer renders a preview for a committed artifact.
type Thumbnailer interface {
	Generate(ctx context.Context, srcPath, md5 string) error
	// Path returns where the thumbnail for srcPath lives.
	Path(srcPath string) string
}

// ThumbRelPath maps an artifact under imageDir to its thumbnail location
// relative to the thumbnail root: the same subpath with a .webp extension.
// Paths outside imageDir fall back to their base name.
func ThumbRelPath(imageDir, srcPath string) string {
	rel, err := filepath.Rel(imageDir, srcPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(srcPath)
	}
	return strings.TrimSuffix(rel, filepath.Ext(rel)) + ".webp"
}

// WebPThumbnailer mirrors imageDir under dir with .webp previews, using the
// hash engine's frame extraction so videos and zip animations thumbnail too.
// Encoding shells out to ffmpeg, which frame extraction already requires.
type WebPThumbnailer struct {
	engine   *hashing.Engine
	imageDir string
	dir      string
}

// NewWebPThumbnailer returns a Thumbnailer rendering into dir.
func NewWebPThumbnailer(engine *hashing.Engine, imageDir, dir string) *WebPThumbnailer {
	return &WebPThumbnailer{engine: engine, imageDir: imageDir, dir: dir}
}

// Path implements Thumbnailer.
func (t *WebPThumbnailer) Path(srcPath string) string {
	return filepath.Join(t.dir, ThumbRelPath(t.imageDir, srcPath))
}

// Generate implements Thumbnailer.
func (t *WebPThumbnailer) Generate(ctx context.Context, srcPath, md5 string) error {
	frame, err := t.engine.Frame(ctx, srcPath, md5)
	if err != nil {
		return err
	}
	scaled := hashing.ScaleToFit(frame, thumbMaxDim)
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return errors.Wrap(err, "encoding thumbnail frame")
	}
	out := t.Path(srcPath)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return errors.Wrap(err, "creating thumbnail directory")
	}
	enc := exec.CommandContext(ctx, "ffmpeg",
		"-v", "error",
		"-y",
		"-i", "-",
		out)
	enc.Stdin = &buf
	return errors.Wrapf(enc.Run(), "encoding webp thumbnail %s", out)
}
