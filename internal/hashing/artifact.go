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
	"archive/zip"
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"
)

// Kind classifies an artifact for frame selection.
type Kind int

const (
	KindUnknown Kind = iota
	KindStill
	KindVideo
	KindZipAnimation
)

// zipFrameCacheSize bounds the decoded-first-frame cache. Zip animations
// are re-hashed during scans and rebuilds, and extraction is the slow part.
const zipFrameCacheSize = 64

// Engine turns artifact files into preview frames and hashes. It is safe
// for concurrent use.
type Engine struct {
	zipFrames *lru.Cache[string, image.Image]
}

// NewEngine constructs an Engine.
func NewEngine() (*Engine, error) {
	c, err := lru.New[string, image.Image](zipFrameCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating zip frame cache")
	}
	return &Engine{zipFrames: c}, nil
}

// KindOf sniffs the artifact kind from the file header.
func KindOf(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return KindUnknown, errors.Wrap(err, "opening artifact")
	}
	defer f.Close()
	head := make([]byte, 262)
	n, _ := f.Read(head)
	t, err := filetype.Match(head[:n])
	if err != nil {
		return KindUnknown, errors.Wrap(err, "sniffing artifact type")
	}
	switch {
	case t == matchers.TypeZip:
		return KindZipAnimation, nil
	case t.MIME.Type == "image":
		return KindStill, nil
	case t.MIME.Type == "video":
		return KindVideo, nil
	default:
		return KindUnknown, nil
	}
}

// Frame returns the representative frame of an artifact: the image itself
// for stills, the middle frame for videos, the first frame of the extracted
// sequence for zip animations. md5 keys the zip frame cache.
func (e *Engine) Frame(ctx context.Context, path, md5 string) (image.Image, error) {
	kind, err := KindOf(path)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindStill:
		return decodeFile(path)
	case KindVideo:
		return videoMiddleFrame(ctx, path)
	case KindZipAnimation:
		if img, ok := e.zipFrames.Get(md5); ok {
			return img, nil
		}
		img, err := zipFirstFrame(path)
		if err != nil {
			return nil, err
		}
		e.zipFrames.Add(md5, img)
		return img, nil
	default:
		return nil, errors.Errorf("unsupported artifact type for %s", path)
	}
}

// Hashes computes both perceptual fingerprints for an artifact.
func (e *Engine) Hashes(ctx context.Context, path, md5 string) (phash, colorhash string, err error) {
	frame, err := e.Frame(ctx, path, md5)
	if err != nil {
		return "", "", err
	}
	return PHash(frame), ColorHash(frame), nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening image")
	}
	defer f.Close()
	orient := readOrientation(f)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewinding image")
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return applyOrientation(img, orient), nil
}

// videoMiddleFrame probes the duration with ffprobe and extracts one PNG
// frame at the midpoint with ffmpeg. Both binaries must be on PATH.
func videoMiddleFrame(ctx context.Context, path string) (image.Image, error) {
	probe := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	out, err := probe.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "probing video duration of %s", path)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing video duration %q", out)
	}
	mid := strconv.FormatFloat(dur/2, 'f', 3, 64)

	var frame bytes.Buffer
	extract := exec.CommandContext(ctx, "ffmpeg",
		"-v", "error",
		"-ss", mid,
		"-i", path,
		"-frames:v", "1",
		"-f", "image2",
		"-vcodec", "png",
		"-")
	extract.Stdout = &frame
	if err := extract.Run(); err != nil {
		return nil, errors.Wrapf(err, "extracting middle frame of %s", path)
	}
	img, _, err := image.Decode(&frame)
	return img, errors.Wrap(err, "decoding extracted frame")
}

// zipFirstFrame decodes the lexically first image entry of a zip animation.
func zipFirstFrame(path string) (image.Image, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening zip animation %s", path)
	}
	defer r.Close()

	var names []string
	byName := map[string]*zip.File{}
	for _, f := range r.File {
		lower := strings.ToLower(f.Name)
		if strings.HasSuffix(lower, ".png") || strings.HasSuffix(lower, ".jpg") ||
			strings.HasSuffix(lower, ".jpeg") || strings.HasSuffix(lower, ".gif") {
			names = append(names, f.Name)
			byName[f.Name] = f
		}
	}
	if len(names) == 0 {
		return nil, errors.Errorf("zip animation %s has no image entries", path)
	}
	sort.Strings(names)

	rc, err := byName[names[0]].Open()
	if err != nil {
		return nil, errors.Wrap(err, "opening first zip frame")
	}
	defer rc.Close()
	img, _, err := image.Decode(rc)
	return img, errors.Wrap(err, "decoding first zip frame")
}
