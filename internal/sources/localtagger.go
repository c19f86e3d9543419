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

package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/hoardapp/hoard/internal/catalog"
)

// taggerTimeout is generous; inference on large images takes a while on CPU.
const taggerTimeout = 60 * time.Second

// Tagger produces categorized tags and a rating from the artifact file
// itself. The model worker is external; this is its client.
type Tagger interface {
	TagFile(ctx context.Context, path string) (*Result, error)
}

// LocalTaggerClient talks to the local AI tagger worker over HTTP. The
// worker accepts a multipart upload and answers categorized tag lists plus
// an inferred rating.
type LocalTaggerClient struct {
	endpoint string
	client   *http.Client
}

var _ Tagger = &LocalTaggerClient{}

// NewLocalTagger returns a client for the worker at endpoint.
func NewLocalTagger(endpoint string, client *http.Client) *LocalTaggerClient {
	if client == nil {
		client = &http.Client{Timeout: taggerTimeout}
	}
	return &LocalTaggerClient{endpoint: endpoint, client: client}
}

// TagFile implements Tagger.
func (l *LocalTaggerClient) TagFile(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening file for tagging")
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, errors.Wrap(err, "building tagger request")
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, errors.Wrap(err, "uploading file for tagging")
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "finalizing tagger request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, &body)
	if err != nil {
		return nil, errors.Wrap(err, "creating tagger request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := l.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling local tagger")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("local tagger returned %d", res.StatusCode)
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading tagger response")
	}

	var payload struct {
		Rating string `json:"rating"`
		Tags   struct {
			General   []string `json:"general"`
			Character []string `json:"character"`
			Copyright []string `json:"copyright"`
			Artist    []string `json:"artist"`
			Species   []string `json:"species"`
			Meta      []string `json:"meta"`
		} `json:"tags"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "decoding tagger response")
	}

	return normalizeResult(&Result{
		Source: LocalTagger,
		Rating: payload.Rating,
		Tags: catalog.CategorizedTags{
			catalog.CategoryGeneral:   payload.Tags.General,
			catalog.CategoryCharacter: payload.Tags.Character,
			catalog.CategoryCopyright: payload.Tags.Copyright,
			catalog.CategoryArtist:    payload.Tags.Artist,
			catalog.CategorySpecies:   payload.Tags.Species,
			catalog.CategoryMeta:      payload.Tags.Meta,
		},
		Raw: json.RawMessage(raw),
	}), nil
}
