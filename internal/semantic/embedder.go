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

// Package semantic wraps the external embedding model behind a small
// interface and provides the in-memory nearest-neighbor index over the
// stored vectors.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Embedder produces a fixed-dimension vector per artifact file.
type Embedder interface {
	EmbedFile(ctx context.Context, path string) ([]float32, error)
	Dim() int
}

const embedTimeout = 30 * time.Second

// RemoteEmbedder calls an external model worker over HTTP. The worker
// accepts a multipart upload and answers {"embedding": [...]}.
type RemoteEmbedder struct {
	Endpoint string
	dim      int
	client   *http.Client
}

// NewRemoteEmbedder returns an embedder for the worker at endpoint.
func NewRemoteEmbedder(endpoint string, dim int) *RemoteEmbedder {
	return &RemoteEmbedder{
		Endpoint: endpoint,
		dim:      dim,
		client:   &http.Client{Timeout: embedTimeout},
	}
}

// Dim implements Embedder.
func (r *RemoteEmbedder) Dim() int { return r.dim }

// EmbedFile implements Embedder.
func (r *RemoteEmbedder) EmbedFile(ctx context.Context, path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening file for embedding")
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, errors.Wrap(err, "building embed request")
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, errors.Wrap(err, "uploading file for embedding")
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "finalizing embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, &body)
	if err != nil {
		return nil, errors.Wrap(err, "creating embed request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling embedding worker")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("embedding worker returned %d", res.StatusCode)
	}

	var payload struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decoding embedding response")
	}
	if len(payload.Embedding) != r.dim {
		return nil, fmt.Errorf("embedding has dimension %d, want %d", len(payload.Embedding), r.dim)
	}
	return payload.Embedding, nil
}

// ZeroEmbedder is the test stub: fixed-dimension zero vectors.
type ZeroEmbedder struct{ Dimension int }

// Dim implements Embedder.
func (z *ZeroEmbedder) Dim() int { return z.Dimension }

// EmbedFile implements Embedder.
func (z *ZeroEmbedder) EmbedFile(context.Context, string) ([]float32, error) {
	return make([]float32, z.Dimension), nil
}
