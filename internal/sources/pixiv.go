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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/hoardapp/hoard/internal/catalog"
)

// pixivTimeout is longer than the booru timeout; the ajax endpoint is slow.
const pixivTimeout = 20 * time.Second

// pixivFilenameRE matches the canonical pixiv download naming,
// e.g. 12345678_p0.png.
var pixivFilenameRE = regexp.MustCompile(`^(\d+)_p\d+`)

// PixivIDFromFilename extracts the illustration id from a pixiv-style
// filename, if the name matches.
func PixivIDFromFilename(name string) (string, bool) {
	m := pixivFilenameRE.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// PixivClient fetches illustration metadata from the pixiv ajax endpoint.
// Pixiv cannot be queried by MD5; the ingest pipeline reaches it only
// through the filename fallback, and its free-form tags always land in
// general pending a local-tagger merge.
type PixivClient struct {
	baseURL string
	client  *http.Client
}

var _ TagSource = &PixivClient{}

// NewPixiv returns a pixiv adapter rooted at baseURL.
func NewPixiv(baseURL string, client *http.Client) *PixivClient {
	if client == nil {
		client = &http.Client{Timeout: pixivTimeout}
	}
	return &PixivClient{baseURL: baseURL, client: client}
}

// Name implements TagSource.
func (p *PixivClient) Name() string { return Pixiv }

// FetchByMD5 implements TagSource. Pixiv has no MD5 index.
func (p *PixivClient) FetchByMD5(context.Context, string) (*Result, error) {
	return nil, ErrNotFound
}

// FetchByPostID implements TagSource.
func (p *PixivClient) FetchByPostID(ctx context.Context, illustID string) (*Result, error) {
	url := fmt.Sprintf("%s/ajax/illust/%s", p.baseURL, illustID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating pixiv request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling pixiv")
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("pixiv returned %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading pixiv response")
	}

	var envelope struct {
		Error bool `json:"error"`
		Body  struct {
			ID        string `json:"id"`
			XRestrict int    `json:"xRestrict"`
			Tags      struct {
				Tags []struct {
					Tag string `json:"tag"`
				} `json:"tags"`
			} `json:"tags"`
		} `json:"body"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrap(err, "decoding pixiv response")
	}
	if envelope.Error || envelope.Body.ID == "" {
		return nil, ErrNotFound
	}

	var general []string
	for _, t := range envelope.Body.Tags.Tags {
		general = append(general, t.Tag)
	}
	rating := catalog.RatingUnknown
	if envelope.Body.XRestrict > 0 {
		rating = catalog.RatingExplicit
	}
	return normalizeResult(&Result{
		Source: Pixiv,
		PostID: envelope.Body.ID,
		Rating: rating,
		Tags:   catalog.CategorizedTags{catalog.CategoryGeneral: general},
		Raw:    json.RawMessage(body),
	}), nil
}
