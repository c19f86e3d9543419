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
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const saucenaoTimeout = 15 * time.Second

// SauceHit is one reverse-image-search match: a booru provider name, the
// post id on that provider, and the match similarity in percent.
type SauceHit struct {
	Provider   string
	PostID     string
	Similarity float64
}

// SauceNAOClient runs reverse image search. It is not a TagSource itself;
// hits are resolved into full results through the matched provider's
// FetchByPostID.
type SauceNAOClient struct {
	baseURL string
	apiKey  string
	minSim  float64
	client  *http.Client
}

// NewSauceNAO returns a client for the API at baseURL. minSimilarity is the
// percent threshold below which hits are discarded.
func NewSauceNAO(baseURL, apiKey string, minSimilarity float64, client *http.Client) *SauceNAOClient {
	if client == nil {
		client = &http.Client{Timeout: saucenaoTimeout}
	}
	return &SauceNAOClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		minSim:  minSimilarity,
		client:  client,
	}
}

// saucenaoIndexes maps SauceNAO database index ids to provider names.
var saucenaoIndexes = map[int]string{
	9:  Danbooru,
	12: Yandere,
	25: Gelbooru,
	29: E621,
}

// Search uploads the file and returns hits above the similarity threshold,
// best match first.
func (s *SauceNAOClient) Search(ctx context.Context, path string) ([]SauceHit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening file for reverse search")
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, errors.Wrap(err, "building reverse search request")
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, errors.Wrap(err, "uploading file for reverse search")
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "finalizing reverse search request")
	}

	url := s.baseURL + "/search.php?output_type=2&db=999&numres=8&api_key=" + s.apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, errors.Wrap(err, "creating reverse search request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling saucenao")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("saucenao returned %d", res.StatusCode)
	}

	var payload struct {
		Results []struct {
			Header struct {
				Similarity string `json:"similarity"`
				IndexID    int    `json:"index_id"`
			} `json:"header"`
			Data struct {
				DanbooruID json.Number `json:"danbooru_id"`
				GelbooruID json.Number `json:"gelbooru_id"`
				YandereID  json.Number `json:"yandere_id"`
				E621ID     json.Number `json:"e621_id"`
			} `json:"data"`
		} `json:"results"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decoding saucenao response")
	}

	var hits []SauceHit
	for _, r := range payload.Results {
		sim, err := strconv.ParseFloat(r.Header.Similarity, 64)
		if err != nil || sim < s.minSim {
			continue
		}
		provider, ok := saucenaoIndexes[r.Header.IndexID]
		if !ok {
			continue
		}
		postID := ""
		switch provider {
		case Danbooru:
			postID = r.Data.DanbooruID.String()
		case Gelbooru:
			postID = r.Data.GelbooruID.String()
		case Yandere:
			postID = r.Data.YandereID.String()
		case E621:
			postID = r.Data.E621ID.String()
		}
		if postID == "" || postID == "0" {
			continue
		}
		hits = append(hits, SauceHit{Provider: provider, PostID: postID, Similarity: sim})
	}
	logrus.WithFields(logrus.Fields{
		"file": filepath.Base(path),
		"hits": len(hits),
	}).Debug("reverse image search complete")
	return hits, nil
}
