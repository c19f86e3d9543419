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
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/hoardapp/hoard/internal/catalog"
)

const (
	booruTimeout = 10 * time.Second
	userAgent    = "hoard/1.0 (archive ingest)"

	// fetchRetries bounds the backoff loop on transient upstream errors.
	fetchRetries = 3
)

// booruClient is the shared HTTP plumbing under each booru adapter. The
// parse function turns one raw response body into a Result; it is the only
// per-provider piece.
type booruClient struct {
	name    string
	baseURL string
	client  *http.Client
	md5URL  func(base, md5 string) string
	postURL func(base, postID string) string
	parse   func(body []byte) (*Result, error)
}

// Name implements TagSource.
func (b *booruClient) Name() string { return b.name }

// FetchByMD5 implements TagSource.
func (b *booruClient) FetchByMD5(ctx context.Context, md5 string) (*Result, error) {
	return b.fetch(ctx, b.md5URL(b.baseURL, md5))
}

// FetchByPostID implements TagSource.
func (b *booruClient) FetchByPostID(ctx context.Context, postID string) (*Result, error) {
	return b.fetch(ctx, b.postURL(b.baseURL, postID))
}

func (b *booruClient) fetch(ctx context.Context, url string) (*Result, error) {
	body, err := b.get(ctx, url)
	if err != nil {
		return nil, err
	}
	res, err := b.parse(body)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s response", b.name)
	}
	if res == nil {
		return nil, ErrNotFound
	}
	res.Source = b.name
	res.Raw = json.RawMessage(body)
	return normalizeResult(res), nil
}

// get performs one GET with bounded retries on transient failures. 404 is
// an expected miss; 5xx and transport errors are retried with exponential
// backoff before the provider is skipped.
func (b *booruClient) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)

		res, err := b.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case res.StatusCode >= 500:
			return errors.Errorf("%s returned %d", b.name, res.StatusCode)
		case res.StatusCode != http.StatusOK:
			return backoff.Permanent(errors.Errorf("%s returned %d", b.name, res.StatusCode))
		}
		body, err = io.ReadAll(res.Body)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), fetchRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return body, nil
}

// NewDanbooru returns the danbooru.donmai.us adapter.
func NewDanbooru(baseURL string, client *http.Client) TagSource {
	if client == nil {
		client = &http.Client{Timeout: booruTimeout}
	}
	return &booruClient{
		name:    Danbooru,
		baseURL: baseURL,
		client:  client,
		md5URL: func(base, md5 string) string {
			return fmt.Sprintf("%s/posts.json?md5=%s", base, md5)
		},
		postURL: func(base, id string) string {
			return fmt.Sprintf("%s/posts/%s.json", base, id)
		},
		parse: parseDanbooru,
	}
}

func parseDanbooru(body []byte) (*Result, error) {
	var post struct {
		ID          int64  `json:"id"`
		ParentID    *int64 `json:"parent_id"`
		HasChildren bool   `json:"has_children"`
		Rating      string `json:"rating"`
		Score       int    `json:"score"`
		General     string `json:"tag_string_general"`
		Character   string `json:"tag_string_character"`
		Copyright   string `json:"tag_string_copyright"`
		Artist      string `json:"tag_string_artist"`
		Meta        string `json:"tag_string_meta"`
	}
	if err := json.Unmarshal(body, &post); err != nil {
		return nil, err
	}
	if post.ID == 0 {
		return nil, nil
	}
	// Danbooru's single-letter ratings: g/s/q/e where s is "sensitive".
	rating := post.Rating
	if rating == "s" {
		rating = catalog.RatingSensitive
	}
	return &Result{
		PostID:      strconv.FormatInt(post.ID, 10),
		ParentID:    optionalID(post.ParentID),
		HasChildren: post.HasChildren,
		Rating:      rating,
		Score:       post.Score,
		Tags: catalog.CategorizedTags{
			catalog.CategoryGeneral:   strings.Fields(post.General),
			catalog.CategoryCharacter: strings.Fields(post.Character),
			catalog.CategoryCopyright: strings.Fields(post.Copyright),
			catalog.CategoryArtist:    strings.Fields(post.Artist),
			catalog.CategoryMeta:      strings.Fields(post.Meta),
		},
	}, nil
}

// NewE621 returns the e621.net adapter.
func NewE621(baseURL string, client *http.Client) TagSource {
	if client == nil {
		client = &http.Client{Timeout: booruTimeout}
	}
	return &booruClient{
		name:    E621,
		baseURL: baseURL,
		client:  client,
		md5URL: func(base, md5 string) string {
			return fmt.Sprintf("%s/posts.json?md5=%s", base, md5)
		},
		postURL: func(base, id string) string {
			return fmt.Sprintf("%s/posts/%s.json", base, id)
		},
		parse: parseE621,
	}
}

func parseE621(body []byte) (*Result, error) {
	var envelope struct {
		Post *struct {
			ID     int64  `json:"id"`
			Rating string `json:"rating"`
			Score  struct {
				Total int `json:"total"`
			} `json:"score"`
			Tags struct {
				General   []string `json:"general"`
				Species   []string `json:"species"`
				Character []string `json:"character"`
				Copyright []string `json:"copyright"`
				Artist    []string `json:"artist"`
				Meta      []string `json:"meta"`
			} `json:"tags"`
			Relationships struct {
				ParentID    *int64 `json:"parent_id"`
				HasChildren bool   `json:"has_children"`
			} `json:"relationships"`
		} `json:"post"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	p := envelope.Post
	if p == nil || p.ID == 0 {
		return nil, nil
	}
	return &Result{
		PostID:      strconv.FormatInt(p.ID, 10),
		ParentID:    optionalID(p.Relationships.ParentID),
		HasChildren: p.Relationships.HasChildren,
		Rating:      p.Rating,
		Score:       p.Score.Total,
		Tags: catalog.CategorizedTags{
			catalog.CategoryGeneral:   p.Tags.General,
			catalog.CategorySpecies:   p.Tags.Species,
			catalog.CategoryCharacter: p.Tags.Character,
			catalog.CategoryCopyright: p.Tags.Copyright,
			catalog.CategoryArtist:    p.Tags.Artist,
			catalog.CategoryMeta:      p.Tags.Meta,
		},
	}, nil
}

// NewGelbooru returns the gelbooru.com adapter. Gelbooru exposes only a
// flat tag string, so everything lands in general until recategorization.
func NewGelbooru(baseURL string, client *http.Client) TagSource {
	if client == nil {
		client = &http.Client{Timeout: booruTimeout}
	}
	return &booruClient{
		name:    Gelbooru,
		baseURL: baseURL,
		client:  client,
		md5URL: func(base, md5 string) string {
			return fmt.Sprintf("%s/index.php?page=dapi&s=post&q=index&json=1&tags=md5:%s", base, md5)
		},
		postURL: func(base, id string) string {
			return fmt.Sprintf("%s/index.php?page=dapi&s=post&q=index&json=1&id=%s", base, id)
		},
		parse: parseGelbooru,
	}
}

func parseGelbooru(body []byte) (*Result, error) {
	var envelope struct {
		Post []struct {
			ID          int64  `json:"id"`
			ParentID    int64  `json:"parent_id"`
			HasChildren string `json:"has_children"`
			Rating      string `json:"rating"`
			Score       int    `json:"score"`
			Tags        string `json:"tags"`
		} `json:"post"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Post) == 0 {
		return nil, nil
	}
	p := envelope.Post[0]
	parent := ""
	if p.ParentID != 0 {
		parent = strconv.FormatInt(p.ParentID, 10)
	}
	return &Result{
		PostID:      strconv.FormatInt(p.ID, 10),
		ParentID:    parent,
		HasChildren: p.HasChildren == "true",
		Rating:      p.Rating,
		Score:       p.Score,
		Tags: catalog.CategorizedTags{
			catalog.CategoryGeneral: strings.Fields(p.Tags),
		},
	}, nil
}

// NewYandere returns the yande.re adapter. Same flat-tag situation as
// gelbooru.
func NewYandere(baseURL string, client *http.Client) TagSource {
	if client == nil {
		client = &http.Client{Timeout: booruTimeout}
	}
	return &booruClient{
		name:    Yandere,
		baseURL: baseURL,
		client:  client,
		md5URL: func(base, md5 string) string {
			return fmt.Sprintf("%s/post.json?tags=md5:%s", base, md5)
		},
		postURL: func(base, id string) string {
			return fmt.Sprintf("%s/post.json?tags=id:%s", base, id)
		},
		parse: parseYandere,
	}
}

func parseYandere(body []byte) (*Result, error) {
	var posts []struct {
		ID          int64  `json:"id"`
		ParentID    *int64 `json:"parent_id"`
		HasChildren bool   `json:"has_children"`
		Rating      string `json:"rating"`
		Score       int    `json:"score"`
		Tags        string `json:"tags"`
	}
	if err := json.Unmarshal(body, &posts); err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}
	p := posts[0]
	return &Result{
		PostID:      strconv.FormatInt(p.ID, 10),
		ParentID:    optionalID(p.ParentID),
		HasChildren: p.HasChildren,
		Rating:      p.Rating,
		Score:       p.Score,
		Tags: catalog.CategorizedTags{
			catalog.CategoryGeneral: strings.Fields(p.Tags),
		},
	}, nil
}

func optionalID(id *int64) string {
	if id == nil || *id == 0 {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}
