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

// Package sources implements the uniform TagSource adapter set over the
// external metadata providers: the booru sites, SauceNAO reverse image
// search, Pixiv-by-filename, and the local AI tagger.
package sources

import (
	"context"
	"encoding/json"

	"github.com/hoardapp/hoard/internal/catalog"
)

// Provider names. These are the values stored in image_sources and accepted
// in the priority list.
const (
	Danbooru    = "danbooru"
	E621        = "e621"
	Gelbooru    = "gelbooru"
	Yandere     = "yandere"
	Pixiv       = "pixiv"
	LocalTagger = catalog.LocalTaggerSource
	SauceNAO    = "saucenao"
)

// ErrNotFound is returned by a TagSource when the provider has no post for
// the queried key. It is an expected miss, not a failure.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "post not found" }

// Result is the normalized payload a provider returns for one artifact.
type Result struct {
	Source      string
	PostID      string
	ParentID    string
	HasChildren bool
	Rating      string
	Score       int
	Tags        catalog.CategorizedTags

	// Raw is the provider's verbatim response body, retained for the
	// rebuild engine.
	Raw json.RawMessage
}

// TagSource is the uniform interface over every metadata provider.
type TagSource interface {
	Name() string
	FetchByMD5(ctx context.Context, md5 string) (*Result, error)
	FetchByPostID(ctx context.Context, postID string) (*Result, error)
}

// normalizeResult applies the tag-name invariant to every tag in r and
// collapses the rating onto the closed set.
func normalizeResult(r *Result) *Result {
	if r == nil {
		return nil
	}
	tags := catalog.CategorizedTags{}
	for cat, names := range r.Tags {
		for _, n := range names {
			n = catalog.NormalizeTagName(n)
			if n == "" {
				continue
			}
			tags[cat] = append(tags[cat], n)
		}
	}
	r.Tags = tags
	r.Rating = catalog.NormalizeStoredRating(r.Rating)
	return r
}
