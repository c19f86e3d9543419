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
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hoardapp/hoard/internal/catalog"
)

// ParseStored re-parses a retained raw metadata blob the way the original
// fetch did. The rebuild engine and switch-source both re-derive tags from
// these blobs instead of calling the provider again.
func ParseStored(source string, raw []byte) (*Result, error) {
	var (
		res *Result
		err error
	)
	switch source {
	case Danbooru:
		res, err = parseDanbooru(raw)
	case E621:
		res, err = parseE621(raw)
	case Gelbooru:
		res, err = parseGelbooru(raw)
	case Yandere:
		res, err = parseYandere(raw)
	case Pixiv:
		res, err = parseStoredPixiv(raw)
	case LocalTagger:
		res, err = parseStoredTagger(raw)
	default:
		return nil, errors.Errorf("unknown stored source %q", source)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parsing stored %s payload", source)
	}
	if res == nil {
		return nil, ErrNotFound
	}
	res.Source = source
	res.Raw = json.RawMessage(raw)
	return normalizeResult(res), nil
}

func parseStoredPixiv(raw []byte) (*Result, error) {
	var envelope struct {
		Body struct {
			ID        string `json:"id"`
			XRestrict int    `json:"xRestrict"`
			Tags      struct {
				Tags []struct {
					Tag string `json:"tag"`
				} `json:"tags"`
			} `json:"tags"`
		} `json:"body"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	if envelope.Body.ID == "" {
		return nil, nil
	}
	var general []string
	for _, t := range envelope.Body.Tags.Tags {
		general = append(general, t.Tag)
	}
	rating := catalog.RatingUnknown
	if envelope.Body.XRestrict > 0 {
		rating = catalog.RatingExplicit
	}
	return &Result{
		PostID: envelope.Body.ID,
		Rating: rating,
		Tags:   catalog.CategorizedTags{catalog.CategoryGeneral: general},
	}, nil
}

func parseStoredTagger(raw []byte) (*Result, error) {
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
		return nil, err
	}
	return &Result{
		Rating: payload.Rating,
		Tags: catalog.CategorizedTags{
			catalog.CategoryGeneral:   payload.Tags.General,
			catalog.CategoryCharacter: payload.Tags.Character,
			catalog.CategoryCopyright: payload.Tags.Copyright,
			catalog.CategoryArtist:    payload.Tags.Artist,
			catalog.CategorySpecies:   payload.Tags.Species,
			catalog.CategoryMeta:      payload.Tags.Meta,
		},
	}, nil
}
