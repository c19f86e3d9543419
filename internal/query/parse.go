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

// Package query parses search expressions and evaluates them over the
// cached tag indices.
package query

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/hoardapp/hoard/internal/catalog"
)

// Sort orders.
const (
	OrderInsertion = ""
	OrderNewest    = "newest"
	OrderOldest    = "oldest"
)

var (
	md5TokenRE      = regexp.MustCompile(`^[0-9a-f]{32}$`)
	pixivPageRE     = regexp.MustCompile(`^\d+_p\d+`)
	imageExtensions = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".webp": true, ".webm": true, ".mp4": true, ".zip": true,
	}
)

// Expression is a parsed search query.
type Expression struct {
	Include    []string
	Exclude    []string
	Source     string
	HasParent  bool
	HasChild   bool
	Pool       string
	Order      string
	Categories []catalog.Category
	Filenames  []string
}

// Parse splits a space-separated query into typed filters. Bare tokens are
// required tags unless they look like a filename, a pixiv page name, or an
// MD5, in which case they match the filepath instead.
func Parse(raw string) (*Expression, error) {
	expr := &Expression{}
	for _, token := range strings.Fields(raw) {
		token = strings.ToLower(token)
		switch {
		case strings.HasPrefix(token, "source:"):
			expr.Source = strings.TrimPrefix(token, "source:")
		case token == "has:parent":
			expr.HasParent = true
		case token == "has:child":
			expr.HasChild = true
		case strings.HasPrefix(token, "pool:"):
			expr.Pool = strings.TrimPrefix(token, "pool:")
		case strings.HasPrefix(token, "order:"):
			switch strings.TrimPrefix(token, "order:") {
			case "new", "newest":
				expr.Order = OrderNewest
			case "old", "oldest":
				expr.Order = OrderOldest
			default:
				return nil, errors.Errorf("unknown sort order %q", token)
			}
		case strings.HasPrefix(token, "category:"):
			cat := catalog.Category(strings.TrimPrefix(token, "category:"))
			if !catalog.ValidCategory(cat) {
				return nil, errors.Errorf("unknown category %q", token)
			}
			expr.Categories = append(expr.Categories, cat)
		case strings.HasPrefix(token, "-"):
			if name := token[1:]; name != "" {
				expr.Exclude = append(expr.Exclude, catalog.NormalizeTagName(name))
			}
		case looksLikeFilename(token):
			expr.Filenames = append(expr.Filenames, token)
		default:
			expr.Include = append(expr.Include, catalog.NormalizeTagName(token))
		}
	}
	return expr, nil
}

func looksLikeFilename(token string) bool {
	if md5TokenRE.MatchString(token) || pixivPageRE.MatchString(token) {
		return true
	}
	if i := strings.LastIndexByte(token, '.'); i > 0 {
		return imageExtensions[token[i:]]
	}
	return false
}
