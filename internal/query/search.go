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

package query

import (
	"context"
	"sort"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/config"
)

// Service evaluates parsed search expressions.
type Service struct {
	store *catalog.Store
	cache *cachemgr.Manager

	// PerPage is the default page size; requests may lower or raise it up
	// to MaxImagesPerPage.
	PerPage int

	homepage *homepageBuffer
}

// NewService wires the query layer; the homepage buffer registers itself for
// cache flushes.
func NewService(store *catalog.Store, cache *cachemgr.Manager, perPage int) *Service {
	if perPage <= 0 {
		perPage = config.DefaultImagesPerPage
	}
	s := &Service{store: store, cache: cache, PerPage: perPage}
	s.homepage = newHomepageBuffer(s)
	cache.OnFlush(s.homepage.flush)
	return s
}

// Page is one page of search results.
type Page struct {
	Images       []*catalog.Image `json:"images"`
	Page         int              `json:"page"`
	TotalPages   int              `json:"total_pages"`
	TotalResults int              `json:"total_results"`
	HasMore      bool             `json:"has_more"`
}

// Search parses and evaluates raw, returning the requested page.
func (s *Service) Search(ctx context.Context, raw string, page, perPage int) (*Page, error) {
	expr, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	ids, err := s.Evaluate(ctx, expr)
	if err != nil {
		return nil, err
	}
	return s.paginate(ctx, ids, page, perPage)
}

// Evaluate returns the sorted matching image ids.
func (s *Service) Evaluate(ctx context.Context, expr *Expression) ([]int64, error) {
	var matched map[int64]bool

	for _, name := range expr.Include {
		matched = intersect(matched, s.tagSet(name))
		if len(matched) == 0 && matched != nil {
			return nil, nil
		}
	}
	for _, f := range filterSets(expr) {
		set, err := f(ctx, s.store)
		if err != nil {
			return nil, err
		}
		matched = intersect(matched, set)
		if len(matched) == 0 && matched != nil {
			return nil, nil
		}
	}

	if matched == nil {
		// No positive filter: start from the full catalog.
		matched = map[int64]bool{}
		for _, id := range s.cache.ImageIDs() {
			matched[id] = true
		}
	}
	for _, name := range expr.Exclude {
		for id := range s.tagSet(name) {
			delete(matched, id)
		}
	}

	ids := make([]int64, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
	}
	switch expr.Order {
	case OrderNewest:
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	default:
		// Insertion order; order:old is the same thing stated explicitly.
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return ids, nil
}

type filterFn func(context.Context, *catalog.Store) (map[int64]bool, error)

func filterSets(expr *Expression) []filterFn {
	var fns []filterFn
	if expr.Source != "" {
		src := expr.Source
		fns = append(fns, func(ctx context.Context, st *catalog.Store) (map[int64]bool, error) {
			return st.ImageIDsWithSource(ctx, src)
		})
	}
	if expr.HasParent {
		fns = append(fns, func(ctx context.Context, st *catalog.Store) (map[int64]bool, error) {
			return st.ImageIDsWithParent(ctx)
		})
	}
	if expr.HasChild {
		fns = append(fns, func(ctx context.Context, st *catalog.Store) (map[int64]bool, error) {
			return st.ImageIDsWithChild(ctx)
		})
	}
	if expr.Pool != "" {
		pool := expr.Pool
		fns = append(fns, func(ctx context.Context, st *catalog.Store) (map[int64]bool, error) {
			return st.ImageIDsInPool(ctx, pool)
		})
	}
	for _, cat := range expr.Categories {
		cat := cat
		fns = append(fns, func(ctx context.Context, st *catalog.Store) (map[int64]bool, error) {
			return st.ImageIDsInCategory(ctx, cat)
		})
	}
	for _, token := range expr.Filenames {
		token := token
		fns = append(fns, func(ctx context.Context, st *catalog.Store) (map[int64]bool, error) {
			return st.ImageIDsMatchingFilename(ctx, token)
		})
	}
	return fns
}

func (s *Service) tagSet(name string) map[int64]bool {
	id, ok := s.cache.TagID(name)
	if !ok {
		return map[int64]bool{}
	}
	set := map[int64]bool{}
	for _, img := range s.cache.ImagesWithTag(id) {
		set[img] = true
	}
	return set
}

// intersect treats a nil accumulator as "everything".
func intersect(acc, set map[int64]bool) map[int64]bool {
	if acc == nil {
		return set
	}
	out := map[int64]bool{}
	for id := range acc {
		if set[id] {
			out[id] = true
		}
	}
	return out
}

func (s *Service) paginate(ctx context.Context, ids []int64, page, perPage int) (*Page, error) {
	if perPage <= 0 {
		perPage = s.PerPage
	}
	if perPage > config.MaxImagesPerPage {
		perPage = config.MaxImagesPerPage
	}
	if page < 1 {
		page = 1
	}
	total := len(ids)
	totalPages := (total + perPage - 1) / perPage
	lo := (page - 1) * perPage
	if lo > total {
		lo = total
	}
	hi := lo + perPage
	if hi > total {
		hi = total
	}
	images, err := s.store.ImagesByIDs(ctx, ids[lo:hi])
	if err != nil {
		return nil, err
	}
	return &Page{
		Images:       images,
		Page:         page,
		TotalPages:   totalPages,
		TotalResults: total,
		HasMore:      hi < total,
	}, nil
}
