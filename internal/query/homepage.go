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
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/config"
)

// homepageBufferPages is how many randomized pages are kept ready to pop.
const homepageBufferPages = config.DefaultHomepageBufferPages

// homepageBuffer pre-builds randomized homepage pages so the landing view
// never waits on a shuffle of the whole catalog. Pages are popped on
// request and refilled in the background; any cache flush discards the
// buffer.
type homepageBuffer struct {
	svc *Service

	mu      sync.Mutex
	pages   []*Page
	filling bool
}

func newHomepageBuffer(svc *Service) *homepageBuffer {
	return &homepageBuffer{svc: svc}
}

// Homepage pops a pre-built randomized page, building one inline when the
// buffer is empty.
func (s *Service) Homepage(ctx context.Context) (*Page, error) {
	return s.homepage.pop(ctx)
}

func (b *homepageBuffer) pop(ctx context.Context) (*Page, error) {
	b.mu.Lock()
	if n := len(b.pages); n > 0 {
		page := b.pages[n-1]
		b.pages = b.pages[:n-1]
		b.mu.Unlock()
		b.refillAsync()
		return page, nil
	}
	b.mu.Unlock()

	page, err := b.build(ctx)
	if err != nil {
		return nil, err
	}
	b.refillAsync()
	return page, nil
}

func (b *homepageBuffer) build(ctx context.Context) (*Page, error) {
	ids := b.svc.cache.ImageIDs()
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if len(ids) > b.svc.PerPage {
		ids = ids[:b.svc.PerPage]
	}
	images, err := b.svc.store.ImagesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	total := len(b.svc.cache.ImageIDs())
	perPage := b.svc.PerPage
	return &Page{
		Images:       images,
		Page:         1,
		TotalPages:   (total + perPage - 1) / perPage,
		TotalResults: total,
		HasMore:      total > perPage,
	}, nil
}

// refillAsync tops the buffer back up in the background. Only one filler
// runs at a time.
func (b *homepageBuffer) refillAsync() {
	b.mu.Lock()
	if b.filling || len(b.pages) >= homepageBufferPages {
		b.mu.Unlock()
		return
	}
	b.filling = true
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			b.filling = false
			b.mu.Unlock()
		}()
		for {
			b.mu.Lock()
			full := len(b.pages) >= homepageBufferPages
			b.mu.Unlock()
			if full {
				return
			}
			page, err := b.build(context.Background())
			if err != nil {
				logrus.WithError(err).Warn("homepage buffer refill failed")
				return
			}
			b.mu.Lock()
			b.pages = append(b.pages, page)
			b.mu.Unlock()
		}
	}()
}

// flush discards every buffered page; the next pop rebuilds from the fresh
// cache state.
func (b *homepageBuffer) flush() {
	b.mu.Lock()
	b.pages = nil
	b.mu.Unlock()
}
