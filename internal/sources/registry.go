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
	"errors"
	"sync"

	"github.com/nozzle/throttler"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/hoardapp/hoard/internal/config"
)

// Production endpoints.
const (
	danbooruBaseURL = "https://danbooru.donmai.us"
	e621BaseURL     = "https://e621.net"
	gelbooruBaseURL = "https://gelbooru.com"
	yandereBaseURL  = "https://yande.re"
	pixivBaseURL    = "https://www.pixiv.net"
	saucenaoBaseURL = "https://saucenao.com"
)

// Budget fractions per provider. SauceNAO has a hard daily quota and gets a
// deliberately thin slice.
var budgetFractions = map[string]float64{
	Danbooru: 0.22,
	E621:     0.22,
	Gelbooru: 0.22,
	Yandere:  0.22,
	Pixiv:    0.07,
	SauceNAO: 0.05,
}

// fanOutConcurrency bounds how many providers one worker queries at once.
const fanOutConcurrency = 3

// Registry holds every configured provider client and knows the priority
// order. It is the single entry point the ingest pipeline uses to reach the
// outside world.
type Registry struct {
	boorus   map[string]TagSource
	priority []string
	saucenao *SauceNAOClient
	pixiv    *PixivClient
	tagger   Tagger
}

// NewRegistry builds the provider set from configuration. All outbound
// traffic shares one rate budget partitioned per provider.
func NewRegistry(opts *config.Options) *Registry {
	budget := NewBudgetAllocator(rate.Limit(opts.APIBudgetPerSecond))

	r := &Registry{
		boorus: map[string]TagSource{
			Danbooru: NewDanbooru(danbooruBaseURL, budget.Client(Danbooru, budgetFractions[Danbooru], booruTimeout)),
			E621:     NewE621(e621BaseURL, budget.Client(E621, budgetFractions[E621], booruTimeout)),
			Gelbooru: NewGelbooru(gelbooruBaseURL, budget.Client(Gelbooru, budgetFractions[Gelbooru], booruTimeout)),
			Yandere:  NewYandere(yandereBaseURL, budget.Client(Yandere, budgetFractions[Yandere], booruTimeout)),
		},
		priority: opts.BooruPriority,
		pixiv:    NewPixiv(pixivBaseURL, budget.Client(Pixiv, budgetFractions[Pixiv], pixivTimeout)),
	}
	if opts.SauceNAOKey != "" {
		r.saucenao = NewSauceNAO(saucenaoBaseURL, opts.SauceNAOKey, opts.SauceNAOMinSimilarity,
			budget.Client(SauceNAO, budgetFractions[SauceNAO], saucenaoTimeout))
	}
	if opts.LocalTaggerEndpoint != "" {
		r.tagger = NewLocalTagger(opts.LocalTaggerEndpoint, nil)
	}
	return r
}

// NewRegistryForTesting wires explicit clients; every field may be nil.
func NewRegistryForTesting(boorus map[string]TagSource, priority []string, sauce *SauceNAOClient, pixiv *PixivClient, tagger Tagger) *Registry {
	return &Registry{
		boorus:   boorus,
		priority: priority,
		saucenao: sauce,
		pixiv:    pixiv,
		tagger:   tagger,
	}
}

// Priority returns the configured priority order.
func (r *Registry) Priority() []string { return r.priority }

// Booru returns the adapter for a named booru provider.
func (r *Registry) Booru(name string) (TagSource, bool) {
	s, ok := r.boorus[name]
	return s, ok
}

// SauceNAO returns the reverse-search client, or nil when unconfigured.
func (r *Registry) SauceNAO() *SauceNAOClient { return r.saucenao }

// Pixiv returns the pixiv client.
func (r *Registry) Pixiv() *PixivClient { return r.pixiv }

// LocalTagger returns the tagger client, or nil when unconfigured.
func (r *Registry) LocalTagger() Tagger { return r.tagger }

// FetchAllByMD5 queries every booru in the priority list in parallel with
// bounded concurrency. Misses and failures drop the provider from the
// returned map; other providers proceed.
func (r *Registry) FetchAllByMD5(ctx context.Context, md5 string) map[string]*Result {
	var names []string
	for _, name := range r.priority {
		if _, ok := r.boorus[name]; ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}

	var mu sync.Mutex
	results := map[string]*Result{}

	t := throttler.New(fanOutConcurrency, len(names))
	for _, name := range names {
		go func(name string) {
			res, err := r.boorus[name].FetchByMD5(ctx, md5)
			switch {
			case errors.Is(err, ErrNotFound):
				// Expected miss.
			case err != nil:
				logrus.WithFields(logrus.Fields{
					"provider": name,
					"md5":      md5,
				}).WithError(err).Warn("provider fetch failed, skipping")
			default:
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}
			t.Done(nil)
		}(name)
		t.Throttle()
	}
	return results
}
