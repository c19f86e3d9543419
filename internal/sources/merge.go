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
	"sort"

	"github.com/hoardapp/hoard/internal/catalog"
)

// booruQuality marks the providers whose results count toward the
// merged-source rule. Pixiv and the local tagger never trigger merging.
var booruQuality = map[string]bool{
	Danbooru: true,
	E621:     true,
	Gelbooru: true,
	Yandere:  true,
}

// Selection is the outcome of picking an active source over a result set.
type Selection struct {
	// ActiveSource is the provider name driving the image's tags, or the
	// synthetic "merged".
	ActiveSource string

	// Primary is the result of the winning provider; for merged it is the
	// highest-priority booru result and supplies post id, parent id and
	// rating.
	Primary *Result

	// Tags is the effective categorized tag set.
	Tags catalog.CategorizedTags
}

// SelectActive scans priority left-to-right and picks the first provider
// present in results. When useMerged is set and more than one booru-quality
// provider matched, the synthetic merged source wins instead and the tag
// sets are unioned.
func SelectActive(results map[string]*Result, priority []string, useMerged bool) *Selection {
	var winner *Result
	for _, name := range priority {
		if r, ok := results[name]; ok && r != nil {
			winner = r
			break
		}
	}
	if winner == nil {
		return nil
	}

	if useMerged {
		var boorus []*Result
		for _, name := range priority {
			if r, ok := results[name]; ok && r != nil && booruQuality[name] {
				boorus = append(boorus, r)
			}
		}
		if len(boorus) > 1 {
			return &Selection{
				ActiveSource: catalog.MergedSource,
				Primary:      boorus[0],
				Tags:         MergeCategorized(boorus...),
			}
		}
	}
	return &Selection{
		ActiveSource: winner.Source,
		Primary:      winner,
		Tags:         winner.Tags,
	}
}

// MergeCategorized unions the categorized tag sets of several results. A
// tag appearing under different categories lands in the highest-priority
// one (character > species > copyright > artist > meta > general).
func MergeCategorized(results ...*Result) catalog.CategorizedTags {
	best := map[string]catalog.Category{}
	rank := map[catalog.Category]int{}
	for i, c := range catalog.Categories {
		rank[c] = i
	}
	for _, r := range results {
		if r == nil {
			continue
		}
		for cat, names := range r.Tags {
			for _, n := range names {
				if cur, ok := best[n]; !ok || rank[cat] < rank[cur] {
					best[n] = cat
				}
			}
		}
	}
	out := catalog.CategorizedTags{}
	for name, cat := range best {
		out[cat] = append(out[cat], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}
