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

package tagrepo

import (
	"context"
	"database/sql"
	"regexp"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/catalog"
)

const (
	// Mining confidences for the two naming patterns.
	namingConfidence  = 0.92
	variantConfidence = 0.95

	suggestionTTL      = 5 * time.Minute
	suggestionCacheKey = "implication_suggestions"
)

// ErrCircularImplication is returned by Preview and Create when the new
// rule would close a cycle.
var ErrCircularImplication = errors.New("circular implication detected")

var (
	// name_(qualifier), e.g. aoi_(sample_franchise).
	qualifiedNameRE = regexp.MustCompile(`^(.+)_\(([^()]+)\)$`)

	// name_(variant)_(franchise), e.g. aoi_(swimsuit)_(sample).
	variantNameRE = regexp.MustCompile(`^(.+)_\(([^()]+)\)_\(([^()]+)\)$`)
)

// Suggestion is one mined implication proposal.
type Suggestion struct {
	SourceTag     string  `json:"source_tag"`
	ImpliedTag    string  `json:"implied_tag"`
	InferenceType string  `json:"inference_type"`
	Confidence    float64 `json:"confidence"`

	// SampleSize is the source tag's usage count, carried so correlation
	// proposals can be gated statistically.
	SampleSize int64 `json:"sample_size"`
}

// Engine mines, previews, and applies implication rules.
type Engine struct {
	store *catalog.Store

	suggestions *gocache.Cache

	// MinCoOccurrence and MinConfidence gate correlation mining.
	MinCoOccurrence int64
	MinConfidence   float64

	// AllowedExtended restricts correlation targets to the listed extended
	// categories. Empty means any tag with an extended category qualifies.
	AllowedExtended map[string]bool
}

// NewEngine wires the implication engine.
func NewEngine(store *catalog.Store, minCoOccurrence int64, minConfidence float64) *Engine {
	return &Engine{
		store:           store,
		suggestions:     gocache.New(suggestionTTL, suggestionTTL),
		MinCoOccurrence: minCoOccurrence,
		MinConfidence:   minConfidence,
		AllowedExtended: map[string]bool{},
	}
}

// Suggestions mines implication proposals from naming patterns and tag
// correlations. Results are cached for a few minutes; approving a rule
// invalidates the cache.
func (e *Engine) Suggestions(ctx context.Context) ([]Suggestion, error) {
	if cached, ok := e.suggestions.Get(suggestionCacheKey); ok {
		return cached.([]Suggestion), nil
	}

	cats, err := e.store.TagCategoryMap(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := e.existingRules(ctx)
	if err != nil {
		return nil, err
	}

	out := e.mineNamingPatterns(cats, existing)
	correlated, err := e.mineCorrelations(ctx, cats, existing)
	if err != nil {
		return nil, err
	}
	out = append(out, correlated...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].SourceTag < out[j].SourceTag
	})
	e.suggestions.Set(suggestionCacheKey, out, gocache.DefaultExpiration)
	return out, nil
}

func (e *Engine) existingRules(ctx context.Context) (map[[2]string]bool, error) {
	rules, err := e.store.AllImplications(ctx)
	if err != nil {
		return nil, err
	}
	out := map[[2]string]bool{}
	for _, r := range rules {
		out[[2]string{r.SourceTag, r.ImpliedTag}] = true
	}
	return out, nil
}

// mineNamingPatterns proposes name_(x) -> x when x exists as a copyright
// tag, and variant_(mid)_(franchise) -> variant_(franchise) when the base
// form exists.
func (e *Engine) mineNamingPatterns(cats map[string]catalog.Category, existing map[[2]string]bool) []Suggestion {
	var out []Suggestion
	for name, cat := range cats {
		if cat != catalog.CategoryCharacter {
			continue
		}
		if m := variantNameRE.FindStringSubmatch(name); m != nil {
			base := m[1] + "_(" + m[3] + ")"
			if _, ok := cats[base]; ok && base != name && !existing[[2]string{name, base}] {
				out = append(out, Suggestion{
					SourceTag:     name,
					ImpliedTag:    base,
					InferenceType: catalog.InferenceNamingPattern,
					Confidence:    variantConfidence,
				})
				continue
			}
		}
		if m := qualifiedNameRE.FindStringSubmatch(name); m != nil {
			inner := m[2]
			if cats[inner] == catalog.CategoryCopyright && !existing[[2]string{name, inner}] {
				out = append(out, Suggestion{
					SourceTag:     name,
					ImpliedTag:    inner,
					InferenceType: catalog.InferenceNamingPattern,
					Confidence:    namingConfidence,
				})
			}
		}
	}
	return out
}

// mineCorrelations proposes character -> trait rules when a trait tag
// accompanies nearly every use of the character.
func (e *Engine) mineCorrelations(ctx context.Context, cats map[string]catalog.Category, existing map[[2]string]bool) ([]Suggestion, error) {
	extended, err := e.store.ExtendedCategoryMap(ctx)
	if err != nil {
		return nil, err
	}

	var out []Suggestion
	for name, cat := range cats {
		if cat != catalog.CategoryCharacter {
			continue
		}
		tag, err := e.store.TagByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if tag.UsageCount < e.MinCoOccurrence {
			continue
		}
		co, err := e.store.CoOccurringTags(ctx, name)
		if err != nil {
			return nil, err
		}
		for other, count := range co {
			ext, hasExt := extended[other]
			if !hasExt || ext == "" {
				continue
			}
			if len(e.AllowedExtended) > 0 && !e.AllowedExtended[ext] {
				continue
			}
			confidence := float64(count) / float64(tag.UsageCount)
			if confidence < e.MinConfidence || existing[[2]string{name, other}] {
				continue
			}
			out = append(out, Suggestion{
				SourceTag:     name,
				ImpliedTag:    other,
				InferenceType: catalog.InferenceCorrelation,
				Confidence:    confidence,
				SampleSize:    tag.UsageCount,
			})
		}
	}
	return out, nil
}

// Chain walks the rule graph from a tag, returning every tag it transitively
// implies in breadth-first order.
func (e *Engine) Chain(ctx context.Context, from string) ([]string, error) {
	edges, err := e.store.ImplicationEdges(ctx)
	if err != nil {
		return nil, err
	}
	return closureFrom(edges, from), nil
}

func closureFrom(edges map[string][]string, from string) []string {
	visited := map[string]bool{from: true}
	queue := []string{from}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}

// Preview reports the chain a new source->implied rule would create.
// Returns ErrCircularImplication when the source already appears in the
// implied tag's chain.
func (e *Engine) Preview(ctx context.Context, sourceTag, impliedTag string) ([]string, error) {
	if sourceTag == impliedTag {
		return nil, ErrCircularImplication
	}
	chain, err := e.Chain(ctx, impliedTag)
	if err != nil {
		return nil, err
	}
	for _, t := range chain {
		if t == sourceTag {
			return chain, ErrCircularImplication
		}
	}
	return append([]string{impliedTag}, chain...), nil
}

// Create commits a rule after the cycle check and invalidates the
// suggestion cache.
func (e *Engine) Create(ctx context.Context, rule *catalog.ImplicationRule) error {
	if _, err := e.Preview(ctx, rule.SourceTag, rule.ImpliedTag); err != nil {
		return err
	}
	if rule.InferenceType == "" {
		rule.InferenceType = catalog.InferenceManual
	}
	if rule.Status == "" {
		rule.Status = catalog.ImplicationActive
	}
	if err := e.store.InsertImplication(ctx, rule); err != nil {
		return err
	}
	e.suggestions.Delete(suggestionCacheKey)
	return nil
}

// ApplyToExisting inserts the implied tag on every image carrying the rule's
// source tag. Returns the number of images touched.
func (e *Engine) ApplyToExisting(ctx context.Context, ruleID int64) (int, error) {
	rule, err := e.store.ImplicationByID(ctx, ruleID)
	if err != nil {
		return 0, err
	}
	cats, err := e.store.TagCategoryMap(ctx)
	if err != nil {
		return 0, err
	}
	ids, err := e.store.ImageIDsWithTag(ctx, rule.SourceTag)
	if err != nil {
		return 0, err
	}
	cat := impliedCategory(cats, rule.ImpliedTag)
	for _, id := range ids {
		err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := catalog.AddImageTagByNameTx(ctx, tx, id, rule.ImpliedTag, cat, catalog.OriginImplication); err != nil {
				return err
			}
			return catalog.RebuildDenormalizedTx(ctx, tx, id)
		})
		if err != nil {
			return 0, errors.Wrapf(err, "applying rule %d to image %d", ruleID, id)
		}
	}
	e.suggestions.Delete(suggestionCacheKey)
	return len(ids), nil
}

// ClearAndReapply removes every implication-origin tuple catalog-wide and
// rewrites each image's transitive closure over the active rule set. A
// visited set bounds the walk on cycles and fixed points. running, if
// non-nil, is polled between images for cooperative stop.
func (e *Engine) ClearAndReapply(ctx context.Context, progress func(done, total int), running func() bool) (int, error) {
	edges, err := e.store.ImplicationEdges(ctx)
	if err != nil {
		return 0, err
	}
	cats, err := e.store.TagCategoryMap(ctx)
	if err != nil {
		return 0, err
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := catalog.ClearImplicationTuplesTx(ctx, tx)
		if err == nil {
			logrus.WithField("cleared", n).Info("removed implication-origin tuples")
		}
		return err
	})
	if err != nil {
		return 0, err
	}

	images, err := e.store.AllImages(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	for i, img := range images {
		if running != nil && !running() {
			return applied, nil
		}
		names, err := e.store.TagNamesForImage(ctx, img.ID)
		if err != nil {
			return applied, err
		}
		have := map[string]bool{}
		for _, n := range names {
			have[n] = true
		}
		var missing []string
		for _, n := range names {
			for _, implied := range closureFrom(edges, n) {
				if !have[implied] {
					have[implied] = true
					missing = append(missing, implied)
				}
			}
		}
		if len(missing) > 0 {
			err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
				for _, name := range missing {
					if err := catalog.AddImageTagByNameTx(ctx, tx, img.ID, name, impliedCategory(cats, name), catalog.OriginImplication); err != nil {
						return err
					}
				}
				return catalog.RebuildDenormalizedTx(ctx, tx, img.ID)
			})
			if err != nil {
				return applied, errors.Wrapf(err, "reapplying implications to image %d", img.ID)
			}
			applied++
		}
		if progress != nil {
			progress(i+1, len(images))
		}
	}
	return applied, nil
}

func impliedCategory(cats map[string]catalog.Category, name string) catalog.Category {
	if cat, ok := cats[name]; ok && catalog.ValidCategory(cat) {
		return cat
	}
	return catalog.CategoryGeneral
}
