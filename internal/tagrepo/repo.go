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

// Package tagrepo is the write side of the tag model: the single-transaction
// edit entry point with delta journaling, source switching, and
// recategorization. The implication engine lives here too.
package tagrepo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/cachemgr"
	"github.com/hoardapp/hoard/internal/catalog"
	"github.com/hoardapp/hoard/internal/sources"
)

// Repo wraps the catalog with edit semantics. cache may be nil; when set,
// successful edits invalidate the image's cached tag array.
type Repo struct {
	store *catalog.Store
	cache *cachemgr.Manager

	// Priority and UseMerged drive source re-derivation.
	Priority  []string
	UseMerged bool
}

// NewRepo wires the repository.
func NewRepo(store *catalog.Store, cache *cachemgr.Manager, priority []string, useMerged bool) *Repo {
	return &Repo{store: store, cache: cache, Priority: priority, UseMerged: useMerged}
}

// EditTags is the single entry point for a manual tag edit: it computes the
// delta against the image's current tags, replaces the normalized relation,
// rewrites the denormalized columns, and journals the delta with
// cancellation, all in one transaction. A rating:<x> name anywhere in the
// edit moves the image's rating.
func (r *Repo) EditTags(ctx context.Context, path string, edit catalog.CategorizedTags) error {
	img, err := r.store.ImageByPath(ctx, path)
	if err != nil {
		return err
	}

	next, newRating := normalizeEdit(edit)
	current, err := r.store.TagsForImage(ctx, img.ID)
	if err != nil {
		return err
	}

	oldFlat := flatten(current)
	newFlat := flatten(next)

	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := catalog.ReplaceImageTagsTx(ctx, tx, img.ID, next, catalog.OriginOriginal); err != nil {
			return err
		}

		rating := img.Rating
		if newRating != "" {
			rating = newRating
		}
		if err := WriteRatingTx(ctx, tx, img.ID, img.ActiveSource, rating); err != nil {
			return err
		}

		for name, cat := range newFlat {
			if _, had := oldFlat[name]; !had {
				if err := catalog.AppendDeltaTx(ctx, tx, img.MD5, name, cat, catalog.DeltaAdd); err != nil {
					return err
				}
			}
		}
		for name, cat := range oldFlat {
			// Rating tags ride the rating column, never the journal.
			if cat == catalog.CategoryRating {
				continue
			}
			if _, has := newFlat[name]; !has {
				if err := catalog.AppendDeltaTx(ctx, tx, img.MD5, name, cat, catalog.DeltaRemove); err != nil {
					return err
				}
			}
		}
		return catalog.RebuildDenormalizedTx(ctx, tx, img.ID)
	})
	if err != nil {
		return errors.Wrapf(err, "editing tags of %s", path)
	}
	return r.invalidate(ctx, img.ID)
}

// SwitchSource re-derives an image's tags from one stored raw source, or
// from the merged union. Manual edits are preserved by replaying the
// image's delta journal after the re-derivation.
func (r *Repo) SwitchSource(ctx context.Context, path, source string) error {
	img, err := r.store.ImageByPath(ctx, path)
	if err != nil {
		return err
	}
	raws, err := r.store.RawMetadata(ctx, img.ID)
	if err != nil {
		return err
	}

	parsed := map[string]*sources.Result{}
	for name, raw := range raws {
		res, err := sources.ParseStored(name, raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"image":  path,
				"source": name,
			}).WithError(err).Warn("skipping unparseable stored payload")
			continue
		}
		parsed[name] = res
	}

	var sel *sources.Selection
	if source == catalog.MergedSource {
		sel = sources.SelectActive(parsed, r.Priority, true)
	} else {
		res, ok := parsed[source]
		if !ok {
			return errors.Errorf("image has no stored payload for source %q", source)
		}
		sel = &sources.Selection{ActiveSource: source, Primary: res, Tags: res.Tags}
	}
	if sel == nil {
		return errors.Errorf("no usable stored payload on %s", path)
	}

	deltas, err := r.store.DeltasForMD5(ctx, img.MD5)
	if err != nil {
		return err
	}

	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := ApplyDerivedTx(ctx, tx, img.ID, sel); err != nil {
			return err
		}
		if err := ReplayDeltasTx(ctx, tx, img.ID, deltas); err != nil {
			return err
		}
		return catalog.RebuildDenormalizedTx(ctx, tx, img.ID)
	})
	if err != nil {
		return errors.Wrapf(err, "switching %s to source %s", path, source)
	}
	return r.invalidate(ctx, img.ID)
}

// ApplyDerivedTx writes a source selection onto an image: relation, rating
// tag, active source fields. Shared by switch-source and the rebuild engine.
func ApplyDerivedTx(ctx context.Context, tx *sql.Tx, imageID int64, sel *sources.Selection) error {
	if err := catalog.ReplaceImageTagsTx(ctx, tx, imageID, sel.Tags, catalog.OriginOriginal); err != nil {
		return err
	}
	p := sel.Primary
	if err := catalog.SetActiveSourceTx(ctx, tx, imageID, sel.ActiveSource, p.PostID, p.ParentID, p.HasChildren); err != nil {
		return err
	}
	// The rating's trust level follows the provider that actually supplied
	// it, which for merged selections is the primary booru.
	return WriteRatingTx(ctx, tx, imageID, p.Source, p.Rating)
}

// ReplayDeltasTx applies journal rows in append order.
func ReplayDeltasTx(ctx context.Context, tx *sql.Tx, imageID int64, deltas []catalog.Delta) error {
	for _, d := range deltas {
		switch d.Op {
		case catalog.DeltaAdd:
			if err := catalog.AddImageTagByNameTx(ctx, tx, imageID, d.TagName, d.Category, catalog.OriginOriginal); err != nil {
				return err
			}
		case catalog.DeltaRemove:
			if err := catalog.RemoveImageTagByNameTx(ctx, tx, imageID, d.TagName); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteRatingTx sets the denormalized rating column and the rating:<x> tag,
// with the tag's origin decided by the trust level of the supplying source.
func WriteRatingTx(ctx context.Context, tx *sql.Tx, imageID int64, trustSource, rating string) error {
	rating = catalog.NormalizeStoredRating(rating)
	if rating == catalog.RatingUnknown {
		return nil
	}
	if err := catalog.SetRatingTx(ctx, tx, imageID, rating); err != nil {
		return err
	}
	return catalog.AddImageTagByNameTx(ctx, tx, imageID, "rating:"+rating,
		catalog.CategoryRating, catalog.RatingOrigin(trustSource))
}

// Recategorize moves general tags whose name exists under a more specific
// category elsewhere in the catalog. Returns the number of tags moved.
func (r *Repo) Recategorize(ctx context.Context) (int, error) {
	shadowed, err := r.store.GeneralTagsShadowedBySpecific(ctx)
	if err != nil {
		return 0, err
	}
	for name, cat := range shadowed {
		if err := r.store.SetTagCategory(ctx, name, cat, ""); err != nil {
			return 0, errors.Wrapf(err, "recategorizing %q", name)
		}
	}
	if len(shadowed) > 0 {
		logrus.WithField("moved", len(shadowed)).Info("recategorized shadowed general tags")
		if r.cache != nil {
			if err := r.cache.InvalidateAll(ctx); err != nil {
				return len(shadowed), err
			}
		}
	}
	return len(shadowed), nil
}

// RecountTags refreshes cached usage counts. Counts are derived from the
// relation, so this amounts to a cache reload plus an orphan sweep.
func (r *Repo) RecountTags(ctx context.Context) (pruned int64, err error) {
	pruned, err = r.store.PruneOrphanTags(ctx)
	if err != nil {
		return 0, err
	}
	if r.cache != nil {
		if err := r.cache.InvalidateAll(ctx); err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}

// ClearDeltas drops the journal rows of one image.
func (r *Repo) ClearDeltas(ctx context.Context, path string) (int64, error) {
	img, err := r.store.ImageByPath(ctx, path)
	if err != nil {
		return 0, err
	}
	return r.store.ClearDeltasForMD5(ctx, img.MD5)
}

func (r *Repo) invalidate(ctx context.Context, imageID int64) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.InvalidateImage(ctx, imageID)
}

// normalizeEdit applies the name invariant to an incoming edit and strips
// rating:<x> names out of the categorized set; the last one wins as the
// image's new rating.
func normalizeEdit(edit catalog.CategorizedTags) (catalog.CategorizedTags, string) {
	out := catalog.CategorizedTags{}
	rating := ""
	for cat, names := range edit {
		if !catalog.ValidCategory(cat) {
			continue
		}
		for _, n := range names {
			n = catalog.NormalizeTagName(n)
			if n == "" {
				continue
			}
			if strings.HasPrefix(n, "rating:") {
				rating = strings.TrimPrefix(n, "rating:")
				continue
			}
			out[cat] = append(out[cat], n)
		}
	}
	return out, rating
}

func flatten(tags catalog.CategorizedTags) map[string]catalog.Category {
	out := map[string]catalog.Category{}
	for cat, names := range tags {
		for _, n := range names {
			out[n] = cat
		}
	}
	return out
}
