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

package catalog

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

// EnsureTagTx returns the id of the named tag, creating it with the given
// category when absent. When overrideCategory is set an existing tag's base
// category is updated to match (the edit entry point uses this so a tag
// recategorized by the user sticks).
func EnsureTagTx(ctx context.Context, tx *sql.Tx, name string, category Category, overrideCategory bool) (int64, error) {
	var id int64
	var cur Category
	err := tx.QueryRowContext(ctx,
		"SELECT id, category FROM tags WHERE name = ?", name).Scan(&id, &cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			"INSERT INTO tags (name, category) VALUES (?, ?)", name, category)
		if err != nil {
			return 0, errors.Wrapf(err, "creating tag %q", name)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, errors.Wrapf(err, "looking up tag %q", name)
	}
	if overrideCategory && cur != category {
		if _, err := tx.ExecContext(ctx,
			"UPDATE tags SET category = ? WHERE id = ?", category, id); err != nil {
			return 0, errors.Wrapf(err, "recategorizing tag %q", name)
		}
	}
	return id, nil
}

// TagByName fetches a tag with its usage count.
func (s *Store) TagByName(ctx context.Context, name string) (*Tag, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.name, t.category, t.extended_category,
			(SELECT COUNT(*) FROM image_tags it WHERE it.tag_id = t.id)
		FROM tags t WHERE t.name = ?`, name)
	var t Tag
	err := row.Scan(&t.ID, &t.Name, &t.Category, &t.ExtendedCategory, &t.UsageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &t, errors.Wrapf(err, "fetching tag %q", name)
}

// AllTags lists every tag with usage counts, most used first.
func (s *Store) AllTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.category, t.extended_category, COUNT(it.image_id)
		FROM tags t LEFT JOIN image_tags it ON it.tag_id = t.id
		GROUP BY t.id ORDER BY COUNT(it.image_id) DESC, t.name`)
	if err != nil {
		return nil, errors.Wrap(err, "listing tags")
	}
	defer rows.Close()
	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Category, &t.ExtendedCategory, &t.UsageCount); err != nil {
			return nil, errors.Wrap(err, "scanning tag row")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTagCategory updates a tag's base category (and optionally its extended
// category) by name.
func (s *Store) SetTagCategory(ctx context.Context, name string, category Category, extended string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE tags SET category = ?, extended_category = ? WHERE name = ?",
			category, extended, name)
		if err != nil {
			return errors.Wrapf(err, "updating category of %q", name)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return touchImagesWithTagTx(ctx, tx, name)
	})
}

// RenameTag renames a tag and rewrites the denormalized columns of every
// image carrying it. Renaming onto an existing name is a merge.
func (s *Store) RenameTag(ctx context.Context, oldName, newName string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var oldID int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM tags WHERE name = ?", oldName).Scan(&oldID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrapf(err, "looking up %q", oldName)
		}
		var newID int64
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM tags WHERE name = ?", newName).Scan(&newID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				"UPDATE tags SET name = ? WHERE id = ?", newName, oldID); err != nil {
				return errors.Wrapf(err, "renaming %q", oldName)
			}
		case err != nil:
			return errors.Wrapf(err, "looking up %q", newName)
		default:
			if err := mergeTagRowsTx(ctx, tx, oldID, newID); err != nil {
				return err
			}
		}
		return touchImagesWithTagTx(ctx, tx, newName)
	})
}

// MergeTags folds the usages of src into dst and deletes src.
func (s *Store) MergeTags(ctx context.Context, srcName, dstName string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var srcID, dstID int64
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM tags WHERE name = ?", srcName).Scan(&srcID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return errors.Wrapf(err, "looking up %q", srcName)
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM tags WHERE name = ?", dstName).Scan(&dstID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return errors.Wrapf(err, "looking up %q", dstName)
		}
		if err := mergeTagRowsTx(ctx, tx, srcID, dstID); err != nil {
			return err
		}
		return touchImagesWithTagTx(ctx, tx, dstName)
	})
}

func mergeTagRowsTx(ctx context.Context, tx *sql.Tx, srcID, dstID int64) error {
	// Keep the (image, tag) uniqueness invariant: drop src tuples on images
	// that already carry dst, retarget the rest.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM image_tags WHERE tag_id = ? AND image_id IN
			(SELECT image_id FROM image_tags WHERE tag_id = ?)`,
		srcID, dstID); err != nil {
		return errors.Wrap(err, "dropping overlapping tag tuples")
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE image_tags SET tag_id = ? WHERE tag_id = ?", dstID, srcID); err != nil {
		return errors.Wrap(err, "retargeting tag tuples")
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE implications SET source_tag = (SELECT name FROM tags WHERE id = ?) WHERE source_tag = (SELECT name FROM tags WHERE id = ?)",
		dstID, srcID); err != nil {
		return errors.Wrap(err, "retargeting implications")
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM tags WHERE id = ?", srcID)
	return errors.Wrap(err, "deleting merged tag")
}

// DeleteTag removes a tag and all its usages.
func (s *Store) DeleteTag(ctx context.Context, name string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		ids, err := imageIDsWithTagTx(ctx, tx, name)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM tags WHERE name = ?", name)
		if err != nil {
			return errors.Wrapf(err, "deleting tag %q", name)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		for _, id := range ids {
			if err := RebuildDenormalizedTx(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// PruneOrphanTags deletes tags with zero usages. Explicit maintenance only;
// nothing removes tags implicitly.
func (s *Store) PruneOrphanTags(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tags WHERE id NOT IN (SELECT DISTINCT tag_id FROM image_tags)`)
	if err != nil {
		return 0, errors.Wrap(err, "pruning orphan tags")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GeneralTagsShadowedBySpecific finds general tags whose name also exists in
// the catalog under a more specific category elsewhere; the recategorizer
// moves them. sqlite has one row per name, so "exists elsewhere" means the
// name shows up inside another image's denormalized specific columns.
func (s *Store) GeneralTagsShadowedBySpecific(ctx context.Context) (map[string]Category, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM tags WHERE category = 'general'")
	if err != nil {
		return nil, errors.Wrap(err, "listing general tags")
	}
	defer rows.Close()
	var generals []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errors.Wrap(err, "scanning tag name")
		}
		generals = append(generals, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := map[string]Category{}
	cols := map[Category]string{
		CategoryCharacter: "tags_character",
		CategorySpecies:   "tags_species",
		CategoryCopyright: "tags_copyright",
		CategoryArtist:    "tags_artist",
		CategoryMeta:      "tags_meta",
	}
	for _, name := range generals {
		needle := "% " + name + " %"
		for _, cat := range []Category{CategoryCharacter, CategorySpecies, CategoryCopyright, CategoryArtist, CategoryMeta} {
			var n int
			err := s.db.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM images WHERE ' ' || "+cols[cat]+" || ' ' LIKE ?",
				needle).Scan(&n)
			if err != nil {
				return nil, errors.Wrap(err, "probing denormalized columns")
			}
			if n > 0 {
				out[name] = cat
				break
			}
		}
	}
	return out, nil
}

func imageIDsWithTagTx(ctx context.Context, tx *sql.Tx, name string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT it.image_id FROM image_tags it
		JOIN tags t ON t.id = it.tag_id WHERE t.name = ?`, name)
	if err != nil {
		return nil, errors.Wrapf(err, "listing images with tag %q", name)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning image id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ImageIDsWithTag lists the ids of images carrying the named tag.
func (s *Store) ImageIDsWithTag(ctx context.Context, name string) ([]int64, error) {
	var ids []int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = imageIDsWithTagTx(ctx, tx, name)
		return err
	})
	return ids, err
}

func touchImagesWithTagTx(ctx context.Context, tx *sql.Tx, name string) error {
	ids, err := imageIDsWithTagTx(ctx, tx, name)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := RebuildDenormalizedTx(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeTagName enforces the tag-name invariant: lowercase, space-free,
// with legacy rating_<x> names mapped to the rating:<x> form.
func NormalizeTagName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	if strings.HasPrefix(name, "rating_") {
		name = "rating:" + strings.TrimPrefix(name, "rating_")
	}
	return name
}

// NormalizeStoredRating maps arbitrary rating strings onto the closed set.
func NormalizeStoredRating(r string) string {
	switch strings.ToLower(r) {
	case "g", RatingGeneral, "safe", "s":
		// Danbooru's legacy "s" meant safe; e621 uses "s" for safe too.
		return RatingGeneral
	case RatingSensitive:
		return RatingSensitive
	case "q", RatingQuestionable:
		return RatingQuestionable
	case "e", RatingExplicit:
		return RatingExplicit
	default:
		return RatingUnknown
	}
}
