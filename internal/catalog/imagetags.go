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

	"github.com/pkg/errors"
)

// ReplaceImageTagsTx clears the normalized relation for one image and
// rewrites it from the categorized tag set, creating tags as needed and
// overriding their base categories to match the edit.
func ReplaceImageTagsTx(ctx context.Context, tx *sql.Tx, imageID int64, tags CategorizedTags, origin Origin) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM image_tags WHERE image_id = ?", imageID); err != nil {
		return errors.Wrap(err, "clearing image tags")
	}
	for _, cat := range Categories {
		for _, name := range tags[cat] {
			tagID, err := EnsureTagTx(ctx, tx, name, cat, true)
			if err != nil {
				return err
			}
			if err := AddImageTagTx(ctx, tx, imageID, tagID, origin); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddImageTagTx inserts one tuple. Existing tuples are left untouched, which
// keeps the at-most-one-per-(image,tag) invariant regardless of origin.
func AddImageTagTx(ctx context.Context, tx *sql.Tx, imageID, tagID int64, origin Origin) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO image_tags (image_id, tag_id, origin) VALUES (?,?,?)
		ON CONFLICT (image_id, tag_id) DO NOTHING`,
		imageID, tagID, origin)
	return errors.Wrap(err, "adding image tag")
}

// RemoveImageTagByNameTx removes one tuple by tag name.
func RemoveImageTagByNameTx(ctx context.Context, tx *sql.Tx, imageID int64, name string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM image_tags WHERE image_id = ? AND tag_id IN
			(SELECT id FROM tags WHERE name = ?)`, imageID, name)
	return errors.Wrap(err, "removing image tag")
}

// AddImageTagByNameTx adds one tuple by name, creating the tag when absent.
func AddImageTagByNameTx(ctx context.Context, tx *sql.Tx, imageID int64, name string, cat Category, origin Origin) error {
	tagID, err := EnsureTagTx(ctx, tx, name, cat, false)
	if err != nil {
		return err
	}
	return AddImageTagTx(ctx, tx, imageID, tagID, origin)
}

// TagsForImage reads the normalized categorized tag set of one image.
func (s *Store) TagsForImage(ctx context.Context, imageID int64) (CategorizedTags, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name, t.category FROM image_tags it
		JOIN tags t ON t.id = it.tag_id
		WHERE it.image_id = ? ORDER BY t.name`, imageID)
	if err != nil {
		return nil, errors.Wrap(err, "reading image tags")
	}
	defer rows.Close()
	out := CategorizedTags{}
	for rows.Next() {
		var name string
		var cat Category
		if err := rows.Scan(&name, &cat); err != nil {
			return nil, errors.Wrap(err, "scanning image tag")
		}
		if !ValidCategory(cat) {
			continue
		}
		out[cat] = append(out[cat], name)
	}
	return out, rows.Err()
}

// TagNamesForImage returns the flat set of tag names on one image.
func (s *Store) TagNamesForImage(ctx context.Context, imageID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name FROM image_tags it JOIN tags t ON t.id = it.tag_id
		WHERE it.image_id = ?`, imageID)
	if err != nil {
		return nil, errors.Wrap(err, "reading image tag names")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errors.Wrap(err, "scanning tag name")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AllImageTagPairs streams the whole normalized relation as image id ->
// tag ids. The cache manager loads this once per invalidation.
func (s *Store) AllImageTagPairs(ctx context.Context) (map[int64][]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT image_id, tag_id FROM image_tags ORDER BY image_id, tag_id")
	if err != nil {
		return nil, errors.Wrap(err, "reading image tag pairs")
	}
	defer rows.Close()
	out := map[int64][]int64{}
	for rows.Next() {
		var imageID, tagID int64
		if err := rows.Scan(&imageID, &tagID); err != nil {
			return nil, errors.Wrap(err, "scanning image tag pair")
		}
		out[imageID] = append(out[imageID], tagID)
	}
	return out, rows.Err()
}

// TagIDsForImage returns the sorted tag ids on one image.
func (s *Store) TagIDsForImage(ctx context.Context, imageID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tag_id FROM image_tags WHERE image_id = ? ORDER BY tag_id", imageID)
	if err != nil {
		return nil, errors.Wrap(err, "reading image tag ids")
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning tag id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClearImplicationTuplesTx removes every tuple with origin implication,
// catalog-wide. The bulk reapply path starts from this clean slate.
func ClearImplicationTuplesTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx,
		"DELETE FROM image_tags WHERE origin = ?", OriginImplication)
	if err != nil {
		return 0, errors.Wrap(err, "clearing implication tuples")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearAllImageTagsTx truncates the normalized relation and the tags table.
// Only the rebuild engine calls this.
func ClearAllImageTagsTx(ctx context.Context, tx *sql.Tx) error {
	for _, q := range []string{
		"DELETE FROM image_tags",
		"DELETE FROM image_sources",
		"DELETE FROM tags",
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "clearing tag state for rebuild")
		}
	}
	return nil
}
