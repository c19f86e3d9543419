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

	"github.com/pkg/errors"
)

// InsertImplication stores a rule. The caller is responsible for cycle
// rejection before committing.
func (s *Store) InsertImplication(ctx context.Context, r *ImplicationRule) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO implications (source_tag, implied_tag, inference_type, confidence, status)
		VALUES (?,?,?,?,?)`,
		r.SourceTag, r.ImpliedTag, r.InferenceType, r.Confidence, ImplicationActive)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "inserting implication")
	}
	r.ID, err = res.LastInsertId()
	r.Status = ImplicationActive
	return errors.Wrap(err, "reading implication id")
}

// DeleteImplication removes a rule by id.
func (s *Store) DeleteImplication(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM implications WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "deleting implication")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryImplications(ctx context.Context, clause string, args ...any) ([]ImplicationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_tag, implied_tag, inference_type, confidence, status, created_at
		FROM implications `+clause, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying implications")
	}
	defer rows.Close()
	var out []ImplicationRule
	for rows.Next() {
		var r ImplicationRule
		if err := rows.Scan(&r.ID, &r.SourceTag, &r.ImpliedTag, &r.InferenceType,
			&r.Confidence, &r.Status, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning implication")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllImplications lists every stored rule.
func (s *Store) AllImplications(ctx context.Context) ([]ImplicationRule, error) {
	return s.queryImplications(ctx, "ORDER BY source_tag, implied_tag")
}

// ImplicationsForTag lists rules whose source or implied tag is name.
func (s *Store) ImplicationsForTag(ctx context.Context, name string) ([]ImplicationRule, error) {
	return s.queryImplications(ctx,
		"WHERE source_tag = ? OR implied_tag = ? ORDER BY id", name, name)
}

// ImplicationEdges returns the active rule set as source -> implied names.
func (s *Store) ImplicationEdges(ctx context.Context) (map[string][]string, error) {
	rules, err := s.queryImplications(ctx, "WHERE status = ?", ImplicationActive)
	if err != nil {
		return nil, err
	}
	out := map[string][]string{}
	for _, r := range rules {
		out[r.SourceTag] = append(out[r.SourceTag], r.ImpliedTag)
	}
	return out, nil
}

// ImplicationByID fetches one rule.
func (s *Store) ImplicationByID(ctx context.Context, id int64) (*ImplicationRule, error) {
	rules, err := s.queryImplications(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, ErrNotFound
	}
	return &rules[0], nil
}

// TagCategoryMap returns name -> base category for every tag; the
// implication miners use it to restrict candidate categories.
func (s *Store) TagCategoryMap(ctx context.Context) (map[string]Category, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, category FROM tags")
	if err != nil {
		return nil, errors.Wrap(err, "listing tag categories")
	}
	defer rows.Close()
	out := map[string]Category{}
	for rows.Next() {
		var name string
		var cat Category
		if err := rows.Scan(&name, &cat); err != nil {
			return nil, errors.Wrap(err, "scanning tag category")
		}
		out[name] = cat
	}
	return out, rows.Err()
}

// ExtendedCategoryMap returns name -> extended category for tags that have one.
func (s *Store) ExtendedCategoryMap(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, extended_category FROM tags WHERE extended_category != ''")
	if err != nil {
		return nil, errors.Wrap(err, "listing extended categories")
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, ext string
		if err := rows.Scan(&name, &ext); err != nil {
			return nil, errors.Wrap(err, "scanning extended category")
		}
		out[name] = ext
	}
	return out, rows.Err()
}

// CoOccurrence counts images carrying both tags.
func (s *Store) CoOccurrence(ctx context.Context, tagA, tagB string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM image_tags a
		JOIN image_tags b ON b.image_id = a.image_id
		WHERE a.tag_id = (SELECT id FROM tags WHERE name = ?)
		  AND b.tag_id = (SELECT id FROM tags WHERE name = ?)`,
		tagA, tagB).Scan(&n)
	return n, errors.Wrap(err, "counting co-occurrence")
}

// CoOccurringTags returns, for the given tag, every tag sharing at least one
// image with it, with shared-image counts.
func (s *Store) CoOccurringTags(ctx context.Context, name string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name, COUNT(*) FROM image_tags a
		JOIN image_tags b ON b.image_id = a.image_id AND b.tag_id != a.tag_id
		JOIN tags t ON t.id = b.tag_id
		WHERE a.tag_id = (SELECT id FROM tags WHERE name = ?)
		GROUP BY t.name`, name)
	if err != nil {
		return nil, errors.Wrap(err, "listing co-occurring tags")
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var n string
		var c int64
		if err := rows.Scan(&n, &c); err != nil {
			return nil, errors.Wrap(err, "scanning co-occurrence row")
		}
		out[n] = c
	}
	return out, rows.Err()
}
