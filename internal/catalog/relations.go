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

// AddRelationTx inserts an image relation. parent_child rows keep (parent,
// child) order; every other type is stored as (min,max). Self relations are
// rejected, and parent_child edges that would close a cycle return ErrCycle.
func AddRelationTx(ctx context.Context, tx *sql.Tx, a, b int64, relType, source string) error {
	if a == b {
		return errors.New("catalog: self relation")
	}
	if relType != RelParentChild {
		a, b = OrderedPair(a, b)
	} else {
		cyclic, err := wouldCycleTx(ctx, tx, a, b)
		if err != nil {
			return err
		}
		if cyclic {
			return ErrCycle
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO image_relations (image_id_a, image_id_b, relation_type, source)
		VALUES (?,?,?,?)
		ON CONFLICT (image_id_a, image_id_b, relation_type) DO NOTHING`,
		a, b, relType, source)
	return errors.Wrap(err, "inserting relation")
}

// wouldCycleTx walks parent links upward from the proposed parent; finding
// the proposed child means the new edge closes a cycle.
func wouldCycleTx(ctx context.Context, tx *sql.Tx, parent, child int64) (bool, error) {
	visited := map[int64]bool{}
	frontier := []int64{parent}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur == child {
			return true, nil
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		rows, err := tx.QueryContext(ctx, `
			SELECT image_id_a FROM image_relations
			WHERE relation_type = ? AND image_id_b = ?`, RelParentChild, cur)
		if err != nil {
			return false, errors.Wrap(err, "walking parent links")
		}
		for rows.Next() {
			var p int64
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return false, errors.Wrap(err, "scanning parent id")
			}
			frontier = append(frontier, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}
	}
	return false, nil
}

// RelationExists checks both column orderings, as required for the
// non-directional types.
func (s *Store) RelationExists(ctx context.Context, a, b int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM image_relations
		WHERE (image_id_a = ? AND image_id_b = ?)
		   OR (image_id_a = ? AND image_id_b = ?)`, a, b, b, a).Scan(&n)
	return n > 0, errors.Wrap(err, "checking relation existence")
}

// RelationsForImage lists every relation touching the image.
func (s *Store) RelationsForImage(ctx context.Context, id int64) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, image_id_a, image_id_b, relation_type, source, created_at
		FROM image_relations
		WHERE image_id_a = ? OR image_id_b = ? ORDER BY id`, id, id)
	if err != nil {
		return nil, errors.Wrap(err, "listing relations")
	}
	defer rows.Close()
	var out []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.ID, &r.ImageA, &r.ImageB, &r.Type, &r.Source, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning relation")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FamilyOf returns the ids related to the image via parent_child or sibling
// rows. Similarity queries use it for family exclusion.
func (s *Store) FamilyOf(ctx context.Context, id int64) (map[int64]bool, error) {
	rels, err := s.RelationsForImage(ctx, id)
	if err != nil {
		return nil, err
	}
	fam := map[int64]bool{}
	for _, r := range rels {
		if r.Type != RelParentChild && r.Type != RelSibling {
			continue
		}
		if r.ImageA != id {
			fam[r.ImageA] = true
		}
		if r.ImageB != id {
			fam[r.ImageB] = true
		}
	}
	return fam, nil
}

// DeleteRelation removes one relation row by id.
func (s *Store) DeleteRelation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM image_relations WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "deleting relation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
