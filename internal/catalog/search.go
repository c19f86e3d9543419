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
	"strings"

	"github.com/pkg/errors"
)

// Id-set probes backing the typed search filters. Each returns the ids as a
// set; the query layer does the intersection work.

func (s *Store) scanIDSet(ctx context.Context, query string, args ...any) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying id set")
	}
	defer rows.Close()
	out := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning image id")
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ImageIDsWithSource returns images that ever matched the source.
func (s *Store) ImageIDsWithSource(ctx context.Context, source string) (map[int64]bool, error) {
	return s.scanIDSet(ctx,
		"SELECT image_id FROM image_sources WHERE source = ?",
		normalizeSourceName(source))
}

// ImageIDsWithParent returns images that are the child of a parent_child
// relation.
func (s *Store) ImageIDsWithParent(ctx context.Context) (map[int64]bool, error) {
	return s.scanIDSet(ctx,
		"SELECT image_id_b FROM image_relations WHERE relation_type = ?",
		RelParentChild)
}

// ImageIDsWithChild returns images that parent at least one other image.
func (s *Store) ImageIDsWithChild(ctx context.Context) (map[int64]bool, error) {
	return s.scanIDSet(ctx,
		"SELECT image_id_a FROM image_relations WHERE relation_type = ?",
		RelParentChild)
}

// ImageIDsInPool returns the members of the named pool.
func (s *Store) ImageIDsInPool(ctx context.Context, name string) (map[int64]bool, error) {
	return s.scanIDSet(ctx, `
		SELECT pi.image_id FROM pool_images pi
		JOIN pools p ON p.id = pi.pool_id
		WHERE p.name = ?`, name)
}

// ImageIDsInCategory returns images carrying at least one tag of the
// category.
func (s *Store) ImageIDsInCategory(ctx context.Context, cat Category) (map[int64]bool, error) {
	return s.scanIDSet(ctx, `
		SELECT DISTINCT it.image_id FROM image_tags it
		JOIN tags t ON t.id = it.tag_id
		WHERE t.category = ?`, string(cat))
}

// ImageIDsMatchingFilename returns images whose filepath contains the token.
func (s *Store) ImageIDsMatchingFilename(ctx context.Context, token string) (map[int64]bool, error) {
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(token)
	return s.scanIDSet(ctx,
		`SELECT id FROM images WHERE filepath LIKE ? ESCAPE '\'`,
		"%"+escaped+"%")
}

// ImagesByIDs loads image rows in the order given.
func (s *Store) ImagesByIDs(ctx context.Context, ids []int64) ([]*Image, error) {
	out := make([]*Image, 0, len(ids))
	for _, id := range ids {
		img, err := s.ImageByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}
