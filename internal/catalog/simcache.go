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

// ReplaceSimilars swaps in the ranked top-N list for one (image, type).
func ReplaceSimilarsTx(ctx context.Context, tx *sql.Tx, sourceID int64, simType string, entries []SimilarEntry) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM similar_images_cache WHERE source_id = ? AND sim_type = ?",
		sourceID, simType); err != nil {
		return errors.Wrap(err, "clearing similars cache")
	}
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO similar_images_cache (source_id, similar_id, score, sim_type, rank)
			VALUES (?,?,?,?,?)`,
			sourceID, e.SimilarID, e.Score, simType, i+1); err != nil {
			return errors.Wrap(err, "writing similars cache")
		}
	}
	return nil
}

// CachedSimilars reads the ranked similars list for one (image, type).
func (s *Store) CachedSimilars(ctx context.Context, sourceID int64, simType string) ([]SimilarEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, similar_id, score, sim_type, rank
		FROM similar_images_cache
		WHERE source_id = ? AND sim_type = ? ORDER BY rank`, sourceID, simType)
	if err != nil {
		return nil, errors.Wrap(err, "reading similars cache")
	}
	defer rows.Close()
	var out []SimilarEntry
	for rows.Next() {
		var e SimilarEntry
		if err := rows.Scan(&e.SourceID, &e.SimilarID, &e.Score, &e.Type, &e.Rank); err != nil {
			return nil, errors.Wrap(err, "scanning similars row")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SimilarsCacheCount returns the number of cached similars rows.
func (s *Store) SimilarsCacheCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM similar_images_cache").Scan(&n)
	return n, errors.Wrap(err, "counting similars cache")
}
