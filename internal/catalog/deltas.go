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

// AppendDeltaTx records one journal operation with cancellation: when the
// latest outstanding entry for the same (md5, tag) is the opposite op, that
// row is deleted and nothing is inserted, keeping the journal net-zero.
func AppendDeltaTx(ctx context.Context, tx *sql.Tx, md5, tagName string, cat Category, op string) error {
	opposite := DeltaRemove
	if op == DeltaRemove {
		opposite = DeltaAdd
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM tag_deltas
		WHERE md5 = ? AND tag_name = ? AND op = ?
		ORDER BY id DESC LIMIT 1`, md5, tagName, opposite).Scan(&id)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, "DELETE FROM tag_deltas WHERE id = ?", id)
		return errors.Wrap(err, "cancelling opposite delta")
	case errors.Is(err, sql.ErrNoRows):
		// fall through to append
	default:
		return errors.Wrap(err, "probing for opposite delta")
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO tag_deltas (md5, tag_name, category, op) VALUES (?,?,?,?)",
		md5, tagName, cat, op)
	return errors.Wrap(err, "appending delta")
}

func scanDeltas(rows *sql.Rows) ([]Delta, error) {
	defer rows.Close()
	var out []Delta
	for rows.Next() {
		var d Delta
		if err := rows.Scan(&d.ID, &d.MD5, &d.TagName, &d.Category, &d.Op, &d.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning delta")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeltasForMD5 lists the outstanding journal entries for one image.
func (s *Store) DeltasForMD5(ctx context.Context, md5 string) ([]Delta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, md5, tag_name, category, op, created_at
		FROM tag_deltas WHERE md5 = ? ORDER BY id`, md5)
	if err != nil {
		return nil, errors.Wrap(err, "listing deltas")
	}
	return scanDeltas(rows)
}

// AllDeltas returns the whole journal in append order, for replay.
func (s *Store) AllDeltas(ctx context.Context) ([]Delta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, md5, tag_name, category, op, created_at
		FROM tag_deltas ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing all deltas")
	}
	return scanDeltas(rows)
}

// ClearDeltasForMD5 drops the journal entries of one image.
func (s *Store) ClearDeltasForMD5(ctx context.Context, md5 string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tag_deltas WHERE md5 = ?", md5)
	if err != nil {
		return 0, errors.Wrap(err, "clearing deltas")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
