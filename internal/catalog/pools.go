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

// CreatePool creates a named pool.
func (s *Store) CreatePool(ctx context.Context, name, description string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO pools (name, description) VALUES (?,?)", name, description)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, errors.Wrap(err, "creating pool")
	}
	return res.LastInsertId()
}

// AllPools lists every pool with its image count, by name.
func (s *Store) AllPools(ctx context.Context) ([]Pool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.description, COUNT(pi.image_id)
		FROM pools p LEFT JOIN pool_images pi ON pi.pool_id = p.id
		GROUP BY p.id ORDER BY p.name`)
	if err != nil {
		return nil, errors.Wrap(err, "listing pools")
	}
	defer rows.Close()
	var out []Pool
	for rows.Next() {
		var p Pool
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.ImageCount); err != nil {
			return nil, errors.Wrap(err, "scanning pool")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePool removes a pool and its memberships. Images stay.
func (s *Store) DeletePool(ctx context.Context, poolID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pool_images WHERE pool_id = ?", poolID); err != nil {
			return errors.Wrap(err, "clearing pool memberships")
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM pools WHERE id = ?", poolID)
		if err != nil {
			return errors.Wrap(err, "deleting pool")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "checking pool deletion")
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// PoolByName fetches one pool.
func (s *Store) PoolByName(ctx context.Context, name string) (*Pool, error) {
	var p Pool
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, description FROM pools WHERE name = ?", name).
		Scan(&p.ID, &p.Name, &p.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, errors.Wrap(err, "fetching pool")
}

// PoolsForImage lists the pools an image belongs to with its position.
func (s *Store) PoolsForImage(ctx context.Context, imageID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name, pi.position FROM pool_images pi
		JOIN pools p ON p.id = pi.pool_id
		WHERE pi.image_id = ? ORDER BY p.name`, imageID)
	if err != nil {
		return nil, errors.Wrap(err, "listing pools for image")
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var name string
		var pos int
		if err := rows.Scan(&name, &pos); err != nil {
			return nil, errors.Wrap(err, "scanning pool membership")
		}
		out[name] = pos
	}
	return out, rows.Err()
}

// AppendToPool adds an image at the end of a pool. Positions are 1-indexed
// and contiguous.
func (s *Store) AppendToPool(ctx context.Context, poolID, imageID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var max sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			"SELECT MAX(position) FROM pool_images WHERE pool_id = ?", poolID).
			Scan(&max); err != nil {
			return errors.Wrap(err, "reading pool tail")
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO pool_images (pool_id, image_id, position) VALUES (?,?,?)",
			poolID, imageID, max.Int64+1)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "appending to pool")
	})
}

// RemoveFromPool removes an image and closes the position gap so the
// sequence stays contiguous.
func (s *Store) RemoveFromPool(ctx context.Context, poolID, imageID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var pos int
		err := tx.QueryRowContext(ctx,
			"SELECT position FROM pool_images WHERE pool_id = ? AND image_id = ?",
			poolID, imageID).Scan(&pos)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "reading pool position")
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pool_images WHERE pool_id = ? AND image_id = ?",
			poolID, imageID); err != nil {
			return errors.Wrap(err, "removing from pool")
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE pool_images SET position = position - 1 WHERE pool_id = ? AND position > ?",
			poolID, pos)
		return errors.Wrap(err, "compacting pool positions")
	})
}

// PoolImageIDs returns the image ids of a pool in position order.
func (s *Store) PoolImageIDs(ctx context.Context, poolID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT image_id FROM pool_images WHERE pool_id = ? ORDER BY position", poolID)
	if err != nil {
		return nil, errors.Wrap(err, "listing pool images")
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning pool image id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReorderPool rewrites a pool's ordering to match ids, 1-indexed.
func (s *Store) ReorderPool(ctx context.Context, poolID int64, ids []int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pool_images WHERE pool_id = ?", poolID); err != nil {
			return errors.Wrap(err, "clearing pool ordering")
		}
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO pool_images (pool_id, image_id, position) VALUES (?,?,?)",
				poolID, id, i+1); err != nil {
				return errors.Wrap(err, "writing pool ordering")
			}
		}
		return nil
	})
}
