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

// ReplaceDuplicatePairs atomically swaps in a freshly scanned pair set.
func (s *Store) ReplaceDuplicatePairs(ctx context.Context, pairs []DuplicatePair) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM duplicate_pairs"); err != nil {
			return errors.Wrap(err, "clearing duplicate pairs")
		}
		for _, p := range pairs {
			a, b := OrderedPair(p.ImageA, p.ImageB)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO duplicate_pairs
					(image_id_a, image_id_b, distance, threshold_at_scan)
				VALUES (?,?,?,?)`,
				a, b, p.Distance, p.ThresholdAtScan); err != nil {
				return errors.Wrap(err, "inserting duplicate pair")
			}
		}
		return nil
	})
}

// DeleteDuplicatePairTx removes one pair (and its cached suggestion) as a
// review action commits.
func DeleteDuplicatePairTx(ctx context.Context, tx *sql.Tx, a, b int64) error {
	a, b = OrderedPair(a, b)
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM duplicate_pairs WHERE image_id_a = ? AND image_id_b = ?",
		a, b); err != nil {
		return errors.Wrap(err, "deleting duplicate pair")
	}
	_, err := tx.ExecContext(ctx,
		"DELETE FROM duplicate_pair_suggestions WHERE image_id_a = ? AND image_id_b = ?",
		a, b)
	return errors.Wrap(err, "deleting pair suggestion")
}

// DuplicatePairs lists cached pairs within the distance threshold, skipping
// pairs that already have a relation in either column ordering.
func (s *Store) DuplicatePairs(ctx context.Context, threshold int) ([]DuplicatePair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.image_id_a, p.image_id_b, p.distance, p.threshold_at_scan, p.computed_at
		FROM duplicate_pairs p
		WHERE p.distance <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM image_relations r
			WHERE (r.image_id_a = p.image_id_a AND r.image_id_b = p.image_id_b)
			   OR (r.image_id_a = p.image_id_b AND r.image_id_b = p.image_id_a))
		ORDER BY p.distance, p.image_id_a, p.image_id_b`, threshold)
	if err != nil {
		return nil, errors.Wrap(err, "listing duplicate pairs")
	}
	defer rows.Close()
	var out []DuplicatePair
	for rows.Next() {
		var p DuplicatePair
		if err := rows.Scan(&p.ImageA, &p.ImageB, &p.Distance, &p.ThresholdAtScan, &p.ComputedAt); err != nil {
			return nil, errors.Wrap(err, "scanning duplicate pair")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DuplicatePairCount returns the cached pair total and the newest scan time.
func (s *Store) DuplicatePairCount(ctx context.Context) (int64, sql.NullTime, error) {
	var n int64
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MAX(computed_at) FROM duplicate_pairs").Scan(&n, &at)
	return n, at, errors.Wrap(err, "counting duplicate pairs")
}

// PutPairSuggestion upserts the cached diff metrics for one pair.
func (s *Store) PutPairSuggestion(ctx context.Context, g *PairSuggestion) error {
	a, b := OrderedPair(g.ImageA, g.ImageB)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO duplicate_pair_suggestions (
			image_id_a, image_id_b, mean_abs_diff, changed_ratio,
			largest_blob_ratio, blob_count, peak_blob_contrast, mask_mismatch,
			area_ratio, filesize_ratio, tag_gap_ratio, visual_signal,
			metadata_adjust, final_signal
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (image_id_a, image_id_b) DO UPDATE SET
			mean_abs_diff = excluded.mean_abs_diff,
			changed_ratio = excluded.changed_ratio,
			largest_blob_ratio = excluded.largest_blob_ratio,
			blob_count = excluded.blob_count,
			peak_blob_contrast = excluded.peak_blob_contrast,
			mask_mismatch = excluded.mask_mismatch,
			area_ratio = excluded.area_ratio,
			filesize_ratio = excluded.filesize_ratio,
			tag_gap_ratio = excluded.tag_gap_ratio,
			visual_signal = excluded.visual_signal,
			metadata_adjust = excluded.metadata_adjust,
			final_signal = excluded.final_signal,
			computed_at = CURRENT_TIMESTAMP`,
		a, b, g.MeanAbsDiff, g.ChangedRatio, g.LargestBlobRatio, g.BlobCount,
		g.PeakBlobContrast, g.MaskMismatch, g.AreaRatio, g.FilesizeRatio,
		g.TagGapRatio, g.VisualSignal, g.MetadataAdjust, g.FinalSignal)
	return errors.Wrap(err, "storing pair suggestion")
}

// PairSuggestionFor returns the cached suggestion for a pair, if any.
func (s *Store) PairSuggestionFor(ctx context.Context, a, b int64) (*PairSuggestion, error) {
	a, b = OrderedPair(a, b)
	row := s.db.QueryRowContext(ctx, `
		SELECT image_id_a, image_id_b, mean_abs_diff, changed_ratio,
			largest_blob_ratio, blob_count, peak_blob_contrast, mask_mismatch,
			area_ratio, filesize_ratio, tag_gap_ratio, visual_signal,
			metadata_adjust, final_signal, computed_at
		FROM duplicate_pair_suggestions
		WHERE image_id_a = ? AND image_id_b = ?`, a, b)
	var g PairSuggestion
	err := row.Scan(&g.ImageA, &g.ImageB, &g.MeanAbsDiff, &g.ChangedRatio,
		&g.LargestBlobRatio, &g.BlobCount, &g.PeakBlobContrast, &g.MaskMismatch,
		&g.AreaRatio, &g.FilesizeRatio, &g.TagGapRatio, &g.VisualSignal,
		&g.MetadataAdjust, &g.FinalSignal, &g.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &g, errors.Wrap(err, "reading pair suggestion")
}
