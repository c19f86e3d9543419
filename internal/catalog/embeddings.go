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
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// EncodeVector serializes a float32 vector as raw little-endian bytes, the
// on-disk wire format for embeddings.
func EncodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errors.Errorf("embedding blob length %d not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// PutEmbeddingTx stores (or replaces) an image's embedding.
func PutEmbeddingTx(ctx context.Context, tx *sql.Tx, imageID int64, vec []float32) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO embeddings (image_id, dim, vector) VALUES (?,?,?)
		ON CONFLICT (image_id) DO UPDATE SET dim = excluded.dim, vector = excluded.vector`,
		imageID, len(vec), EncodeVector(vec))
	return errors.Wrap(err, "storing embedding")
}

// Embedding loads one image's embedding.
func (s *Store) Embedding(ctx context.Context, imageID int64) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT vector FROM embeddings WHERE image_id = ?", imageID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading embedding")
	}
	return DecodeVector(blob)
}

// AllEmbeddings returns image id -> vector for index rebuilds. Vectors whose
// stored dim disagrees with the blob are skipped; they show up in the
// broken-images report instead.
func (s *Store) AllEmbeddings(ctx context.Context) (map[int64][]float32, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT image_id, dim, vector FROM embeddings")
	if err != nil {
		return nil, errors.Wrap(err, "listing embeddings")
	}
	defer rows.Close()
	out := map[int64][]float32{}
	for rows.Next() {
		var id int64
		var dim int
		var blob []byte
		if err := rows.Scan(&id, &dim, &blob); err != nil {
			return nil, errors.Wrap(err, "scanning embedding")
		}
		vec, err := DecodeVector(blob)
		if err != nil || len(vec) != dim {
			continue
		}
		out[id] = vec
	}
	return out, rows.Err()
}

// DeleteEmbedding removes one image's embedding row.
func (s *Store) DeleteEmbedding(ctx context.Context, imageID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM embeddings WHERE image_id = ?", imageID)
	return errors.Wrap(err, "deleting embedding")
}
