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

// legacy provider name still present in old rows; normalized on read.
const legacyTaggerName = "camie_tagger"

// LocalTaggerSource is the canonical name of the local AI tagger provider.
const LocalTaggerSource = "local_tagger"

func normalizeSourceName(s string) string {
	if s == legacyTaggerName {
		return LocalTaggerSource
	}
	return s
}

// LinkSourceTx records that a source contributed metadata to an image.
func LinkSourceTx(ctx context.Context, tx *sql.Tx, imageID int64, source string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO image_sources (image_id, source) VALUES (?,?)
		ON CONFLICT (image_id, source) DO NOTHING`,
		imageID, normalizeSourceName(source))
	return errors.Wrap(err, "linking image source")
}

// SourcesForImage returns the set of sources that ever matched an image.
func (s *Store) SourcesForImage(ctx context.Context, imageID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT source FROM image_sources WHERE image_id = ? ORDER BY source", imageID)
	if err != nil {
		return nil, errors.Wrap(err, "listing image sources")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, errors.Wrap(err, "scanning source")
		}
		out = append(out, normalizeSourceName(src))
	}
	return out, rows.Err()
}

// PutRawMetadataTx stores (or replaces) the verbatim payload one source
// returned for an image. The rebuild engine treats these blobs as ground
// truth and never mutates them.
func PutRawMetadataTx(ctx context.Context, tx *sql.Tx, imageID int64, source string, payload []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO raw_metadata (image_id, source, payload) VALUES (?,?,?)
		ON CONFLICT (image_id, source) DO UPDATE SET payload = excluded.payload`,
		imageID, normalizeSourceName(source), string(payload))
	return errors.Wrap(err, "storing raw metadata")
}

// RawMetadata returns every retained payload for an image keyed by source.
func (s *Store) RawMetadata(ctx context.Context, imageID int64) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT source, payload FROM raw_metadata WHERE image_id = ?", imageID)
	if err != nil {
		return nil, errors.Wrap(err, "reading raw metadata")
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var src, payload string
		if err := rows.Scan(&src, &payload); err != nil {
			return nil, errors.Wrap(err, "scanning raw metadata")
		}
		out[normalizeSourceName(src)] = []byte(payload)
	}
	return out, rows.Err()
}

// PostIDMap returns source -> post id -> md5 for every image that carries a
// post id. The cache manager uses it to walk booru parent/child links.
func (s *Store) PostIDMap(ctx context.Context) (map[string]map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT active_source, post_id, md5 FROM images WHERE post_id != ''")
	if err != nil {
		return nil, errors.Wrap(err, "reading post id map")
	}
	defer rows.Close()
	out := map[string]map[string]string{}
	for rows.Next() {
		var src, postID, md5 string
		if err := rows.Scan(&src, &postID, &md5); err != nil {
			return nil, errors.Wrap(err, "scanning post id row")
		}
		src = normalizeSourceName(src)
		if out[src] == nil {
			out[src] = map[string]string{}
		}
		out[src][postID] = md5
	}
	return out, rows.Err()
}
