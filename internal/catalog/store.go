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
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database. sqlite allows a single writer, so all
// mutations run through transactions started here; readers go through the
// same handle with WAL enabled.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "opening catalog database")
	}
	// A single writer avoids SQLITE_BUSY churn under the ingest pool.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing catalog schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback also failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// isUniqueViolation reports whether err is a sqlite unique-constraint error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS images (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    md5             TEXT NOT NULL UNIQUE,
    filepath        TEXT NOT NULL UNIQUE,
    width           INTEGER NOT NULL DEFAULT 0,
    height          INTEGER NOT NULL DEFAULT 0,
    file_size       INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    active_source   TEXT NOT NULL DEFAULT '',
    tags_character  TEXT NOT NULL DEFAULT '',
    tags_copyright  TEXT NOT NULL DEFAULT '',
    tags_artist     TEXT NOT NULL DEFAULT '',
    tags_species    TEXT NOT NULL DEFAULT '',
    tags_meta       TEXT NOT NULL DEFAULT '',
    tags_general    TEXT NOT NULL DEFAULT '',
    post_id         TEXT NOT NULL DEFAULT '',
    parent_post_id  TEXT NOT NULL DEFAULT '',
    has_children    INTEGER NOT NULL DEFAULT 0,
    phash           TEXT NOT NULL DEFAULT '',
    colorhash       TEXT NOT NULL DEFAULT '',
    rating          TEXT NOT NULL DEFAULT 'unknown',
    score           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tags (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    name              TEXT NOT NULL UNIQUE,
    category          TEXT NOT NULL DEFAULT 'general',
    extended_category TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS image_tags (
    image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
    tag_id   INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    origin   TEXT NOT NULL DEFAULT 'original',
    PRIMARY KEY (image_id, tag_id)
);
CREATE INDEX IF NOT EXISTS idx_image_tags_tag ON image_tags(tag_id);

CREATE TABLE IF NOT EXISTS image_sources (
    image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
    source   TEXT NOT NULL,
    PRIMARY KEY (image_id, source)
);

CREATE TABLE IF NOT EXISTS raw_metadata (
    image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
    source   TEXT NOT NULL,
    payload  TEXT NOT NULL,
    PRIMARY KEY (image_id, source)
);

CREATE TABLE IF NOT EXISTS tag_deltas (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    md5        TEXT NOT NULL,
    tag_name   TEXT NOT NULL,
    category   TEXT NOT NULL,
    op         TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tag_deltas_md5 ON tag_deltas(md5);

CREATE TABLE IF NOT EXISTS implications (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    source_tag     TEXT NOT NULL,
    implied_tag    TEXT NOT NULL,
    inference_type TEXT NOT NULL,
    confidence     REAL NOT NULL DEFAULT 1.0,
    status         TEXT NOT NULL DEFAULT 'active',
    created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (source_tag, implied_tag)
);

CREATE TABLE IF NOT EXISTS pools (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS pool_images (
    pool_id  INTEGER NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
    image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    PRIMARY KEY (pool_id, image_id)
);

-- No foreign keys here: a non_duplicate row written by duplicate review
-- must outlive the deleted partner so the survivor is never re-queued
-- against it.
CREATE TABLE IF NOT EXISTS image_relations (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    image_id_a INTEGER NOT NULL,
    image_id_b INTEGER NOT NULL,
    relation_type TEXT NOT NULL,
    source     TEXT NOT NULL DEFAULT 'manual',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (image_id_a, image_id_b, relation_type)
);
CREATE INDEX IF NOT EXISTS idx_image_relations_b ON image_relations(image_id_b);

CREATE TABLE IF NOT EXISTS duplicate_pairs (
    image_id_a        INTEGER NOT NULL,
    image_id_b        INTEGER NOT NULL,
    distance          INTEGER NOT NULL,
    threshold_at_scan INTEGER NOT NULL,
    computed_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (image_id_a, image_id_b)
);

CREATE TABLE IF NOT EXISTS duplicate_pair_suggestions (
    image_id_a         INTEGER NOT NULL,
    image_id_b         INTEGER NOT NULL,
    mean_abs_diff      REAL NOT NULL,
    changed_ratio      REAL NOT NULL,
    largest_blob_ratio REAL NOT NULL,
    blob_count         INTEGER NOT NULL,
    peak_blob_contrast REAL NOT NULL,
    mask_mismatch      REAL NOT NULL,
    area_ratio         REAL NOT NULL,
    filesize_ratio     REAL NOT NULL,
    tag_gap_ratio      REAL NOT NULL,
    visual_signal      REAL NOT NULL,
    metadata_adjust    REAL NOT NULL,
    final_signal       REAL NOT NULL,
    computed_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (image_id_a, image_id_b)
);

CREATE TABLE IF NOT EXISTS similar_images_cache (
    source_id  INTEGER NOT NULL,
    similar_id INTEGER NOT NULL,
    score      REAL NOT NULL,
    sim_type   TEXT NOT NULL,
    rank       INTEGER NOT NULL,
    PRIMARY KEY (source_id, sim_type, rank)
);

CREATE TABLE IF NOT EXISTS embeddings (
    image_id INTEGER PRIMARY KEY REFERENCES images(id) ON DELETE CASCADE,
    dim      INTEGER NOT NULL,
    vector   BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS config (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
