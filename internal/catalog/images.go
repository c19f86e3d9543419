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
)

const imageColumns = `id, md5, filepath, width, height, file_size, created_at,
	active_source, tags_character, tags_copyright, tags_artist, tags_species,
	tags_meta, tags_general, post_id, parent_post_id, has_children, phash,
	colorhash, rating, score`

func scanImage(row interface{ Scan(...any) error }) (*Image, error) {
	var img Image
	var hasChildren int
	img.Tags = CategorizedTags{}
	var ch, co, ar, sp, me, ge string
	err := row.Scan(
		&img.ID, &img.MD5, &img.Filepath, &img.Width, &img.Height,
		&img.FileSize, &img.CreatedAt, &img.ActiveSource,
		&ch, &co, &ar, &sp, &me, &ge,
		&img.PostID, &img.ParentPostID, &hasChildren,
		&img.PHash, &img.ColorHash, &img.Rating, &img.Score,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "scanning image row")
	}
	img.HasChildren = hasChildren != 0
	img.Tags[CategoryCharacter] = splitTags(ch)
	img.Tags[CategoryCopyright] = splitTags(co)
	img.Tags[CategoryArtist] = splitTags(ar)
	img.Tags[CategorySpecies] = splitTags(sp)
	img.Tags[CategoryMeta] = splitTags(me)
	img.Tags[CategoryGeneral] = splitTags(ge)
	return &img, nil
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func joinTags(names []string) string {
	return strings.Join(names, " ")
}

// InsertImageTx inserts the image row and sets img.ID. Unique violations on
// MD5 or filepath surface as ErrDuplicate.
func InsertImageTx(ctx context.Context, tx *sql.Tx, img *Image) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO images (
			md5, filepath, width, height, file_size, active_source,
			tags_character, tags_copyright, tags_artist, tags_species,
			tags_meta, tags_general, post_id, parent_post_id, has_children,
			phash, colorhash, rating, score
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		img.MD5, img.Filepath, img.Width, img.Height, img.FileSize,
		img.ActiveSource,
		joinTags(img.Tags[CategoryCharacter]), joinTags(img.Tags[CategoryCopyright]),
		joinTags(img.Tags[CategoryArtist]), joinTags(img.Tags[CategorySpecies]),
		joinTags(img.Tags[CategoryMeta]), joinTags(img.Tags[CategoryGeneral]),
		img.PostID, img.ParentPostID, boolToInt(img.HasChildren),
		img.PHash, img.ColorHash, img.Rating, img.Score,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "inserting image")
	}
	img.ID, err = res.LastInsertId()
	return errors.Wrap(err, "reading inserted image id")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) imageWhere(ctx context.Context, clause string, arg any) (*Image, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+imageColumns+" FROM images WHERE "+clause, arg)
	return scanImage(row)
}

// ImageByMD5 fetches an image by its MD5.
func (s *Store) ImageByMD5(ctx context.Context, md5 string) (*Image, error) {
	return s.imageWhere(ctx, "md5 = ?", strings.ToLower(md5))
}

// ImageByPath fetches an image by its relative filepath.
func (s *Store) ImageByPath(ctx context.Context, filepath string) (*Image, error) {
	return s.imageWhere(ctx, "filepath = ?", filepath)
}

// ImageByID fetches an image by id.
func (s *Store) ImageByID(ctx context.Context, id int64) (*Image, error) {
	return s.imageWhere(ctx, "id = ?", id)
}

// MD5Exists reports whether an image with the MD5 is already cataloged.
func (s *Store) MD5Exists(ctx context.Context, md5 string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM images WHERE md5 = ?", strings.ToLower(md5)).Scan(&n)
	return n > 0, errors.Wrap(err, "checking md5 existence")
}

// AllImages streams every image row ordered by id.
func (s *Store) AllImages(ctx context.Context) ([]*Image, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+imageColumns+" FROM images ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "listing images")
	}
	defer rows.Close()
	var out []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// ImageCount returns the number of cataloged images.
func (s *Store) ImageCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM images").Scan(&n)
	return n, errors.Wrap(err, "counting images")
}

// DeleteImageTx removes the image row. Dependent rows (tags, sources, raw
// metadata, embeddings, pools) go with it via ON DELETE CASCADE; duplicate
// pairs, similarity cache rows, and relations are cleaned explicitly.
// non_duplicate relations are kept as review tombstones.
func DeleteImageTx(ctx context.Context, tx *sql.Tx, id int64) error {
	for _, q := range []string{
		"DELETE FROM duplicate_pairs WHERE image_id_a = ? OR image_id_b = ?",
		"DELETE FROM duplicate_pair_suggestions WHERE image_id_a = ? OR image_id_b = ?",
		"DELETE FROM similar_images_cache WHERE source_id = ? OR similar_id = ?",
		"DELETE FROM image_relations WHERE relation_type != 'non_duplicate' AND (image_id_a = ? OR image_id_b = ?)",
	} {
		if _, err := tx.ExecContext(ctx, q, id, id); err != nil {
			return errors.Wrap(err, "cleaning caches for deleted image")
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM images WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "deleting image")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetHashesTx persists the perceptual and color hashes.
func SetHashesTx(ctx context.Context, tx *sql.Tx, id int64, phash, colorhash string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE images SET phash = ?, colorhash = ? WHERE id = ?",
		strings.ToLower(phash), strings.ToLower(colorhash), id)
	return errors.Wrap(err, "storing hashes")
}

// SetActiveSourceTx updates the active source plus the booru linkage fields.
func SetActiveSourceTx(ctx context.Context, tx *sql.Tx, id int64, source, postID, parentPostID string, hasChildren bool) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE images SET active_source = ?, post_id = ?, parent_post_id = ?,
			has_children = ? WHERE id = ?`,
		source, postID, parentPostID, boolToInt(hasChildren), id)
	return errors.Wrap(err, "updating active source")
}

// SetRatingTx updates the denormalized rating column.
func SetRatingTx(ctx context.Context, tx *sql.Tx, id int64, rating string) error {
	_, err := tx.ExecContext(ctx, "UPDATE images SET rating = ? WHERE id = ?", rating, id)
	return errors.Wrap(err, "updating rating")
}

// RebuildDenormalizedTx rewrites the six category columns of one image from
// the normalized relation, restoring the coherence invariant.
func RebuildDenormalizedTx(ctx context.Context, tx *sql.Tx, imageID int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT t.name, t.category FROM image_tags it
		JOIN tags t ON t.id = it.tag_id
		WHERE it.image_id = ? ORDER BY t.name`, imageID)
	if err != nil {
		return errors.Wrap(err, "reading image tags for denormalization")
	}
	byCat := CategorizedTags{}
	for rows.Next() {
		var name string
		var cat Category
		if err := rows.Scan(&name, &cat); err != nil {
			rows.Close()
			return errors.Wrap(err, "scanning tag row")
		}
		if ValidCategory(cat) {
			byCat[cat] = append(byCat[cat], name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE images SET tags_character = ?, tags_copyright = ?,
			tags_artist = ?, tags_species = ?, tags_meta = ?, tags_general = ?
		WHERE id = ?`,
		joinTags(byCat[CategoryCharacter]), joinTags(byCat[CategoryCopyright]),
		joinTags(byCat[CategoryArtist]), joinTags(byCat[CategorySpecies]),
		joinTags(byCat[CategoryMeta]), joinTags(byCat[CategoryGeneral]),
		imageID)
	return errors.Wrap(err, "writing denormalized tag columns")
}

// PHashEntry pairs an image id with its stored perceptual hash.
type PHashEntry struct {
	ID    int64
	PHash string
}

// AllPHashes returns every non-empty stored pHash ordered by image id.
func (s *Store) AllPHashes(ctx context.Context) ([]PHashEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, phash FROM images WHERE phash != '' ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "listing phashes")
	}
	defer rows.Close()
	var out []PHashEntry
	for rows.Next() {
		var e PHashEntry
		if err := rows.Scan(&e.ID, &e.PHash); err != nil {
			return nil, errors.Wrap(err, "scanning phash row")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BrokenImage describes one image failing an integrity check.
type BrokenImage struct {
	ID       int64  `json:"id"`
	Filepath string `json:"filepath"`
	Issue    string `json:"issue"`
}

// Broken-image issue identifiers.
const (
	IssueMissingPHash        = "missing_phash"
	IssueMissingEmbedding    = "missing_embedding"
	IssueInvalidEmbeddingDim = "invalid_embedding_dim"
)

// BrokenImages reports images with missing hashes, missing embeddings, or
// embeddings whose dimension differs from the configured one.
func (s *Store) BrokenImages(ctx context.Context, wantDim int) ([]BrokenImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.filepath, i.phash, e.dim
		FROM images i LEFT JOIN embeddings e ON e.image_id = i.id
		ORDER BY i.id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing images for integrity check")
	}
	defer rows.Close()
	var out []BrokenImage
	for rows.Next() {
		var id int64
		var fp, phash string
		var dim sql.NullInt64
		if err := rows.Scan(&id, &fp, &phash, &dim); err != nil {
			return nil, errors.Wrap(err, "scanning integrity row")
		}
		switch {
		case phash == "":
			out = append(out, BrokenImage{ID: id, Filepath: fp, Issue: IssueMissingPHash})
		case !dim.Valid:
			out = append(out, BrokenImage{ID: id, Filepath: fp, Issue: IssueMissingEmbedding})
		case int(dim.Int64) != wantDim:
			out = append(out, BrokenImage{ID: id, Filepath: fp, Issue: IssueInvalidEmbeddingDim})
		}
	}
	return out, rows.Err()
}
