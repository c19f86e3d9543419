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

// Package catalog is the relational persistence layer. Every mutation of
// images, tags, relations, journals and caches funnels through the Store so
// that invariants (unique MD5/filepath, ordered relation pairs, coherent
// denormalized columns) are enforced in one place.
package catalog

import (
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors surfaced by the store.
var (
	ErrNotFound  = errors.New("catalog: not found")
	ErrDuplicate = errors.New("catalog: duplicate")
	ErrCycle     = errors.New("catalog: relation would create a cycle")
)

// Category is the base tag category.
type Category string

// Base categories. Rating is reserved for rating:* tags.
const (
	CategoryCharacter Category = "character"
	CategoryCopyright Category = "copyright"
	CategoryArtist    Category = "artist"
	CategorySpecies   Category = "species"
	CategoryMeta      Category = "meta"
	CategoryGeneral   Category = "general"
	CategoryRating    Category = "rating"
)

// Categories lists the six editable categories in merge-priority order:
// when two sources disagree about a tag's category the earlier one wins.
var Categories = []Category{
	CategoryCharacter,
	CategorySpecies,
	CategoryCopyright,
	CategoryArtist,
	CategoryMeta,
	CategoryGeneral,
}

// ValidCategory reports whether c is an editable base category.
func ValidCategory(c Category) bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// Origin records how an image<->tag tuple came to exist.
type Origin string

const (
	OriginOriginal    Origin = "original"
	OriginImplication Origin = "implication"
	OriginAI          Origin = "ai_inference"
)

// Ratings.
const (
	RatingGeneral      = "general"
	RatingSensitive    = "sensitive"
	RatingQuestionable = "questionable"
	RatingExplicit     = "explicit"
	RatingUnknown      = "unknown"
)

// RatingOrigin is the trust ladder: booru-sourced ratings are authoritative,
// AI-sourced ones are flagged so the UI can display them differently. This
// is the only place the distinction is computed.
func RatingOrigin(activeSource string) Origin {
	switch activeSource {
	case "danbooru", "e621":
		return OriginOriginal
	default:
		return OriginAI
	}
}

// MergedSource is the synthetic active source used when tags from several
// boorus are unioned.
const MergedSource = "merged"

// Relation types and sources.
const (
	RelNonDuplicate = "non_duplicate"
	RelParentChild  = "parent_child"
	RelSibling      = "sibling"

	RelSourceManual          = "manual"
	RelSourceIngested        = "ingested"
	RelSourceDuplicateReview = "duplicate_review"
)

// Delta operations.
const (
	DeltaAdd    = "add"
	DeltaRemove = "remove"
)

// Implication inference types and statuses.
const (
	InferenceNamingPattern = "naming_pattern"
	InferenceCorrelation   = "correlation"
	InferenceManual        = "manual"

	ImplicationActive = "active"
)

// CategorizedTags maps the six editable categories to tag name lists.
type CategorizedTags map[Category][]string

// Names returns every tag name across all categories.
func (c CategorizedTags) Names() []string {
	var out []string
	for _, cat := range Categories {
		out = append(out, c[cat]...)
	}
	return out
}

// Count returns the total number of tags.
func (c CategorizedTags) Count() int {
	n := 0
	for _, names := range c {
		n += len(names)
	}
	return n
}

// Image is one archived artifact.
type Image struct {
	ID           int64
	MD5          string
	Filepath     string
	Width        int
	Height       int
	FileSize     int64
	CreatedAt    time.Time
	ActiveSource string
	Tags         CategorizedTags
	PostID       string
	ParentPostID string
	HasChildren  bool
	PHash        string
	ColorHash    string
	Rating       string
	Score        int64
}

// Tag is one catalog tag.
type Tag struct {
	ID               int64
	Name             string
	Category         Category
	ExtendedCategory string
	UsageCount       int64
}

// ImageTag is one normalized image<->tag tuple.
type ImageTag struct {
	ImageID int64
	TagID   int64
	Origin  Origin
}

// Delta is one journal entry.
type Delta struct {
	ID        int64
	MD5       string
	TagName   string
	Category  Category
	Op        string
	CreatedAt time.Time
}

// ImplicationRule is a directed source->implied tag edge.
type ImplicationRule struct {
	ID            int64
	SourceTag     string
	ImpliedTag    string
	InferenceType string
	Confidence    float64
	Status        string
	CreatedAt     time.Time
}

// Relation is one image<->image relation row.
type Relation struct {
	ID        int64
	ImageA    int64
	ImageB    int64
	Type      string
	Source    string
	CreatedAt time.Time
}

// Pool is an ordered sequence of images.
type Pool struct {
	ID          int64
	Name        string
	Description string
	ImageCount  int
}

// DuplicatePair is one cached near-duplicate candidate, ImageA < ImageB.
type DuplicatePair struct {
	ImageA          int64
	ImageB          int64
	Distance        int
	ThresholdAtScan int
	ComputedAt      time.Time
}

// PairSuggestion carries the cached diff metrics for one pair.
type PairSuggestion struct {
	ImageA           int64
	ImageB           int64
	MeanAbsDiff      float64
	ChangedRatio     float64
	LargestBlobRatio float64
	BlobCount        int
	PeakBlobContrast float64
	MaskMismatch     float64
	AreaRatio        float64
	FilesizeRatio    float64
	TagGapRatio      float64
	VisualSignal     float64
	MetadataAdjust   float64
	FinalSignal      float64
	ComputedAt       time.Time
}

// Similarity cache types.
const (
	SimVisual   = "visual"
	SimSemantic = "semantic"
	SimTag      = "tag"
	SimBlended  = "blended"
)

// SimilarEntry is one cached top-N similars row.
type SimilarEntry struct {
	SourceID  int64
	SimilarID int64
	Score     float64
	Type      string
	Rank      int
}

// OrderedPair returns (min,max) for non-directional relation storage.
func OrderedPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}
