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

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Defaults for optional settings.
const (
	DefaultListenAddr           = ":8086"
	DefaultImagesPerPage        = 50
	MaxImagesPerPage            = 500
	DefaultPHashBits            = 64
	DefaultScanThreshold        = 10
	DefaultSuggestionLower      = 0.012
	DefaultSuggestionUpper      = 0.04
	DefaultSimilarCacheSize     = 12
	DefaultSessionTimeoutHours  = 4
	DefaultSauceNAOMinScore     = 80.0
	DefaultMinCoOccurrence      = 10
	DefaultMinConfidence        = 0.85
	DefaultAPIBudgetPerSecond   = 4.0
	DefaultEmbeddingDim         = 512
	DefaultHomepageBufferPages  = 5
	DefaultDebounceQuietSeconds = 2
)

// KnownSources is the set of provider names accepted in the priority list.
var KnownSources = []string{
	"danbooru", "e621", "gelbooru", "yandere", "pixiv", "local_tagger",
}

// Options carries all runtime configuration. Fields map 1:1 onto the YAML
// config file; a handful can be overridden through the environment.
type Options struct {
	// Directories.
	ImageDirectory   string `yaml:"image_directory"`
	IngestDirectory  string `yaml:"ingest_directory"`
	ThumbDirectory   string `yaml:"thumb_directory"`
	UpscaledDir      string `yaml:"upscaled_directory"`
	DatabasePath     string `yaml:"database_path"`
	CalibrationLog   string `yaml:"calibration_log"`

	// Serving.
	ListenAddr          string `yaml:"listen_addr"`
	SharedSecret        string `yaml:"shared_secret"`
	Password            string `yaml:"password"`
	SessionTimeoutHours int    `yaml:"session_timeout_hours"`
	ImagesPerPage       int    `yaml:"images_per_page"`

	// Sources.
	BooruPriority          []string `yaml:"booru_priority"`
	UseMergedSources       bool     `yaml:"use_merged_sources_by_default"`
	SauceNAOKey            string   `yaml:"saucenao_api_key"`
	SauceNAOMinSimilarity  float64  `yaml:"saucenao_min_similarity"`
	LocalTaggerEndpoint    string   `yaml:"local_tagger_endpoint"`
	APIBudgetPerSecond     float64  `yaml:"api_budget_per_second"`

	// Pipeline.
	MaxWorkers int `yaml:"max_workers"`

	// Similarity.
	PHashBits          int     `yaml:"phash_bits"`
	ScanThreshold      int     `yaml:"scan_threshold"`
	SuggestionLower    float64 `yaml:"suggestion_lower"`
	SuggestionUpper    float64 `yaml:"suggestion_upper"`
	SimilarCacheSize   int     `yaml:"similar_cache_size"`
	SemanticEndpoint   string  `yaml:"semantic_endpoint"`
	EmbeddingDim       int     `yaml:"embedding_dim"`

	// Implications.
	MinCoOccurrence int     `yaml:"implication_min_co_occurrence"`
	MinConfidence   float64 `yaml:"implication_min_confidence"`

	LogLevel string `yaml:"log_level"`
}

// Default returns an Options populated with defaults. Directory fields are
// intentionally empty; Validate refuses to run without them.
func Default() *Options {
	workers := runtime.NumCPU() - 1
	if workers < 1 {
		workers = 1
	}
	return &Options{
		ListenAddr:            DefaultListenAddr,
		SessionTimeoutHours:   DefaultSessionTimeoutHours,
		ImagesPerPage:         DefaultImagesPerPage,
		BooruPriority:         []string{"danbooru", "e621", "gelbooru", "yandere"},
		SauceNAOMinSimilarity: DefaultSauceNAOMinScore,
		APIBudgetPerSecond:    DefaultAPIBudgetPerSecond,
		MaxWorkers:            workers,
		PHashBits:             DefaultPHashBits,
		ScanThreshold:         DefaultScanThreshold,
		SuggestionLower:       DefaultSuggestionLower,
		SuggestionUpper:       DefaultSuggestionUpper,
		SimilarCacheSize:      DefaultSimilarCacheSize,
		EmbeddingDim:          DefaultEmbeddingDim,
		MinCoOccurrence:       DefaultMinCoOccurrence,
		MinConfidence:         DefaultMinConfidence,
		LogLevel:              "info",
	}
}

// Load resolves options from an optional YAML file plus environment
// overrides. An empty path means defaults and environment only.
func Load(path string) (*Options, error) {
	if path == "" {
		o := Default()
		o.applyEnv()
		return o, nil
	}
	return FromFile(path)
}

// FromFile loads options from a YAML file on top of the defaults.
func FromFile(path string) (*Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	o := Default()
	if err := yaml.UnmarshalStrict(raw, o); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	o.applyEnv()
	return o, nil
}

// applyEnv layers environment overrides over the file values. Only the
// settings an operator plausibly flips per-run are exposed this way.
func (o *Options) applyEnv() {
	if v := os.Getenv("HOARD_IMAGE_DIRECTORY"); v != "" {
		o.ImageDirectory = v
	}
	if v := os.Getenv("HOARD_INGEST_DIRECTORY"); v != "" {
		o.IngestDirectory = v
	}
	if v := os.Getenv("HOARD_DATABASE_PATH"); v != "" {
		o.DatabasePath = v
	}
	if v := os.Getenv("HOARD_BOORU_PRIORITY"); v != "" {
		o.BooruPriority = strings.Split(v, ",")
	}
	if v := os.Getenv("HOARD_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			o.MaxWorkers = n
		}
	}
	if v := os.Getenv("HOARD_SHARED_SECRET"); v != "" {
		o.SharedSecret = v
	}
	if v := os.Getenv("HOARD_PASSWORD"); v != "" {
		o.Password = v
	}
}

// Validate checks the options for internal consistency.
func (o *Options) Validate() error {
	if o.ImageDirectory == "" {
		return errors.New("image_directory must be set")
	}
	if o.IngestDirectory == "" {
		return errors.New("ingest_directory must be set")
	}
	if o.DatabasePath == "" {
		return errors.New("database_path must be set")
	}
	// Only the 64-bit hash is supported; the config knob exists so that a
	// stored value of 256 from older deployments fails loudly instead of
	// producing incomparable hashes.
	if o.PHashBits != DefaultPHashBits {
		return errors.Errorf("phash_bits must be %d, got %d", DefaultPHashBits, o.PHashBits)
	}
	if o.ImagesPerPage <= 0 || o.ImagesPerPage > MaxImagesPerPage {
		return errors.Errorf("images_per_page must be in [1,%d]", MaxImagesPerPage)
	}
	known := map[string]bool{}
	for _, s := range KnownSources {
		known[s] = true
	}
	for _, s := range o.BooruPriority {
		if !known[s] {
			return errors.Errorf("unknown source %q in booru_priority", s)
		}
	}
	if o.SuggestionLower >= o.SuggestionUpper {
		return errors.Errorf(
			"suggestion_lower (%v) must be below suggestion_upper (%v)",
			o.SuggestionLower, o.SuggestionUpper,
		)
	}
	return nil
}

// PriorityHash returns a stable hash of the priority list plus the merged
// default flag. The priority monitor compares it against the stored value to
// decide whether a rebuild is due.
func (o *Options) PriorityHash() string {
	h := sha256.New()
	h.Write([]byte(strings.Join(o.BooruPriority, ",")))
	if o.UseMergedSources {
		h.Write([]byte("+merged"))
	}
	return hex.EncodeToString(h.Sum(nil))
}
