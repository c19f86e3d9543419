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

// Package cachemgr keeps the hot in-memory views over the catalog: tag
// id<->name maps, compact per-image tag arrays, the postid->md5 map, and
// tag usage counts. Readers take an RLock; invalidation builds fresh maps
// off-lock and swaps them in.
package cachemgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hoardapp/hoard/internal/catalog"
)

// tagInfo is the per-tag slice of the cache.
type tagInfo struct {
	name     string
	category catalog.Category
	extended string
	usage    int64
}

// Manager is safe for concurrent use.
type Manager struct {
	store *catalog.Store

	mu          sync.RWMutex
	tagIDByName map[string]int32
	tags        map[int32]tagInfo
	imageTags   map[int64][]int32
	imagesByTag map[int32][]int64
	postToMD5   map[string]map[string]string

	flushHooks []func()
}

// New returns an empty manager; call InvalidateAll to load it.
func New(store *catalog.Store) *Manager {
	return &Manager{store: store}
}

// OnFlush registers a hook invoked after every invalidation. The homepage
// page buffer registers here.
func (m *Manager) OnFlush(fn func()) {
	m.mu.Lock()
	m.flushHooks = append(m.flushHooks, fn)
	m.mu.Unlock()
}

// InvalidateAll reloads every cached view from the catalog and swaps the
// new maps in atomically.
func (m *Manager) InvalidateAll(ctx context.Context) error {
	start := time.Now()

	tags, err := m.store.AllTags(ctx)
	if err != nil {
		return errors.Wrap(err, "loading tags for cache")
	}
	pairs, err := m.store.AllImageTagPairs(ctx)
	if err != nil {
		return errors.Wrap(err, "loading image tag pairs for cache")
	}
	postMap, err := m.store.PostIDMap(ctx)
	if err != nil {
		return errors.Wrap(err, "loading post id map for cache")
	}

	tagIDByName := make(map[string]int32, len(tags))
	infos := make(map[int32]tagInfo, len(tags))
	for _, t := range tags {
		id := int32(t.ID)
		tagIDByName[t.Name] = id
		infos[id] = tagInfo{
			name:     t.Name,
			category: t.Category,
			extended: t.ExtendedCategory,
			usage:    t.UsageCount,
		}
	}

	imageTags := make(map[int64][]int32, len(pairs))
	imagesByTag := map[int32][]int64{}
	for imageID, tagIDs := range pairs {
		arr := make([]int32, len(tagIDs))
		for i, id := range tagIDs {
			arr[i] = int32(id)
			imagesByTag[int32(id)] = append(imagesByTag[int32(id)], imageID)
		}
		imageTags[imageID] = arr
	}

	m.mu.Lock()
	m.tagIDByName = tagIDByName
	m.tags = infos
	m.imageTags = imageTags
	m.imagesByTag = imagesByTag
	m.postToMD5 = postMap
	hooks := append([]func(){}, m.flushHooks...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	logrus.WithFields(logrus.Fields{
		"tags":   len(infos),
		"images": len(imageTags),
		"took":   time.Since(start).Round(time.Millisecond),
	}).Info("cache reloaded")
	return nil
}

// InvalidateImage reloads one image's tag array in place. New tags that the
// cache has never seen force a full reload instead.
func (m *Manager) InvalidateImage(ctx context.Context, imageID int64) error {
	tagIDs, err := m.store.TagIDsForImage(ctx, imageID)
	if err != nil {
		return errors.Wrap(err, "reloading image tags for cache")
	}

	m.mu.Lock()
	if m.tags == nil {
		m.mu.Unlock()
		return m.InvalidateAll(ctx)
	}
	for _, id := range tagIDs {
		if _, known := m.tags[int32(id)]; !known {
			m.mu.Unlock()
			return m.InvalidateAll(ctx)
		}
	}

	old := m.imageTags[imageID]
	for _, id := range old {
		m.imagesByTag[id] = removeID(m.imagesByTag[id], imageID)
	}
	arr := make([]int32, len(tagIDs))
	for i, id := range tagIDs {
		arr[i] = int32(id)
		m.imagesByTag[int32(id)] = append(m.imagesByTag[int32(id)], imageID)
	}
	if len(arr) == 0 {
		delete(m.imageTags, imageID)
	} else {
		m.imageTags[imageID] = arr
	}
	hooks := append([]func(){}, m.flushHooks...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// RemoveImage drops a deleted image from every cached view.
func (m *Manager) RemoveImage(imageID int64) {
	m.mu.Lock()
	for _, id := range m.imageTags[imageID] {
		m.imagesByTag[id] = removeID(m.imagesByTag[id], imageID)
	}
	delete(m.imageTags, imageID)
	hooks := append([]func(){}, m.flushHooks...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func removeID(ids []int64, id int64) []int64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// TagID resolves a tag name.
func (m *Manager) TagID(name string) (int32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tagIDByName[name]
	return id, ok
}

// TagName resolves a tag id.
func (m *Manager) TagName(id int32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.tags[id]
	return info.name, ok
}

// TagCategory returns the base and extended category of a tag.
func (m *Manager) TagCategory(id int32) (catalog.Category, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.tags[id]
	return info.category, info.extended, ok
}

// Usage returns the cached usage count of a tag.
func (m *Manager) Usage(id int32) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tags[id].usage
}

// ImageTagIDs returns the tag array of one image. The slice is a copy.
func (m *Manager) ImageTagIDs(imageID int64) []int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int32(nil), m.imageTags[imageID]...)
}

// ImagesWithTag returns the ids of images carrying a tag. The slice is a
// copy, sorted for deterministic iteration.
func (m *Manager) ImagesWithTag(id int32) []int64 {
	m.mu.RLock()
	out := append([]int64(nil), m.imagesByTag[id]...)
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ImageIDs returns every image id with at least one cached tag.
func (m *Manager) ImageIDs() []int64 {
	m.mu.RLock()
	out := make([]int64, 0, len(m.imageTags))
	for id := range m.imageTags {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MD5ForPost resolves (source, post id) to an MD5, if any catalog image
// came from that post.
func (m *Manager) MD5ForPost(source, postID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byPost, ok := m.postToMD5[source]
	if !ok {
		return "", false
	}
	md5, ok := byPost[postID]
	return md5, ok
}
