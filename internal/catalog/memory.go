// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/noetl/noetl-sub001/pkg/errors"
	"github.com/noetl/noetl-sub001/pkg/ident"
)

// MemoryStore 内存目录存储，单进程与测试用
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[int64]*Entry
	byPath  map[string]map[string]int64 // path -> version -> catalog_id
	gen     *ident.Generator
}

// NewMemoryStore 创建内存目录存储
func NewMemoryStore(shardID int64) *MemoryStore {
	if shardID < 0 || shardID > 1023 {
		shardID = 0
	}
	gen, _ := ident.NewGenerator(shardID)
	return &MemoryStore{
		byID:   make(map[int64]*Entry),
		byPath: make(map[string]map[string]int64),
		gen:    gen,
	}
}

// Register 注册剧本；版本冲突返回 ErrConflict
func (s *MemoryStore) Register(ctx context.Context, path, version, content string) (int64, error) {
	if path == "" || version == "" {
		return 0, errors.ErrInvalidArg
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.byPath[path]
	if !ok {
		versions = make(map[string]int64)
		s.byPath[path] = versions
	}
	if _, exists := versions[version]; exists {
		return 0, errors.Wrapf(errors.ErrConflict, "剧本 %s 版本 %s 已注册", path, version)
	}
	e := &Entry{
		CatalogID: s.gen.Next(),
		Path:      path,
		Version:   version,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.byID[e.CatalogID] = e
	versions[version] = e.CatalogID
	return e.CatalogID, nil
}

// Get 按 catalog_id 取条目
func (s *MemoryStore) Get(ctx context.Context, catalogID int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[catalogID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	clone := *e
	return &clone, nil
}

// GetByPath 按 (path, version) 取条目
func (s *MemoryStore) GetByPath(ctx context.Context, path, version string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.byPath[path]
	if !ok {
		return nil, errors.ErrNotFound
	}
	id, ok := versions[version]
	if !ok {
		return nil, errors.ErrNotFound
	}
	clone := *s.byID[id]
	return &clone, nil
}

// GetLatest 取最高版本
func (s *MemoryStore) GetLatest(ctx context.Context, path string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.byPath[path]
	if !ok || len(versions) == 0 {
		return nil, errors.ErrNotFound
	}
	var best string
	for v := range versions {
		if best == "" || compareVersion(v, best) > 0 {
			best = v
		}
	}
	clone := *s.byID[versions[best]]
	return &clone, nil
}

// List 列出每 path 的最新版本
func (s *MemoryStore) List(ctx context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for path := range s.byPath {
		versions := s.byPath[path]
		var best string
		for v := range versions {
			if best == "" || compareVersion(v, best) > 0 {
				best = v
			}
		}
		clone := *s.byID[versions[best]]
		out = append(out, &clone)
	}
	return out, nil
}

// Close 无资源可释放
func (s *MemoryStore) Close() {}
