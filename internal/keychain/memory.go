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

package keychain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noetl/noetl-sub001/pkg/errors"
)

// MemoryStore 内存凭据存储，单进程与测试用
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore 创建内存凭据存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func entryKey(catalogID int64, name string, executionID int64) string {
	return fmt.Sprintf("%d:%s:%d", catalogID, name, executionID)
}

func keyFor(e *Entry) string {
	execID := int64(0)
	if e.Scope == ScopeLocal || e.Scope == ScopeShared {
		execID = e.ExecutionID
	}
	return entryKey(e.CatalogID, e.Name, execID)
}

// Put 写入或覆盖条目
func (s *MemoryStore) Put(ctx context.Context, e *Entry) error {
	if !ValidScope(e.Scope) {
		return errors.Wrapf(errors.ErrInvalidArg, "非法 scope: %s", e.Scope)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *e
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.entries[keyFor(&clone)] = &clone
	return nil
}

// Get 按键取条目；global 条目忽略 executionID
func (s *MemoryStore) Get(ctx context.Context, catalogID int64, name string, executionID int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[entryKey(catalogID, name, executionID)]; ok {
		clone := *e
		return &clone, nil
	}
	if e, ok := s.entries[entryKey(catalogID, name, 0)]; ok {
		clone := *e
		return &clone, nil
	}
	return nil, errors.ErrNotFound
}

// Delete 删除条目
func (s *MemoryStore) Delete(ctx context.Context, catalogID int64, name string, executionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey(catalogID, name, executionID)
	if _, ok := s.entries[key]; !ok {
		return errors.ErrNotFound
	}
	delete(s.entries, key)
	return nil
}

// DeleteByCatalog 清理目录下全部凭据
func (s *MemoryStore) DeleteByCatalog(ctx context.Context, catalogID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.CatalogID == catalogID {
			delete(s.entries, k)
		}
	}
	return nil
}

// Close 无资源可释放
func (s *MemoryStore) Close() {}
