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

package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/noetl/noetl-sub001/pkg/errors"
	"github.com/noetl/noetl-sub001/pkg/ident"
	"github.com/noetl/noetl-sub001/pkg/metrics"
)

// MemoryStore 内存事件存储，单进程与测试用
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*Event
	byID      map[int64]*Event
	workloads map[int64]map[string]interface{}
	errLog    []*ErrorEntry
	listeners []Listener
	gen       *ident.Generator
}

// NewMemoryStore 创建内存事件存储
func NewMemoryStore(shardID int64) *MemoryStore {
	if shardID < 0 || shardID > 1023 {
		shardID = 0
	}
	gen, _ := ident.NewGenerator(shardID)
	return &MemoryStore{
		byID:      make(map[int64]*Event),
		workloads: make(map[int64]map[string]interface{}),
		gen:       gen,
	}
}

// Subscribe 注册追加回调
func (s *MemoryStore) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Append 追加事件。标记事件幂等：命中已有记录时丢弃并返回其 event_id。
func (s *MemoryStore) Append(ctx context.Context, e *Event) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	stored, dup, err := s.insert(e)
	if err != nil {
		return 0, err
	}
	metrics.EventAppendTotal.WithLabelValues(string(e.EventType)).Inc()
	if dup {
		metrics.EventAppendDuplicateTotal.Inc()
		return stored.EventID, nil
	}
	s.notify(ctx, stored)
	return stored.EventID, nil
}

func (s *MemoryStore) insert(e *Event) (*Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// catalog_id 推断：payload 缺失时回退到执行首事件
	if e.CatalogID == 0 {
		first := s.firstLocked(e.ExecutionID)
		if first == nil {
			return nil, false, ErrMissingCatalogID
		}
		e.CatalogID = first.CatalogID
	}

	if IsMarker(e.EventType) {
		if existing := s.markerLocked(e.ExecutionID, e.NodeName, e.EventType, e.IterationIndex()); existing != nil {
			return existing, true, nil
		}
	}

	clone := *e
	if clone.EventID == 0 {
		clone.EventID = s.gen.Next()
	}
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now()
	}
	s.events = append(s.events, &clone)
	s.byID[clone.EventID] = &clone
	return &clone, false, nil
}

func (s *MemoryStore) firstLocked(executionID int64) *Event {
	for _, e := range s.events {
		if e.ExecutionID == executionID {
			return e
		}
	}
	return nil
}

func (s *MemoryStore) markerLocked(executionID int64, nodeName string, t Type, iterIndex int) *Event {
	for _, e := range s.events {
		if e.ExecutionID != executionID || e.EventType != t || e.NodeName != nodeName {
			continue
		}
		if t == TypeIterationStarted && e.IterationIndex() != iterIndex {
			continue
		}
		return e
	}
	return nil
}

// notify 同步回调监听者；失败只记日志，不影响追加
func (s *MemoryStore) notify(ctx context.Context, e *Event) {
	s.mu.RLock()
	ls := make([]Listener, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.RUnlock()
	for _, l := range ls {
		if err := l(ctx, e); err != nil {
			slog.Error("事件回调失败", "event_id", e.EventID, "event_type", e.EventType, "err", err)
		}
	}
}

// Get 按 event_id 取事件
func (s *MemoryStore) Get(ctx context.Context, eventID int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[eventID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	clone := *e
	return &clone, nil
}

// ListByExecution 按 execution_id 取事件，event_id 升序
func (s *MemoryStore) ListByExecution(ctx context.Context, executionID int64, f Filter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if e.ExecutionID != executionID {
			continue
		}
		if e.EventID <= f.SinceID {
			continue
		}
		if f.NodeName != "" && e.NodeName != f.NodeName {
			continue
		}
		if len(f.Types) > 0 && !typeIn(e.EventType, f.Types) {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	return out, nil
}

func typeIn(t Type, ts []Type) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

// FirstByType 取最早的指定类型事件
func (s *MemoryStore) FirstByType(ctx context.Context, executionID int64, t Type) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.ExecutionID == executionID && e.EventType == t {
			clone := *e
			return &clone, nil
		}
	}
	return nil, errors.ErrNotFound
}

// Children 取子执行根事件
func (s *MemoryStore) Children(ctx context.Context, parentExecutionID int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if e.ParentExecutionID == parentExecutionID && e.EventType == TypeExecutionStarted {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

// HasTerminal 判定执行是否已终态
func (s *MemoryStore) HasTerminal(ctx context.Context, executionID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.ExecutionID == executionID && IsTerminal(e.EventType) {
			return true, nil
		}
	}
	return false, nil
}

// SetWorkload 保存执行初始参数
func (s *MemoryStore) SetWorkload(ctx context.Context, executionID int64, workload map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workloads[executionID] = workload
	return nil
}

// GetWorkload 读取执行初始参数
func (s *MemoryStore) GetWorkload(ctx context.Context, executionID int64) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workloads[executionID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return w, nil
}

// LogError 写入错误日志
func (s *MemoryStore) LogError(ctx context.Context, entry *ErrorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now()
	}
	s.errLog = append(s.errLog, &clone)
	return nil
}

// Errors 返回错误日志快照（测试与诊断用）
func (s *MemoryStore) Errors() []*ErrorEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ErrorEntry, len(s.errLog))
	copy(out, s.errLog)
	return out
}

// Close 无资源可释放
func (s *MemoryStore) Close() {}
