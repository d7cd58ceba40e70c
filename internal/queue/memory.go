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

package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/noetl/noetl-sub001/pkg/errors"
	"github.com/noetl/noetl-sub001/pkg/ident"
	"github.com/noetl/noetl-sub001/pkg/metrics"
)

// MemoryQueue 内存队列，单进程与测试用
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[int64]*Entry
	byNode  map[string]int64 // "execID:nodeID" -> queue_id
	gen     *ident.Generator
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(shardID int64) *MemoryQueue {
	if shardID < 0 || shardID > 1023 {
		shardID = 0
	}
	gen, _ := ident.NewGenerator(shardID)
	return &MemoryQueue{
		entries: make(map[int64]*Entry),
		byNode:  make(map[string]int64),
		gen:     gen,
	}
}

func nodeKey(executionID int64, nodeID string) string {
	return NodeID(executionID, nodeID)
}

// Enqueue 入队；(execution_id, node_id) 冲突返回已有 queue_id
func (q *MemoryQueue) Enqueue(ctx context.Context, e *Entry) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := nodeKey(e.ExecutionID, e.NodeID)
	if existing, ok := q.byNode[key]; ok {
		return existing, nil
	}

	clone := *e
	if clone.QueueID == 0 {
		clone.QueueID = q.gen.Next()
	}
	if clone.Status == "" {
		clone.Status = StatusQueued
	}
	if clone.AvailableAt.IsZero() {
		clone.AvailableAt = time.Now()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	if clone.MaxAttempts == 0 {
		clone.MaxAttempts = 1
	}
	if clone.Kind == "" && clone.Action != nil {
		if k, ok := clone.Action["kind"].(string); ok {
			clone.Kind = k
		}
	}
	q.entries[clone.QueueID] = &clone
	q.byNode[key] = clone.QueueID
	return clone.QueueID, nil
}

// Lease 领取最旧可用条目；无可用返回 (nil, nil)
func (q *MemoryQueue) Lease(ctx context.Context, workerID string, leaseFor time.Duration, f LeaseFilter) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var candidates []*Entry
	for _, e := range q.entries {
		if e.Status != StatusQueued || e.AvailableAt.After(now) {
			continue
		}
		if len(f.Kinds) > 0 && !kindIn(e.Kind, f.Kinds) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		metrics.QueueLeaseTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	e := candidates[0]
	e.Status = StatusLeased
	e.WorkerID = workerID
	e.Attempts++
	e.LeaseUntil = now.Add(leaseFor)
	e.LastHeartbeat = now
	metrics.QueueLeaseTotal.WithLabelValues("acquired").Inc()
	clone := *e
	return &clone, nil
}

func kindIn(kind string, kinds []string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Heartbeat 续约
func (q *MemoryQueue) Heartbeat(ctx context.Context, queueID int64, workerID string, extend time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[queueID]
	if !ok {
		return errors.ErrNotFound
	}
	if e.Status != StatusLeased || e.WorkerID != workerID {
		return ErrLeaseStolen
	}
	e.LastHeartbeat = time.Now()
	if extend > 0 {
		e.LeaseUntil = time.Now().Add(extend)
	}
	return nil
}

// Complete 完成条目
func (q *MemoryQueue) Complete(ctx context.Context, queueID int64, workerID string, result map[string]interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[queueID]
	if !ok {
		return errors.ErrNotFound
	}
	if e.Status != StatusLeased || e.WorkerID != workerID {
		return ErrLeaseStolen
	}
	e.Status = StatusDone
	e.Result = result
	return nil
}

// Fail 失败；允许重试且未达上限时重新排队，否则 dead
func (q *MemoryQueue) Fail(ctx context.Context, queueID int64, workerID string, errMsg string, retryAllowed bool, availableAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[queueID]
	if !ok {
		return errors.ErrNotFound
	}
	if e.Status != StatusLeased || e.WorkerID != workerID {
		return ErrLeaseStolen
	}
	e.Error = errMsg
	e.WorkerID = ""
	e.LeaseUntil = time.Time{}
	if retryAllowed && e.Attempts < e.MaxAttempts {
		e.Status = StatusQueued
		if availableAt.IsZero() {
			availableAt = time.Now()
		}
		e.AvailableAt = availableAt
		return nil
	}
	e.Status = StatusDead
	return nil
}

// Requeue 编排侧重投：重置为 queued 并清空租约，可选改写上下文
func (q *MemoryQueue) Requeue(ctx context.Context, queueID int64, availableAt time.Time, patch *Patch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[queueID]
	if !ok {
		return errors.ErrNotFound
	}
	e.Status = StatusQueued
	e.WorkerID = ""
	e.LeaseUntil = time.Time{}
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	e.AvailableAt = availableAt
	if patch != nil {
		if patch.Action != nil {
			e.Action = patch.Action
		}
		if patch.Context != nil {
			e.Context = patch.Context
		}
		if patch.Meta != nil {
			e.Meta = patch.Meta
		}
	}
	return nil
}

// Bury 强制标记条目为 dead
func (q *MemoryQueue) Bury(ctx context.Context, queueID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[queueID]
	if !ok {
		return errors.ErrNotFound
	}
	e.Status = StatusDead
	e.WorkerID = ""
	e.LeaseUntil = time.Time{}
	return nil
}

// CancelByExecution 将执行的未完成条目全部标记为 dead
func (q *MemoryQueue) CancelByExecution(ctx context.Context, executionID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if e.ExecutionID == executionID && (e.Status == StatusQueued || e.Status == StatusLeased) {
			e.Status = StatusDead
			e.WorkerID = ""
			e.LeaseUntil = time.Time{}
			n++
		}
	}
	return n, nil
}

// Get 按 queue_id 取条目
func (q *MemoryQueue) Get(ctx context.Context, queueID int64) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[queueID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	clone := *e
	return &clone, nil
}

// GetByNode 按 (execution_id, node_id) 取条目
func (q *MemoryQueue) GetByNode(ctx context.Context, executionID int64, nodeID string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.byNode[nodeKey(executionID, nodeID)]
	if !ok {
		return nil, errors.ErrNotFound
	}
	clone := *q.entries[id]
	return &clone, nil
}

// ListByExecution 取执行的全部条目，按创建时间排序
func (q *MemoryQueue) ListByExecution(ctx context.Context, executionID int64) ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for _, e := range q.entries {
		if e.ExecutionID == executionID {
			clone := *e
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Sweep 归还租约过期条目
func (q *MemoryQueue) Sweep(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	n := 0
	for _, e := range q.entries {
		if e.Status == StatusLeased && e.LeaseUntil.Before(now) {
			e.Status = StatusQueued
			e.WorkerID = ""
			e.LeaseUntil = time.Time{}
			e.AvailableAt = now
			n++
		}
	}
	return n, nil
}

// Stats 各状态计数
func (q *MemoryQueue) Stats(ctx context.Context) (map[Status]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[Status]int)
	for _, e := range q.entries {
		out[e.Status]++
	}
	for status, n := range out {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	return out, nil
}

// Close 无资源可释放
func (q *MemoryQueue) Close() {}
