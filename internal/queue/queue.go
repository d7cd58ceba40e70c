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

// Package queue 任务队列：broker/planner 入队，worker 租约消费。
// (execution_id, node_id) 唯一，重复入队返回已有条目；
// 租约到期由后台清扫归还，worker 心跳失败视为取消信号。
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl-sub001/pkg/config"
	"github.com/noetl/noetl-sub001/pkg/errors"
)

// Status 队列条目状态
type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusDone   Status = "done"
	StatusDead   Status = "dead"
)

// ErrLeaseStolen 心跳/完成时租约已不属于该 worker
var ErrLeaseStolen = errors.New("lease stolen")

// Entry 队列条目。meta 携带编排上下文：parent_event_id、parent_execution_id、
// 迭代序号/总数/元素、重试次数。
type Entry struct {
	QueueID       int64                  `json:"queue_id"`
	ExecutionID   int64                  `json:"execution_id"`
	CatalogID     int64                  `json:"catalog_id"`
	NodeID        string                 `json:"node_id"`
	NodeName      string                 `json:"node_name"`
	Kind          string                 `json:"kind"`
	Action        map[string]interface{} `json:"action"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
	Priority      int                    `json:"priority"`
	Status        Status                 `json:"status"`
	Attempts      int                    `json:"attempts"`
	MaxAttempts   int                    `json:"max_attempts"`
	AvailableAt   time.Time              `json:"available_at"`
	LeaseUntil    time.Time              `json:"lease_until,omitempty"`
	LastHeartbeat time.Time              `json:"last_heartbeat,omitempty"`
	WorkerID      string                 `json:"worker_id,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Result        map[string]interface{} `json:"result,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// LeaseFilter 租约筛选；Kinds 为空表示接受全部任务类型
type LeaseFilter struct {
	Kinds []string
}

// Patch 编排侧重投时对条目的改写；nil 字段保持原值
type Patch struct {
	Action  map[string]interface{}
	Context map[string]interface{}
	Meta    map[string]interface{}
}

// Queue 队列接口
type Queue interface {
	// Enqueue 入队；(execution_id, node_id) 冲突时返回已有条目的 queue_id
	Enqueue(ctx context.Context, e *Entry) (int64, error)
	// Lease 原子领取最旧的可用条目；无可用条目返回 (nil, nil)
	Lease(ctx context.Context, workerID string, leaseFor time.Duration, f LeaseFilter) (*Entry, error)
	// Heartbeat 续约；租约易主返回 ErrLeaseStolen
	Heartbeat(ctx context.Context, queueID int64, workerID string, extend time.Duration) error
	// Complete 完成条目并记录结果；租约易主返回 ErrLeaseStolen
	Complete(ctx context.Context, queueID int64, workerID string, result map[string]interface{}) error
	// Fail 失败：retryAllowed 且未达 max_attempts 时按 availableAt 重新排队，否则标记 dead
	Fail(ctx context.Context, queueID int64, workerID string, errMsg string, retryAllowed bool, availableAt time.Time) error
	// Requeue 将条目重置为 queued（重试延迟、成功续页等编排侧重投）；
	// patch 非空时改写 action/context/meta
	Requeue(ctx context.Context, queueID int64, availableAt time.Time, patch *Patch) error
	// Bury 无视租约强制标记条目为 dead（终态裁决）
	Bury(ctx context.Context, queueID int64) error
	// CancelByExecution 将执行的全部未完成条目标记为 dead，返回数量
	CancelByExecution(ctx context.Context, executionID int64) (int, error)
	// Get 按 queue_id 取条目
	Get(ctx context.Context, queueID int64) (*Entry, error)
	// GetByNode 按 (execution_id, node_id) 取条目
	GetByNode(ctx context.Context, executionID int64, nodeID string) (*Entry, error)
	// ListByExecution 取执行的全部条目
	ListByExecution(ctx context.Context, executionID int64) ([]*Entry, error)
	// Sweep 归还租约过期的条目，返回归还数量
	Sweep(ctx context.Context) (int, error)
	// Stats 各状态条目计数
	Stats(ctx context.Context) (map[Status]int, error)
	// Close 释放底层资源
	Close()
}

// NodeID 生成标量步骤的 node_id
func NodeID(executionID int64, stepName string) string {
	return fmt.Sprintf("%d:%s", executionID, stepName)
}

// IterationNodeID 生成循环子项的 node_id
func IterationNodeID(executionID int64, stepName string, index int) string {
	return fmt.Sprintf("%d:%s:%d", executionID, stepName, index)
}

// New 根据配置创建队列
func New(ctx context.Context, cfg config.StoreConfig) (Queue, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryQueue(cfg.ShardID), nil
	case "postgres":
		return NewPgQueue(ctx, cfg.DSN, cfg.ShardID)
	default:
		return nil, fmt.Errorf("不支持的队列存储类型: %s", cfg.Type)
	}
}
