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
	"fmt"

	"github.com/noetl/noetl-sub001/pkg/config"
	"github.com/noetl/noetl-sub001/pkg/errors"
)

// ErrMissingCatalogID catalog_id 推断失败：payload、context、首事件回退均无
var ErrMissingCatalogID = errors.New("事件缺少 catalog_id 且无法从执行首事件推断")

// Listener 追加成功后的回调。best-effort：返回错误只记日志，不影响追加。
type Listener func(ctx context.Context, e *Event) error

// Filter 事件查询过滤条件
type Filter struct {
	Types    []Type // 为空表示全部
	NodeName string // 非空时精确匹配
	SinceID  int64  // 仅返回 event_id > SinceID 的事件
}

// Store 事件存储接口。Append 对标记事件做幂等保护：
// 重复追加静默丢弃并返回已存事件的 event_id。
type Store interface {
	// Append 追加事件并返回 event_id；必要时铸造 event_id 并推断 catalog_id
	Append(ctx context.Context, e *Event) (int64, error)
	// Get 按 event_id 取事件
	Get(ctx context.Context, eventID int64) (*Event, error)
	// ListByExecution 按 execution_id 取事件，按 event_id 升序
	ListByExecution(ctx context.Context, executionID int64, f Filter) ([]*Event, error)
	// FirstByType 取该执行最早的指定类型事件；无则返回 errors.ErrNotFound
	FirstByType(ctx context.Context, executionID int64, t Type) (*Event, error)
	// Children 取以该执行为父的全部子执行根事件
	Children(ctx context.Context, parentExecutionID int64) ([]*Event, error)
	// HasTerminal 判定执行是否已有终态事件
	HasTerminal(ctx context.Context, executionID int64) (bool, error)
	// SetWorkload 保存执行的合并初始参数（每执行一行）
	SetWorkload(ctx context.Context, executionID int64, workload map[string]interface{}) error
	// GetWorkload 读取执行的初始参数；无则返回 errors.ErrNotFound
	GetWorkload(ctx context.Context, executionID int64) (map[string]interface{}, error)
	// LogError 写入错误日志表
	LogError(ctx context.Context, entry *ErrorEntry) error
	// Subscribe 注册追加回调；需在写入流量前注册
	Subscribe(l Listener)
	// Close 释放底层资源
	Close()
}

// NewStore 根据配置创建事件存储
func NewStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(cfg.ShardID), nil
	case "postgres":
		return NewPgStore(ctx, cfg.DSN, cfg.ShardID)
	default:
		return nil, fmt.Errorf("不支持的事件存储类型: %s", cfg.Type)
	}
}
