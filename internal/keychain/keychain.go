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

// Package keychain 凭据解析：按逻辑名取密钥，过期自动续期。
// 明文凭据只存在于解析结果中，绝不进入事件、队列上下文或日志。
package keychain

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl-sub001/pkg/config"
)

// Scope 凭据可见范围
type Scope string

const (
	ScopeLocal  Scope = "local"  // 仅本执行可见
	ScopeShared Scope = "shared" // 本执行及其子执行可见
	ScopeGlobal Scope = "global" // 整个 catalog 可见
)

// ValidScope 判定 scope 是否合法；空视为 global
func ValidScope(s Scope) bool {
	switch s {
	case "", ScopeLocal, ScopeShared, ScopeGlobal:
		return true
	}
	return false
}

// Entry 凭据条目；Data 为 AES-GCM 加密后的密文
type Entry struct {
	CatalogID   int64                  `json:"catalog_id"`
	Name        string                 `json:"name"`
	Scope       Scope                  `json:"scope"`
	ExecutionID int64                  `json:"execution_id,omitempty"` // local/shared 键的一部分
	Encrypted   []byte                 `json:"-"`
	ExpiresAt   time.Time              `json:"expires_at,omitempty"`
	AutoRenew   bool                   `json:"auto_renew"`
	RenewConfig map[string]interface{} `json:"renew_config,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Expired 判定条目是否已过期或进入续期窗口
func (e *Entry) Expired(buffer time.Duration) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return !time.Now().Before(e.ExpiresAt.Add(-buffer))
}

// Store 凭据存储接口
type Store interface {
	// Put 写入或覆盖条目
	Put(ctx context.Context, e *Entry) error
	// Get 按键取条目；local/shared 条目需带 executionID
	Get(ctx context.Context, catalogID int64, name string, executionID int64) (*Entry, error)
	// Delete 删除条目
	Delete(ctx context.Context, catalogID int64, name string, executionID int64) error
	// DeleteByCatalog 目录移除时清理其全部凭据
	DeleteByCatalog(ctx context.Context, catalogID int64) error
	// Close 释放底层资源
	Close()
}

// NewStore 根据配置创建凭据存储
func NewStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPgStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("不支持的凭据存储类型: %s", cfg.Type)
	}
}
