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

// Package catalog 剧本目录：按 (path, version) 注册 YAML 内容并分配 catalog_id。
// 版本唯一，内容注册后不可变；解析结果可缓存。
package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/noetl/noetl-sub001/pkg/config"
)

// Entry 目录条目
type Entry struct {
	CatalogID int64     `json:"catalog_id"`
	Path      string    `json:"path"`
	Version   string    `json:"version"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store 目录存储接口
type Store interface {
	// Register 注册剧本；(path, version) 已存在时返回 errors.ErrConflict
	Register(ctx context.Context, path, version, content string) (int64, error)
	// Get 按 catalog_id 取条目
	Get(ctx context.Context, catalogID int64) (*Entry, error)
	// GetByPath 按 (path, version) 取条目
	GetByPath(ctx context.Context, path, version string) (*Entry, error)
	// GetLatest 取 path 下最高版本
	GetLatest(ctx context.Context, path string) (*Entry, error)
	// List 列出全部条目（每 path 仅最新版本）
	List(ctx context.Context) ([]*Entry, error)
	// Close 释放底层资源
	Close()
}

// NewStore 根据配置创建目录存储
func NewStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(cfg.ShardID), nil
	case "postgres":
		return NewPgStore(ctx, cfg.DSN, cfg.ShardID)
	default:
		return nil, fmt.Errorf("不支持的目录存储类型: %s", cfg.Type)
	}
}

// compareVersion 比较点分版本号；数字段按数值比，非数字段按字典序
func compareVersion(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xi, xerr := strconv.Atoi(x)
		yi, yerr := strconv.Atoi(y)
		if xerr == nil && yerr == nil {
			if xi != yi {
				if xi < yi {
					return -1
				}
				return 1
			}
			continue
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// NextVersion 返回 path 的下一个补丁版本；无已注册版本时返回 "0.1.0"
func NextVersion(latest string) string {
	if latest == "" {
		return "0.1.0"
	}
	parts := strings.Split(latest, ".")
	last := parts[len(parts)-1]
	if n, err := strconv.Atoi(last); err == nil {
		parts[len(parts)-1] = strconv.Itoa(n + 1)
		return strings.Join(parts, ".")
	}
	return latest + ".1"
}
