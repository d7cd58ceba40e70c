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
	"fmt"
	"time"

	"github.com/noetl/noetl-sub001/internal/cache"
	"github.com/noetl/noetl-sub001/internal/playbook"
	"github.com/noetl/noetl-sub001/pkg/errors"
)

// Service 目录服务：注册时解析并校验，读取时带 TTL 缓存解析结果
type Service struct {
	store Store
	cache cache.Store
	ttl   time.Duration
}

// NewService 创建目录服务；c 可为 nil 表示不缓存
func NewService(store Store, c cache.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{store: store, cache: c, ttl: ttl}
}

// Register 解析并校验剧本后注册。version 为空时取 path 的下一个版本。
// 校验失败返回 ErrInvalidArg 包装的原因列表。
func (s *Service) Register(ctx context.Context, path, version, content string) (int64, string, error) {
	pb, err := playbook.ParseString(content)
	if err != nil {
		return 0, "", errors.Wrap(errors.ErrInvalidArg, err.Error())
	}
	if reasons := pb.Validate(); len(reasons) > 0 {
		return 0, "", errors.Wrapf(errors.ErrInvalidArg, "剧本校验失败: %v", reasons)
	}
	if path == "" {
		path = pb.Path
	}
	if path == "" {
		path = pb.Name
	}
	if path == "" {
		return 0, "", errors.Wrap(errors.ErrInvalidArg, "剧本缺少 path")
	}
	if version == "" {
		version = pb.Version
	}
	if version == "" {
		latest, err := s.store.GetLatest(ctx, path)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return 0, "", err
		}
		if latest != nil {
			version = NextVersion(latest.Version)
		} else {
			version = NextVersion("")
		}
	}
	id, err := s.store.Register(ctx, path, version, content)
	if err != nil {
		return 0, "", err
	}
	return id, version, nil
}

// Get 按 catalog_id 取条目
func (s *Service) Get(ctx context.Context, catalogID int64) (*Entry, error) {
	return s.store.Get(ctx, catalogID)
}

// Resolve 按 path 与版本定位条目；version 为空或 "latest" 取最高版本
func (s *Service) Resolve(ctx context.Context, path, version string) (*Entry, error) {
	if version == "" || version == "latest" {
		return s.store.GetLatest(ctx, path)
	}
	return s.store.GetByPath(ctx, path, version)
}

// List 列出目录
func (s *Service) List(ctx context.Context) ([]*Entry, error) {
	return s.store.List(ctx)
}

// Playbook 取 catalog_id 对应的解析后剧本；命中缓存时不再解析
func (s *Service) Playbook(ctx context.Context, catalogID int64) (*playbook.Playbook, error) {
	key := fmt.Sprintf("catalog:playbook:%d", catalogID)
	if s.cache != nil {
		var pb playbook.Playbook
		if err := s.cache.Get(ctx, key, &pb); err == nil {
			return &pb, nil
		}
	}
	entry, err := s.store.Get(ctx, catalogID)
	if err != nil {
		return nil, err
	}
	pb, err := playbook.ParseString(entry.Content)
	if err != nil {
		return nil, err
	}
	if pb.Path == "" {
		pb.Path = entry.Path
	}
	if pb.Version == "" {
		pb.Version = entry.Version
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, key, pb, s.ttl)
	}
	return pb, nil
}
