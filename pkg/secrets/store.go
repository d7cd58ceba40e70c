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

// Package secrets 凭据素材后端。keychain 声明里的 {{ secrets.X }} 引用
// 与续期产生的 token 经由 Store 存取，敏感值不落事件流与日志。
package secrets

import (
	"context"
)

// Store secret 后端接口
type Store interface {
	// Get 取 secret 值；不存在返回错误
	Get(ctx context.Context, key string) (string, error)
	// Set 写入 secret 值
	Set(ctx context.Context, key string, value string) error
	// Delete 删除 secret
	Delete(ctx context.Context, key string) error
	// List 按前缀列出 secret 键名（只返回键，不返回值）
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config 后端选择配置
type Config struct {
	Provider string            `yaml:"provider"` // vault | env | memory
	Config   map[string]string `yaml:"config"`   // 后端专属配置
}

// NewStore 按配置创建后端；未知 provider 回退内存后端
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "env":
		return NewEnvStore(), nil
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.Config["address"],
			Token:      config.Config["token"],
			PathPrefix: config.Config["path_prefix"],
		})
	default:
		return NewMemoryStore(), nil
	}
}
