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

package plugin

import (
	"context"
	"sort"
)

// SecretPlugin 凭据预热任务。只返回凭据名与键名：
// 事件日志持久化结果数据，明文凭据不得进入信封，
// 实际注入由 http 插件的 auth 字段在请求头完成。
type SecretPlugin struct {
	creds CredentialResolver
}

// NewSecretPlugin 创建 secret 插件
func NewSecretPlugin(creds CredentialResolver) *SecretPlugin {
	return &SecretPlugin{creds: creds}
}

// Kind 实现 Handler
func (p *SecretPlugin) Kind() string { return "secret" }

// Execute 解析凭据并返回其键名清单
func (p *SecretPlugin) Execute(ctx context.Context, job *Job) *Envelope {
	name := job.ActionString("name")
	if name == "" {
		name = job.ActionString("auth")
	}
	if name == "" {
		return Failure("invalid_task", "secret 任务缺少 name")
	}
	if p.creds == nil {
		return Failure("credential_error", "未配置凭据解析器")
	}
	creds, err := p.creds(ctx, name, job.ExecutionID, job.CatalogID)
	if err != nil {
		return Failure("credential_error", "解析凭据 %q 失败: %v", name, err)
	}
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Success(map[string]interface{}{"name": name, "keys": keys})
}
