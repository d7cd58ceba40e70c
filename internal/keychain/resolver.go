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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl-sub001/internal/cache"
	"github.com/noetl/noetl-sub001/internal/playbook"
	"github.com/noetl/noetl-sub001/pkg/errors"
	"github.com/noetl/noetl-sub001/pkg/secrets"
)

// maxMemoTTL worker 侧备忘缓存的陈旧上限
const maxMemoTTL = 60 * time.Second

// LineageFunc 返回执行的祖先链（含自身），shared scope 校验用
type LineageFunc func(ctx context.Context, executionID int64) ([]int64, error)

// Resolver 凭据解析器。备忘缓存只允许进程内存实现：
// 明文凭据不得落入共享缓存、事件或日志。
type Resolver struct {
	store   Store
	cipher  *Cipher
	memo    cache.Store
	memoTTL time.Duration
	buffer  time.Duration
	http    *resty.Client
	secrets secrets.Store
	lineage LineageFunc
}

// Option 解析器选项
type Option func(*Resolver)

// WithMemo 启用 worker 侧备忘缓存；ttl 超过 60s 会被截断
func WithMemo(c cache.Store, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.memo = c
		if ttl <= 0 || ttl > maxMemoTTL {
			ttl = maxMemoTTL
		}
		r.memoTTL = ttl
	}
}

// WithRenewBuffer 设置过期前的提前续期窗口
func WithRenewBuffer(d time.Duration) Option {
	return func(r *Resolver) { r.buffer = d }
}

// WithSecrets 注入 secret 后端（续期与初始数据中的 secret:// 引用）
func WithSecrets(s secrets.Store) Option {
	return func(r *Resolver) { r.secrets = s }
}

// WithLineage 注入执行祖先链查询
func WithLineage(fn LineageFunc) Option {
	return func(r *Resolver) { r.lineage = fn }
}

// WithHTTPClient 覆盖续期用的 HTTP 客户端（测试用）
func WithHTTPClient(c *resty.Client) Option {
	return func(r *Resolver) { r.http = c }
}

// NewResolver 创建凭据解析器
func NewResolver(store Store, cipher *Cipher, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		cipher: cipher,
		http:   resty.New().SetTimeout(10 * time.Second),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve 按逻辑名解析凭据。
// 命中未过期条目直接解密返回；过期且 auto_renew 的执行续期；
// 未命中且带剧本声明的按声明建立并缓存。
func (r *Resolver) Resolve(ctx context.Context, catalogID int64, name string, executionID int64, decl *playbook.KeychainDecl) (map[string]interface{}, error) {
	memoKey := fmt.Sprintf("keychain:%d:%s:%d", catalogID, name, executionID)
	if r.memo != nil {
		var data map[string]interface{}
		if err := r.memo.Get(ctx, memoKey, &data); err == nil {
			return data, nil
		}
	}

	entry, err := r.store.Get(ctx, catalogID, name, executionID)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		if decl == nil {
			return nil, errors.Wrapf(errors.ErrNotFound, "凭据 %s 未注册", name)
		}
		return r.materialize(ctx, catalogID, executionID, decl, memoKey)
	}

	if err := r.checkScope(ctx, entry, executionID); err != nil {
		return nil, err
	}

	if entry.Expired(r.buffer) {
		if !entry.AutoRenew || entry.RenewConfig == nil {
			return nil, fmt.Errorf("凭据 %s 已过期且未配置自动续期", name)
		}
		data, ttl, err := r.renew(ctx, entry.RenewConfig)
		if err != nil {
			return nil, errors.Wrapf(err, "凭据 %s 续期失败", name)
		}
		sealed, err := r.cipher.Seal(data)
		if err != nil {
			return nil, err
		}
		entry.Encrypted = sealed
		if ttl > 0 {
			entry.ExpiresAt = time.Now().Add(ttl)
		}
		if err := r.store.Put(ctx, entry); err != nil {
			return nil, err
		}
		r.remember(ctx, memoKey, data)
		return data, nil
	}

	data, err := r.cipher.Open(entry.Encrypted)
	if err != nil {
		return nil, err
	}
	r.remember(ctx, memoKey, data)
	return data, nil
}

func (r *Resolver) remember(ctx context.Context, key string, data map[string]interface{}) {
	if r.memo != nil {
		_ = r.memo.Set(ctx, key, data, r.memoTTL)
	}
}

func (r *Resolver) checkScope(ctx context.Context, entry *Entry, executionID int64) error {
	switch entry.Scope {
	case "", ScopeGlobal:
		return nil
	case ScopeLocal:
		if entry.ExecutionID != executionID {
			return errors.Wrapf(errors.ErrNotFound, "凭据 %s 为 local scope", entry.Name)
		}
		return nil
	case ScopeShared:
		if entry.ExecutionID == executionID {
			return nil
		}
		if r.lineage == nil {
			return errors.Wrapf(errors.ErrNotFound, "凭据 %s 为 shared scope 且无谱系信息", entry.Name)
		}
		chain, err := r.lineage(ctx, executionID)
		if err != nil {
			return err
		}
		for _, id := range chain {
			if id == entry.ExecutionID {
				return nil
			}
		}
		return errors.Wrapf(errors.ErrNotFound, "凭据 %s 不在执行谱系内", entry.Name)
	}
	return errors.Wrapf(errors.ErrInvalidArg, "非法 scope: %s", entry.Scope)
}

// materialize 按剧本声明建立凭据
func (r *Resolver) materialize(ctx context.Context, catalogID, executionID int64, decl *playbook.KeychainDecl, memoKey string) (map[string]interface{}, error) {
	var data map[string]interface{}
	var err error
	if len(decl.Data) > 0 {
		data, err = r.expandSecrets(ctx, decl.Data)
	} else if decl.Renew != nil {
		data, _, err = r.renew(ctx, decl.Renew)
	} else {
		return nil, errors.Wrapf(errors.ErrInvalidArg, "凭据声明 %s 缺少 data 与 renew", decl.Name)
	}
	if err != nil {
		return nil, err
	}
	sealed, err := r.cipher.Seal(data)
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		CatalogID:   catalogID,
		Name:        decl.Name,
		Scope:       Scope(decl.Scope),
		ExecutionID: executionID,
		Encrypted:   sealed,
		AutoRenew:   decl.AutoRenew,
		RenewConfig: decl.Renew,
	}
	if decl.TTL != "" {
		if ttl, perr := time.ParseDuration(decl.TTL); perr == nil {
			entry.ExpiresAt = time.Now().Add(ttl)
		}
	}
	if err := r.store.Put(ctx, entry); err != nil {
		return nil, err
	}
	r.remember(ctx, memoKey, data)
	return data, nil
}

// expandSecrets 将字符串值中的 secret://KEY 引用替换为 secret 后端的值
func (r *Resolver) expandSecrets(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "secret://") {
			out[k] = v
			continue
		}
		if r.secrets == nil {
			return nil, fmt.Errorf("凭据引用 %s 但未配置 secret 后端", s)
		}
		val, err := r.secrets.Get(ctx, strings.TrimPrefix(s, "secret://"))
		if err != nil {
			return nil, errors.Wrapf(err, "读取 secret %s 失败", s)
		}
		out[k] = val
	}
	return out, nil
}

// renew 执行续期任务，返回新凭据数据与 TTL。
// 支持 http token 拉取与 secret 后端重读两种来源。
func (r *Resolver) renew(ctx context.Context, cfg map[string]interface{}) (map[string]interface{}, time.Duration, error) {
	var ttl time.Duration
	if s, ok := cfg["ttl"].(string); ok && s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			ttl = d
		}
	}
	source, _ := cfg["source"].(string)
	switch source {
	case "", "http":
		data, err := r.renewHTTP(ctx, cfg)
		return data, ttl, err
	case "secret", "vault":
		data, err := r.renewSecret(ctx, cfg)
		return data, ttl, err
	default:
		return nil, 0, fmt.Errorf("未知续期来源: %s", source)
	}
}

func (r *Resolver) renewHTTP(ctx context.Context, cfg map[string]interface{}) (map[string]interface{}, error) {
	url, _ := cfg["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("续期配置缺少 url")
	}
	method, _ := cfg["method"].(string)
	if method == "" {
		method = "POST"
	}
	req := r.http.R().SetContext(ctx)
	if headers, ok := cfg["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.SetHeader(k, fmt.Sprint(v))
		}
	}
	if payload, ok := cfg["payload"].(map[string]interface{}); ok {
		req.SetBody(payload)
	}
	resp, err := req.Execute(strings.ToUpper(method), url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("续期请求返回 %d", resp.StatusCode())
	}
	var data map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &data); err != nil {
		return nil, fmt.Errorf("续期响应不是 JSON 对象: %w", err)
	}
	return data, nil
}

func (r *Resolver) renewSecret(ctx context.Context, cfg map[string]interface{}) (map[string]interface{}, error) {
	if r.secrets == nil {
		return nil, fmt.Errorf("续期来源为 secret 但未配置 secret 后端")
	}
	keys, ok := cfg["keys"].([]interface{})
	if !ok || len(keys) == 0 {
		return nil, fmt.Errorf("续期配置缺少 keys")
	}
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		name := fmt.Sprint(k)
		val, err := r.secrets.Get(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "读取 secret %s 失败", name)
		}
		out[name] = val
	}
	return out, nil
}
