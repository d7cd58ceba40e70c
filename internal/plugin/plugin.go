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

// Package plugin worker 侧的任务执行插件。每种 kind 一个 Handler，
// 统一返回结果信封 {status, data, meta?, error?}。插件不抛错不 panic：
// 失败一律编码进信封，由 worker 决定事件类型。
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// 信封状态
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope 任务执行结果信封
type Envelope struct {
	Status string                 `json:"status"`
	Data   interface{}            `json:"data,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
	Error  map[string]interface{} `json:"error,omitempty"`
}

// Success 成功信封
func Success(data interface{}) *Envelope {
	return &Envelope{Status: StatusSuccess, Data: data}
}

// Failure 失败信封
func Failure(kind, format string, args ...interface{}) *Envelope {
	return &Envelope{
		Status: StatusError,
		Error: map[string]interface{}{
			"kind":    kind,
			"message": fmt.Sprintf(format, args...),
		},
	}
}

// OK 是否成功
func (e *Envelope) OK() bool { return e.Status == StatusSuccess }

// Async 作业是否异步（结果由子执行终态合成，worker 不发结果事件）
func (e *Envelope) Async() bool {
	if e.Meta == nil {
		return false
	}
	v, _ := e.Meta["async"].(bool)
	return v
}

// Message 失败消息（成功时为空串）
func (e *Envelope) Message() string {
	if e.Error == nil {
		return ""
	}
	m, _ := e.Error["message"].(string)
	return m
}

// Map 信封转事件 result 载荷
func (e *Envelope) Map() map[string]interface{} {
	m := map[string]interface{}{"status": e.Status}
	if e.Data != nil {
		m["data"] = e.Data
	}
	if len(e.Meta) > 0 {
		m["meta"] = e.Meta
	}
	if len(e.Error) > 0 {
		m["error"] = e.Error
	}
	return m
}

// WithMeta 附加元数据并返回自身
func (e *Envelope) WithMeta(key string, v interface{}) *Envelope {
	if e.Meta == nil {
		e.Meta = map[string]interface{}{}
	}
	e.Meta[key] = v
	return e
}

// Job 插件视角的作业：队列条目经服务端渲染后的投影
type Job struct {
	QueueID     int64
	ExecutionID int64
	CatalogID   int64
	NodeID      string
	NodeName    string
	Kind        string
	Action      map[string]interface{}
	Context     map[string]interface{}
	Meta        map[string]interface{}
	Attempt     int
}

// ActionString 取 action 的字符串字段
func (j *Job) ActionString(key string) string {
	s, _ := j.Action[key].(string)
	return s
}

// ActionMap 取 action 的 map 字段
func (j *Job) ActionMap(key string) map[string]interface{} {
	m, _ := j.Action[key].(map[string]interface{})
	return m
}

// Handler 单一 kind 的执行器
type Handler interface {
	Kind() string
	Execute(ctx context.Context, job *Job) *Envelope
}

// Registry kind → Handler 注册表；并发只读安全
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry 创建注册表并注册给定插件
func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(hs))}
	for _, h := range hs {
		r.Register(h)
	}
	return r
}

// Register 注册插件，同 kind 覆盖
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
}

// Get 按 kind 取插件
func (r *Registry) Get(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds 已注册的任务类型（有序，供租约过滤）
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Execute 分发作业；未知 kind 返回失败信封
func (r *Registry) Execute(ctx context.Context, job *Job) *Envelope {
	h, ok := r.Get(job.Kind)
	if !ok {
		return Failure("unknown_kind", "没有可执行 %q 的插件", job.Kind)
	}
	return h.Execute(ctx, job)
}
