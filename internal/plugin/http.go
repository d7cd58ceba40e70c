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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// CredentialResolver 按 keychain 名称解析明文凭据。
// 凭据只进请求头，不得写入信封 data（事件日志会持久化 data）。
type CredentialResolver func(ctx context.Context, name string, executionID, catalogID int64) (map[string]string, error)

// HTTPPlugin HTTP 任务执行器
type HTTPPlugin struct {
	client *resty.Client
	creds  CredentialResolver
}

// NewHTTPPlugin 创建 HTTP 插件；creds 可为 nil（不支持 auth 字段）
func NewHTTPPlugin(creds CredentialResolver) *HTTPPlugin {
	return &HTTPPlugin{
		client: resty.New().
			SetTimeout(30 * time.Second).
			SetRetryCount(0), // 重试由编排层裁决，客户端不自行重试
		creds: creds,
	}
}

// Kind 实现 Handler
func (p *HTTPPlugin) Kind() string { return "http" }

// Execute 发起 HTTP 请求。GET/DELETE 时 args 作为查询参数，
// 其余方法 payload 为 JSON body（payload 缺省时用 args）。
func (p *HTTPPlugin) Execute(ctx context.Context, job *Job) *Envelope {
	url := job.ActionString("url")
	if url == "" {
		return Failure("invalid_task", "http 任务缺少 url")
	}
	method := strings.ToUpper(job.ActionString("method"))
	payload := job.ActionMap("payload")
	args := job.ActionMap("args")
	if method == "" {
		if payload != nil {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}

	if t := job.ActionString("timeout"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	req := p.client.R().SetContext(ctx)
	for k, v := range job.ActionMap("headers") {
		req.SetHeader(k, fmt.Sprint(v))
	}
	if auth := job.ActionString("auth"); auth != "" {
		if p.creds == nil {
			return Failure("credential_error", "未配置凭据解析器，无法使用 auth %q", auth)
		}
		creds, err := p.creds(ctx, auth, job.ExecutionID, job.CatalogID)
		if err != nil {
			return Failure("credential_error", "解析凭据 %q 失败: %v", auth, err)
		}
		applyCredentials(req, creds)
	}

	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		for k, v := range args {
			req.SetQueryParam(k, fmt.Sprint(v))
		}
	default:
		body := payload
		if body == nil {
			body = args
		}
		if body != nil {
			req.SetHeader("Content-Type", "application/json")
			req.SetBody(body)
		}
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return Failure("http_error", "请求 %s 失败: %v", url, err)
	}

	data := decodeBody(resp.Body())
	meta := map[string]interface{}{"status_code": resp.StatusCode()}
	if resp.IsError() {
		return &Envelope{
			Status: StatusError,
			Data:   data,
			Meta:   meta,
			Error: map[string]interface{}{
				"kind":        "http_error",
				"message":     fmt.Sprintf("%s %s 返回 %d", method, url, resp.StatusCode()),
				"status_code": resp.StatusCode(),
			},
		}
	}
	return &Envelope{Status: StatusSuccess, Data: data, Meta: meta}
}

// applyCredentials 凭据注入请求头：token 键转 Bearer，其余键按名设头
func applyCredentials(req *resty.Request, creds map[string]string) {
	for k, v := range creds {
		if strings.EqualFold(k, "token") {
			req.SetHeader("Authorization", "Bearer "+v)
			continue
		}
		req.SetHeader(k, v)
	}
}

// decodeBody 响应体按 JSON 解码，失败时保留原文
func decodeBody(body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return string(body)
}
