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

// Package worker 任务执行进程：租约轮询、心跳续约、插件分发与事件上报。
// Worker 与服务端只经 HTTP API 交互，不直连事件存储。
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/plugin"
	"github.com/noetl/noetl-sub001/internal/queue"
	"github.com/noetl/noetl-sub001/pkg/errors"
)

// API worker 依赖的服务端操作面
type API interface {
	// Lease 领取一个作业；无可用作业返回 (nil, nil)
	Lease(ctx context.Context, workerID string, kinds []string, lease time.Duration) (*queue.Entry, error)
	// Heartbeat 续约；租约易主返回 queue.ErrLeaseStolen
	Heartbeat(ctx context.Context, queueID int64, workerID string, extend time.Duration) error
	// Complete 完成作业并记录结果
	Complete(ctx context.Context, queueID int64, workerID string, result map[string]interface{}) error
	// Fail 上报基础设施级失败（插件失败走事件链路）
	Fail(ctx context.Context, queueID int64, workerID, errMsg string, retry bool) error
	// EmitEvent 上报执行事件
	EmitEvent(ctx context.Context, e *event.Event) (int64, error)
	// RenderContext 服务端统一渲染任务模板
	RenderContext(ctx context.Context, executionID int64, task, extra map[string]interface{}) (map[string]interface{}, error)
	// StartExecution 启动子剧本执行（plugin.ChildRunner）
	StartExecution(ctx context.Context, req *plugin.ChildRequest) (int64, error)
	// Credentials 解密凭据（plugin.CredentialResolver）；结果只进内存，不落日志
	Credentials(ctx context.Context, name string, executionID, catalogID int64) (map[string]string, error)
}

// HTTPClient API 的 resty 实现
type HTTPClient struct {
	rc *resty.Client
}

// NewHTTPClient 创建指向服务端的客户端
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		rc: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

// Lease 实现 API
func (c *HTTPClient) Lease(ctx context.Context, workerID string, kinds []string, lease time.Duration) (*queue.Entry, error) {
	var entry queue.Entry
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(map[string]interface{}{
			"worker_id":     workerID,
			"kinds":         kinds,
			"lease_seconds": int(lease.Seconds()),
		}).
		SetResult(&entry).
		Post("/api/queue/lease")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &entry, nil
}

// Heartbeat 实现 API
func (c *HTTPClient) Heartbeat(ctx context.Context, queueID int64, workerID string, extend time.Duration) error {
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(map[string]interface{}{
			"worker_id":      workerID,
			"extend_seconds": int(extend.Seconds()),
		}).
		Post(fmt.Sprintf("/api/queue/%d/heartbeat", queueID))
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusConflict {
		return queue.ErrLeaseStolen
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

// Complete 实现 API
func (c *HTTPClient) Complete(ctx context.Context, queueID int64, workerID string, result map[string]interface{}) error {
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(map[string]interface{}{"worker_id": workerID, "result": result}).
		Post(fmt.Sprintf("/api/queue/%d/complete", queueID))
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusConflict {
		return queue.ErrLeaseStolen
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

// Fail 实现 API
func (c *HTTPClient) Fail(ctx context.Context, queueID int64, workerID, errMsg string, retry bool) error {
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(map[string]interface{}{"worker_id": workerID, "error": errMsg, "retry_allowed": retry}).
		Post(fmt.Sprintf("/api/queue/%d/fail", queueID))
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusConflict {
		return queue.ErrLeaseStolen
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

// EmitEvent 实现 API
func (c *HTTPClient) EmitEvent(ctx context.Context, e *event.Event) (int64, error) {
	var out struct {
		EventID int64 `json:"event_id"`
	}
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(e).
		SetResult(&out).
		Post("/api/events")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, apiError(resp)
	}
	return out.EventID, nil
}

// RenderContext 实现 API
func (c *HTTPClient) RenderContext(ctx context.Context, executionID int64, task, extra map[string]interface{}) (map[string]interface{}, error) {
	var out struct {
		Task map[string]interface{} `json:"task"`
	}
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(map[string]interface{}{
			"execution_id": executionID,
			"task":         task,
			"context":      extra,
		}).
		SetResult(&out).
		Post("/api/context/render")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return out.Task, nil
}

// StartExecution 实现 plugin.ChildRunner
func (c *HTTPClient) StartExecution(ctx context.Context, req *plugin.ChildRequest) (int64, error) {
	var out struct {
		ExecutionID int64 `json:"execution_id"`
	}
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(map[string]interface{}{
			"path":                req.Path,
			"version":             req.Version,
			"payload":             req.Payload,
			"parent_execution_id": req.ParentExecutionID,
			"parent_event_id":     req.ParentEventID,
			"parent_step":         req.ParentStep,
			"meta":                req.Meta,
		}).
		SetResult(&out).
		Post("/api/executions/run")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, apiError(resp)
	}
	return out.ExecutionID, nil
}

// Credentials 实现 plugin.CredentialResolver
func (c *HTTPClient) Credentials(ctx context.Context, name string, executionID, catalogID int64) (map[string]string, error) {
	var out struct {
		Data map[string]interface{} `json:"data"`
	}
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(map[string]interface{}{
			"name":         name,
			"execution_id": executionID,
			"catalog_id":   catalogID,
		}).
		SetResult(&out).
		Post("/api/credentials/resolve")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	creds := make(map[string]string, len(out.Data))
	for k, v := range out.Data {
		creds[k] = fmt.Sprint(v)
	}
	return creds, nil
}

func apiError(resp *resty.Response) error {
	return errors.New(fmt.Sprintf("服务端返回 %d: %s", resp.StatusCode(), resp.String()))
}
