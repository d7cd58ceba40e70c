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

package http

import (
	"context"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/planner"
)

// RunExecution 启动一次执行。path+version 或 catalog_id 二选一定位剧本；
// parent_* 字段仅子剧本执行时由 worker 传入。
// POST /api/executions/run
func (h *Handler) RunExecution(c context.Context, ctx *app.RequestContext) {
	var req struct {
		Path              string                 `json:"path"`
		Version           string                 `json:"version"`
		CatalogID         int64                  `json:"catalog_id"`
		PlaybookID        string                 `json:"playbook_id"` // 旧字段：数字视为 catalog_id，否则视为 path
		Payload           map[string]interface{} `json:"payload"`
		Parameters        map[string]interface{} `json:"parameters"`
		InputPayload      map[string]interface{} `json:"input_payload"`
		ParentExecutionID int64                  `json:"parent_execution_id"`
		ParentEventID     int64                  `json:"parent_event_id"`
		ParentStep        string                 `json:"parent_step"`
		Meta              map[string]interface{} `json:"meta"`
		Metadata          map[string]interface{} `json:"metadata"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}
	if req.Payload == nil {
		if req.Parameters != nil {
			req.Payload = req.Parameters
		} else {
			req.Payload = req.InputPayload
		}
	}
	if req.Meta == nil {
		req.Meta = req.Metadata
	}

	catalogID := req.CatalogID
	path := req.Path
	if catalogID == 0 && path == "" && req.PlaybookID != "" {
		if n, err := strconv.ParseInt(req.PlaybookID, 10, 64); err == nil {
			catalogID = n
		} else {
			path = req.PlaybookID
		}
	}
	if catalogID == 0 {
		if path == "" {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "缺少 path 或 catalog_id"})
			return
		}
		entry, err := h.catalog.Resolve(c, path, req.Version)
		if err != nil {
			fail(ctx, err)
			return
		}
		catalogID = entry.CatalogID
	}

	result, err := h.planner.Plan(c, &planner.Request{
		CatalogID:         catalogID,
		Payload:           req.Payload,
		ParentExecutionID: req.ParentExecutionID,
		ParentEventID:     req.ParentEventID,
		ParentStep:        req.ParentStep,
		Meta:              req.Meta,
	})
	if err != nil {
		fail(ctx, err)
		return
	}

	entry, err := h.catalog.Get(c, catalogID)
	if err != nil {
		fail(ctx, err)
		return
	}
	h.logger.Info("执行已启动",
		"execution_id", result.ExecutionID, "path", entry.Path, "version", entry.Version)
	// id 与 execution_id 并存：兼容两代客户端字段
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"execution_id": result.ExecutionID,
		"id":           strconv.FormatInt(result.ExecutionID, 10),
		"catalog_id":   catalogID,
		"path":         entry.Path,
		"version":      entry.Version,
		"status":       "running",
		"start_time":   time.Now().Format(time.RFC3339),
	})
}

// GetExecution 执行状态摘要
// GET /api/executions/:id
func (h *Handler) GetExecution(c context.Context, ctx *app.RequestContext) {
	executionID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "execution_id 必须是整数"})
		return
	}
	evs, err := h.events.ListByExecution(c, executionID, event.Filter{})
	if err != nil {
		fail(ctx, err)
		return
	}
	if len(evs) == 0 {
		ctx.JSON(consts.StatusNotFound, map[string]string{"error": "执行不存在"})
		return
	}

	out := map[string]interface{}{
		"execution_id": executionID,
		"status":       "pending",
		"start_time":   evs[0].Timestamp,
	}
	root := evs[0]
	if root.Meta != nil {
		out["playbook_path"] = root.Meta["playbook_path"]
		out["playbook_version"] = root.Meta["playbook_version"]
	}
	steps := map[string]event.Status{}
	for _, e := range evs {
		switch e.EventType {
		case event.TypeStepStarted:
			out["status"] = "running"
			steps[e.NodeName] = event.StatusRunning
		case event.TypeStepCompleted, event.TypeIteratorCompleted:
			steps[e.NodeName] = event.StatusCompleted
		case event.TypeStepFailedTerminal:
			steps[e.NodeName] = event.StatusFailed
		case event.TypeExecutionCompleted:
			out["status"] = "completed"
			out["end_time"] = e.Timestamp
			if e.Result != nil {
				out["result"] = e.Result["data"]
			}
		case event.TypeExecutionFailed:
			out["status"] = "failed"
			out["end_time"] = e.Timestamp
			if e.Meta != nil {
				out["error"] = e.Meta["error"]
			}
		}
	}
	out["steps"] = steps
	ctx.JSON(consts.StatusOK, out)
}

// ListExecutionEvents 执行的事件流（审计与排障）
// GET /api/executions/:id/events
func (h *Handler) ListExecutionEvents(c context.Context, ctx *app.RequestContext) {
	executionID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "execution_id 必须是整数"})
		return
	}
	f := event.Filter{}
	if since := ctx.Query("since_id"); since != "" {
		f.SinceID, _ = strconv.ParseInt(since, 10, 64)
	}
	evs, err := h.events.ListByExecution(c, executionID, f)
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"events":       evs,
		"total":        len(evs),
	})
}

// CancelExecution 操作员取消执行
// POST /api/executions/:id/cancel
func (h *Handler) CancelExecution(c context.Context, ctx *app.RequestContext) {
	executionID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "execution_id 必须是整数"})
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = ctx.BindJSON(&req)
	if err := h.broker.Cancel(c, executionID, req.Reason); err != nil {
		fail(ctx, err)
		return
	}
	h.logger.Info("执行已取消", "execution_id", executionID, "reason", req.Reason)
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"status":       "cancelled",
	})
}

// AppendEvent worker 上报事件
// POST /api/events
func (h *Handler) AppendEvent(c context.Context, ctx *app.RequestContext) {
	var e event.Event
	if err := ctx.BindJSON(&e); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}
	if err := e.Validate(); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := h.events.Append(c, &e)
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"event_id": id})
}

// RenderContext 服务端统一渲染任务模板
// POST /api/context/render
func (h *Handler) RenderContext(c context.Context, ctx *app.RequestContext) {
	var req struct {
		ExecutionID int64                  `json:"execution_id"`
		Task        map[string]interface{} `json:"task"`
		Context     map[string]interface{} `json:"context"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}
	if req.ExecutionID == 0 || req.Task == nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "缺少 execution_id 或 task"})
		return
	}
	rendered, err := h.broker.RenderTask(c, req.ExecutionID, req.Task, req.Context)
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"task": rendered})
}
