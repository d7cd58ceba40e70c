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

	"github.com/noetl/noetl-sub001/internal/queue"
	"github.com/noetl/noetl-sub001/pkg/errors"
)

// LeaseJob worker 领取作业；无可用作业返回 204
// POST /api/queue/lease
func (h *Handler) LeaseJob(c context.Context, ctx *app.RequestContext) {
	var req struct {
		WorkerID     string   `json:"worker_id"`
		Kinds        []string `json:"kinds"`
		LeaseSeconds int      `json:"lease_seconds"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}
	if req.WorkerID == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "worker_id 不能为空"})
		return
	}
	lease := time.Duration(req.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 30 * time.Second
	}
	entry, err := h.queue.Lease(c, req.WorkerID, lease, queue.LeaseFilter{Kinds: req.Kinds})
	if err != nil {
		fail(ctx, err)
		return
	}
	if entry == nil {
		ctx.Status(consts.StatusNoContent)
		return
	}
	ctx.JSON(consts.StatusOK, entry)
}

// HeartbeatJob 续约；租约易主返回 409
// POST /api/queue/:id/heartbeat
func (h *Handler) HeartbeatJob(c context.Context, ctx *app.RequestContext) {
	queueID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "queue_id 必须是整数"})
		return
	}
	var req struct {
		WorkerID      string `json:"worker_id"`
		ExtendSeconds int    `json:"extend_seconds"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}
	extend := time.Duration(req.ExtendSeconds) * time.Second
	if extend <= 0 {
		extend = 30 * time.Second
	}
	if err := h.queue.Heartbeat(c, queueID, req.WorkerID, extend); err != nil {
		if errors.Is(err, queue.ErrLeaseStolen) {
			ctx.JSON(consts.StatusConflict, map[string]string{"error": "lease stolen"})
			return
		}
		fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// CompleteJob worker 完成作业
// POST /api/queue/:id/complete
func (h *Handler) CompleteJob(c context.Context, ctx *app.RequestContext) {
	queueID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "queue_id 必须是整数"})
		return
	}
	var req struct {
		WorkerID string                 `json:"worker_id"`
		Result   map[string]interface{} `json:"result"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}
	if err := h.queue.Complete(c, queueID, req.WorkerID, req.Result); err != nil {
		if errors.Is(err, queue.ErrLeaseStolen) {
			ctx.JSON(consts.StatusConflict, map[string]string{"error": "lease stolen"})
			return
		}
		fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "done"})
}

// FailJob worker 上报基础设施级失败（插件失败走事件链路）
// POST /api/queue/:id/fail
func (h *Handler) FailJob(c context.Context, ctx *app.RequestContext) {
	queueID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "queue_id 必须是整数"})
		return
	}
	var req struct {
		WorkerID string `json:"worker_id"`
		Error    string `json:"error"`
		Retry    bool   `json:"retry_allowed"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}
	if err := h.queue.Fail(c, queueID, req.WorkerID, req.Error, req.Retry, time.Now().Add(5*time.Second)); err != nil {
		if errors.Is(err, queue.ErrLeaseStolen) {
			ctx.JSON(consts.StatusConflict, map[string]string{"error": "lease stolen"})
			return
		}
		fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// QueueStats 各状态条目计数
// GET /api/queue/stats
func (h *Handler) QueueStats(c context.Context, ctx *app.RequestContext) {
	stats, err := h.queue.Stats(c)
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, stats)
}
