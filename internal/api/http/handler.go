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

// Package http 服务端 HTTP API：目录注册、执行控制、队列租约、事件上报、
// 服务端统一渲染。worker 与 cli 只经由该 API 与服务端交互。
package http

import (
	"bytes"
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/noetl/noetl-sub001/internal/broker"
	"github.com/noetl/noetl-sub001/internal/catalog"
	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/keychain"
	"github.com/noetl/noetl-sub001/internal/planner"
	"github.com/noetl/noetl-sub001/internal/queue"
	"github.com/noetl/noetl-sub001/pkg/errors"
	"github.com/noetl/noetl-sub001/pkg/log"
	"github.com/noetl/noetl-sub001/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	catalog *catalog.Service
	planner *planner.Planner
	broker  *broker.Broker
	events   event.Store
	queue    queue.Queue
	keychain *keychain.Resolver
	logger   *log.Logger
}

// NewHandler 创建 HTTP 处理器
func NewHandler(cat *catalog.Service, pl *planner.Planner, bk *broker.Broker, events event.Store, q queue.Queue, logger *log.Logger) *Handler {
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}
	return &Handler{
		catalog: cat,
		planner: pl,
		broker:  bk,
		events:  events,
		queue:   q,
		logger:  logger.With("component", "api"),
	}
}

// HealthCheck 健康检查
// GET /health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "noetl-server",
		"timestamp": time.Now().Unix(),
	})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// SystemStatus 系统状态概览
// GET /api/system/status
func (h *Handler) SystemStatus(c context.Context, ctx *app.RequestContext) {
	stats, err := h.queue.Stats(c)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	entries, err := h.catalog.List(c)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"server":    "running",
		"queue":     stats,
		"playbooks": len(entries),
		"timestamp": time.Now(),
	})
}

// statusFromError 哨兵错误到 HTTP 状态码的映射
func statusFromError(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return consts.StatusNotFound
	case errors.Is(err, errors.ErrInvalidArg):
		return consts.StatusBadRequest
	case errors.Is(err, errors.ErrConflict):
		return consts.StatusConflict
	default:
		return consts.StatusInternalServerError
	}
}

func fail(ctx *app.RequestContext, err error) {
	ctx.JSON(statusFromError(err), map[string]string{"error": err.Error()})
}
