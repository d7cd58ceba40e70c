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

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// RegisterPlaybook 注册剧本到目录
// POST /api/catalog/register
func (h *Handler) RegisterPlaybook(c context.Context, ctx *app.RequestContext) {
	var req struct {
		Content string `json:"content"`
		Path    string `json:"path"`
		Version string `json:"version"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}
	if req.Content == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "content 不能为空"})
		return
	}
	id, version, err := h.catalog.Register(c, req.Path, req.Version, req.Content)
	if err != nil {
		fail(ctx, err)
		return
	}
	entry, err := h.catalog.Get(c, id)
	if err != nil {
		fail(ctx, err)
		return
	}
	h.logger.Info("剧本已注册", "catalog_id", id, "path", entry.Path, "version", version)
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status":     "registered",
		"catalog_id": id,
		"path":       entry.Path,
		"version":    version,
	})
}

// ListPlaybooks 列出目录；带 path 查询时按 (path, version) 定位单条
// GET /api/catalog?path=&version=
func (h *Handler) ListPlaybooks(c context.Context, ctx *app.RequestContext) {
	if path := ctx.Query("path"); path != "" {
		entry, err := h.catalog.Resolve(c, path, ctx.Query("version"))
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, entry)
		return
	}
	entries, err := h.catalog.List(c)
	if err != nil {
		fail(ctx, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"catalog_id": e.CatalogID,
			"path":       e.Path,
			"version":    e.Version,
			"created_at": e.CreatedAt,
		})
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"entries": out,
		"total":   len(out),
	})
}

// GetPlaybook 按 catalog_id 取条目（含原始内容）
// GET /api/catalog/:id
func (h *Handler) GetPlaybook(c context.Context, ctx *app.RequestContext) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "catalog_id 必须是整数"})
		return
	}
	entry, err := h.catalog.Get(c, id)
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, entry)
}
