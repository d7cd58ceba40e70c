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

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/noetl/noetl-sub001/internal/keychain"
	"github.com/noetl/noetl-sub001/internal/playbook"
)

// SetKeychain 注入凭据解析器；未注入时凭据端点返回 503
func (h *Handler) SetKeychain(r *keychain.Resolver) {
	h.keychain = r
}

// ResolveCredential worker 解密凭据。响应只进请求方内存：
// 该端点的出入参一律不写日志，worker 侧备忘缓存上限 60s。
// POST /api/credentials/resolve
func (h *Handler) ResolveCredential(c context.Context, ctx *app.RequestContext) {
	var req struct {
		Name        string `json:"name"`
		ExecutionID int64  `json:"execution_id"`
		CatalogID   int64  `json:"catalog_id"`
	}
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}
	if req.Name == "" || req.CatalogID == 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "缺少 name 或 catalog_id"})
		return
	}
	if h.keychain == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "凭据服务未配置"})
		return
	}

	var decl *playbook.KeychainDecl
	if pb, err := h.catalog.Playbook(c, req.CatalogID); err == nil {
		for _, d := range pb.Keychain {
			if d.Name == req.Name {
				decl = d
				break
			}
		}
	}

	data, err := h.keychain.Resolve(c, req.CatalogID, req.Name, req.ExecutionID, decl)
	if err != nil {
		fail(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"data": data})
}
