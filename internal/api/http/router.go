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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"

	"github.com/noetl/noetl-sub001/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler *Handler
	mw      *middleware.Middleware
	jwtAuth *jwt.HertzJWTMiddleware
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, mw: mw}
}

// SetJWT 启用 JWT 认证（可选，由配置开关）
func (r *Router) SetJWT(auth *jwt.HertzJWTMiddleware) {
	r.jwtAuth = auth
}

// Build 构建 Hertz 服务并挂载路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	s := server.Default(opts...)

	s.GET("/health", r.handler.HealthCheck)
	s.GET("/metrics", r.handler.Metrics)

	api := s.Group("/api", r.mw.CORS())
	if r.mw.RateLimitEnabled() {
		api.Use(r.mw.RateLimit())
	}
	if r.jwtAuth != nil {
		s.POST("/api/login", r.jwtAuth.LoginHandler)
		api.Use(r.jwtAuth.MiddlewareFunc())
	}

	catalog := api.Group("/catalog")
	{
		catalog.POST("/register", r.handler.RegisterPlaybook)
		catalog.GET("", r.handler.ListPlaybooks)
		catalog.GET("/:id", r.handler.GetPlaybook)
	}

	// /execute 为旧客户端保留的别名路由
	api.POST("/execute", r.handler.RunExecution)

	executions := api.Group("/executions")
	{
		executions.POST("/run", r.handler.RunExecution)
		executions.GET("/:id", r.handler.GetExecution)
		executions.GET("/:id/events", r.handler.ListExecutionEvents)
		executions.POST("/:id/cancel", r.handler.CancelExecution)
	}

	q := api.Group("/queue")
	{
		q.POST("/lease", r.handler.LeaseJob)
		q.GET("/stats", r.handler.QueueStats)
		q.POST("/:id/heartbeat", r.handler.HeartbeatJob)
		q.POST("/:id/complete", r.handler.CompleteJob)
		q.POST("/:id/fail", r.handler.FailJob)
	}

	api.POST("/events", r.handler.AppendEvent)
	api.POST("/context/render", r.handler.RenderContext)
	api.POST("/credentials/resolve", r.handler.ResolveCredential)
	api.GET("/system/status", r.handler.SystemStatus)

	return s
}
