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

// Package middleware HTTP 中间件：CORS、限流、JWT 认证
package middleware

import (
	"context"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"

	"github.com/noetl/noetl-sub001/pkg/config"
)

// Middleware 中间件集合
type Middleware struct {
	cors    config.CORSConfig
	limiter *rate.Limiter
}

// NewMiddleware 按配置创建中间件集合
func NewMiddleware(cors config.CORSConfig, mw config.MiddlewareConfig) *Middleware {
	m := &Middleware{cors: cors}
	if mw.RateLimit {
		rps := mw.RateLimitRPS
		if rps <= 0 {
			rps = 100
		}
		m.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	return m
}

// CORS CORS 中间件
func (m *Middleware) CORS() app.HandlerFunc {
	origin := "*"
	if m.cors.Enable && len(m.cors.AllowOrigins) > 0 {
		origin = strings.Join(m.cors.AllowOrigins, ", ")
	}
	return func(ctx context.Context, c *app.RequestContext) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")
		if string(c.Method()) == "OPTIONS" {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// RateLimitEnabled 限流是否启用
func (m *Middleware) RateLimitEnabled() bool {
	return m.limiter != nil
}

// RateLimit 限流中间件；超限返回 429
func (m *Middleware) RateLimit() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if !m.limiter.Allow() {
			c.JSON(consts.StatusTooManyRequests, map[string]string{
				"error": "请求过于频繁，请稍后再试",
			})
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}
