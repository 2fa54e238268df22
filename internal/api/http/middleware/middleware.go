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

package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"exec-kernel/pkg/auth"
	"exec-kernel/pkg/log"
)

// TenantHeader 调用方声明的租户
const TenantHeader = "X-Tenant-ID"

// Middleware 中间件管理器
type Middleware struct {
	logger *log.Logger
}

// NewMiddleware 创建中间件管理器；logger 为 nil 时不记录访问日志
func NewMiddleware(logger *log.Logger) *Middleware {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Middleware{logger: logger.With("component", "http")}
}

// CORS 跨域
func (m *Middleware) CORS() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, "+TenantHeader)
		c.Header("Access-Control-Max-Age", "86400")

		if string(c.Method()) == consts.MethodOptions {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// AccessLog 请求访问日志
func (m *Middleware) AccessLog() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		status := c.Response.StatusCode()
		args := []any{
			"method", string(c.Method()),
			"path", string(c.Path()),
			"status", status,
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		}
		if tenant := string(c.GetHeader(TenantHeader)); tenant != "" {
			args = append(args, "tenant_id", tenant)
		}
		if status >= consts.StatusInternalServerError {
			m.logger.Error("HTTP 请求失败", args...)
			return
		}
		m.logger.Debug("HTTP 请求", args...)
	}
}

// Tenant 将租户头写入请求 context，供后续中间件与 handler 读取
func (m *Middleware) Tenant() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		c.Next(auth.WithTenantID(ctx, string(c.GetHeader(TenantHeader))))
	}
}

// TenantScope 执行 ID 形如 tenant:job；请求声明了租户时只能访问该租户的执行
func (m *Middleware) TenantScope() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		owner, _, _ := strings.Cut(c.Param("id"), ":")
		if !auth.Allows(ctx, owner) {
			c.AbortWithStatusJSON(consts.StatusForbidden, map[string]string{
				"error": "execution belongs to another tenant",
			})
			return
		}
		c.Next(ctx)
	}
}
