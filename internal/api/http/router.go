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

	"exec-kernel/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler        *Handler
	middleware     *middleware.Middleware
	metricsEnabled bool
}

// NewRouter 创建路由器；默认暴露 /metrics
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw, metricsEnabled: true}
}

// SetMetricsEnabled 是否注册 /metrics（monitoring.prometheus.enable）
func (r *Router) SetMetricsEnabled(enabled bool) {
	r.metricsEnabled = enabled
}

// Build 创建 Hertz 服务并注册路由；opts 追加在监听地址之后（如链路追踪）
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	h := server.Default(append([]config.Option{server.WithHostPorts(addr)}, opts...)...)
	r.register(h)
	return h
}

func (r *Router) register(h *server.Hertz) {
	h.Use(r.middleware.AccessLog(), r.middleware.CORS(), r.middleware.Tenant())
	if r.metricsEnabled {
		h.GET("/metrics", r.handler.Metrics)
	}

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)

	executions := api.Group("/executions")
	{
		executions.POST("", r.handler.CreateExecution)
		executions.GET("", r.handler.ListExecutions)

		scoped := executions.Group("/:id", r.middleware.TenantScope())
		scoped.GET("", r.handler.GetExecution)
		scoped.DELETE("", r.handler.DeleteExecution)
		scoped.GET("/status", r.handler.GetExecutionStatus)
		scoped.POST("/events", r.handler.SendEvent)
		scoped.POST("/process", r.handler.ProcessEvents)
		scoped.POST("/pause", r.handler.Pause)
		scoped.POST("/resume", r.handler.Resume)
		scoped.POST("/complete", r.handler.Complete)
		scoped.POST("/reset", r.handler.Reset)
		scoped.POST("/recover", r.handler.Recover)
		scoped.POST("/recovery", r.handler.TriggerRecovery)
		scoped.GET("/context/:namespace/:key", r.handler.GetContext)
		scoped.PUT("/context/:namespace/:key", r.handler.PutContext)
	}
}
