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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"exec-kernel/internal/api/http"
	"exec-kernel/internal/api/http/middleware"
	"exec-kernel/internal/app"
	"exec-kernel/internal/kernel"
	"exec-kernel/pkg/log"
	"exec-kernel/pkg/utils"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App 管理面应用：装配 Kernel Manager 与 HTTP Router
type App struct {
	config       *app.Bootstrap
	manager      *kernel.Manager
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	logFile      *os.File
}

// NewApp 创建 API 应用；opts 追加到每个 Kernel 的默认选项之后（如自定义 Runtime 工厂）
func NewApp(bootstrap *app.Bootstrap, opts ...kernel.Option) (*App, error) {
	if bootstrap == nil || bootstrap.Config == nil {
		return nil, fmt.Errorf("bootstrap 未初始化")
	}
	cfg := bootstrap.Config
	kernelOpts := append([]kernel.Option{
		kernel.WithPersistor(bootstrap.Persistor),
		kernel.WithLogger(bootstrap.Logger),
		kernel.WithStatusSyncer(bootstrap.Syncer),
	}, opts...)
	manager := kernel.NewManager(cfg.Kernel, kernelOpts...)

	router := http.NewRouter(http.NewHandler(manager), middleware.NewMiddleware(bootstrap.Logger))
	router.SetMetricsEnabled(cfg.Monitoring.Prometheus.Enable)

	return &App{
		config:  bootstrap,
		manager: manager,
		router:  router,
	}, nil
}

// Manager 返回 Kernel 管理器
func (a *App) Manager() *kernel.Manager {
	return a.manager
}

// Run 启动 HTTP 服务，阻塞直到服务退出
func (a *App) Run(addr string) error {
	a.config.Logger.Info("Kernel 管理面启动", "addr", addr)
	cfg := a.config.Config

	// Hertz 访问与框架日志走 slog 扩展，级别与 bootstrap 对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
		a.logFile = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	tc := cfg.Monitoring.Tracing
	exportEndpoint := utils.CoalesceString(tc.ExportEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if tc.Enable && tc.ServerTracing && exportEndpoint != "" {
		serviceName := utils.CoalesceString(tc.ServiceName, "exec-kernel")
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(exportEndpoint),
		}
		if tc.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
		tracerOpt, tracerCfg := hertztracing.NewServerTracer()
		a.hertz = a.router.Build(addr, tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
		a.config.Logger.Info("HTTP 链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
	} else {
		a.hertz = a.router.Build(addr)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭：先暂停运行中的 Kernel 落盘快照，再停 HTTP 与导出器
func (a *App) Shutdown(ctx context.Context) error {
	a.manager.Shutdown(ctx)
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
	return a.config.Close(ctx)
}
