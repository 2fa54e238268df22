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

package app

import (
	"context"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"exec-kernel/internal/runtime/snapshotstore"
	"exec-kernel/internal/statussync"
	"exec-kernel/pkg/config"
	"exec-kernel/pkg/log"
	"exec-kernel/pkg/secrets"
	"exec-kernel/pkg/tracing"
	"exec-kernel/pkg/utils"
)

// Bootstrap 统一初始化：日志、secret 解析、快照存储、状态同步与链路追踪，供 cmd 与 HTTP 应用复用
type Bootstrap struct {
	Config    *config.Config
	Logger    *log.Logger
	Secrets   secrets.Store
	Persistor snapshotstore.Persistor
	Syncer    statussync.Syncer

	tracer *sdktrace.TracerProvider
}

// NewBootstrap 根据配置创建 Bootstrap；cfg 中的 secret: 引用在此解析
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	store, err := secrets.NewStore(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("初始化 secret 存储失败: %w", err)
	}
	// 只解析会被用到的字段，未启用的组件允许保留未配置的引用
	var refs []*string
	switch cfg.Persistor.Type {
	case "postgres":
		refs = append(refs, &cfg.Persistor.DSN)
	case "redis":
		refs = append(refs, &cfg.Persistor.Password)
	}
	if cfg.StatusSync.Enable {
		refs = append(refs, &cfg.StatusSync.Token)
	}
	if err := secrets.ResolveAll(ctx, store, refs...); err != nil {
		return nil, fmt.Errorf("解析 secret 引用失败: %w", err)
	}

	persistor, err := snapshotstore.NewPersistor(ctx, cfg.Persistor)
	if err != nil {
		return nil, fmt.Errorf("初始化快照存储失败: %w", err)
	}
	logger.Info("快照存储已就绪", "type", utils.CoalesceString(cfg.Persistor.Type, "memory"))

	b := &Bootstrap{
		Config:    cfg,
		Logger:    logger,
		Secrets:   store,
		Persistor: persistor,
		Syncer:    statussync.New(cfg.StatusSync, logger),
	}

	tc := cfg.Monitoring.Tracing
	if tc.Enable && !tc.ServerTracing && tc.ExportEndpoint != "" {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    tc.ServiceName,
			ExportEndpoint: tc.ExportEndpoint,
			Insecure:       tc.Insecure,
		})
		if err != nil {
			logger.Warn("初始化链路追踪失败，将不导出 span", "error", err)
		} else {
			b.tracer = tp
			logger.Info("Kernel 链路追踪已启用", "endpoint", tc.ExportEndpoint)
		}
	}
	return b, nil
}

// Close 释放快照存储连接、导出剩余 span 并关闭日志文件
func (b *Bootstrap) Close(ctx context.Context) error {
	var firstErr error
	if c, ok := b.Persistor.(snapshotstore.Closer); ok {
		if err := c.Close(); err != nil {
			firstErr = err
		}
	}
	if b.tracer != nil {
		if err := b.tracer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.Logger.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
