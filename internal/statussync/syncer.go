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

// Package statussync 把 Kernel 状态迁移尽力同步到外部系统；同步失败只记录与计数，从不影响主流程
package statussync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"exec-kernel/pkg/config"
	"exec-kernel/pkg/errors"
	"exec-kernel/pkg/log"
	"exec-kernel/pkg/metrics"
)

// Update 一次状态迁移
type Update struct {
	KernelID     string    `json:"kernel_id"`
	TenantID     string    `json:"tenant_id"`
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	SnapshotHash string    `json:"snapshot_hash,omitempty"`
	EventCount   int64     `json:"event_count"`
	At           time.Time `json:"at"`
}

// Syncer 状态同步器。Sync 自行记录失败并返回 Outcome，从不 panic 或阻塞超过配置的超时
type Syncer interface {
	Sync(ctx context.Context, u Update) errors.Outcome
}

// Noop 不做同步
type Noop struct{}

// Sync 总是成功
func (Noop) Sync(context.Context, Update) errors.Outcome { return errors.Ok("status_sync") }

// Webhook 以 JSON POST 推送状态
type Webhook struct {
	client *resty.Client
	url    string
	log    *log.Logger
}

// New 按配置创建同步器；未启用时返回 Noop
func New(cfg config.StatusSyncConfig, logger *log.Logger) Syncer {
	if !cfg.Enable || cfg.URL == "" {
		return Noop{}
	}
	return NewWebhook(cfg, logger)
}

// NewWebhook 创建 webhook 同步器
func NewWebhook(cfg config.StatusSyncConfig, logger *log.Logger) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &Webhook{client: client, url: cfg.URL, log: logger.With("component", "statussync")}
}

// Sync 推送一次状态；失败记录日志并计数，返回失败的 Outcome
func (w *Webhook) Sync(ctx context.Context, u Update) errors.Outcome {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(u).
		Post(w.url)
	if err == nil && resp.IsError() {
		err = fmt.Errorf("POST %s: %s", w.url, resp.Status())
	}
	if err != nil {
		metrics.StatusSyncFailTotal.Inc()
		w.log.Warn("执行状态同步失败", "kernel_id", u.KernelID, "status", u.Status, "error", err)
		return errors.Failed("status_sync", err)
	}
	return errors.Ok("status_sync")
}
