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
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"exec-kernel/internal/kernel"
	"exec-kernel/internal/runtime/eventbus"
	"exec-kernel/pkg/auth"
	"exec-kernel/pkg/config"
	"exec-kernel/pkg/errors"
	"exec-kernel/pkg/metrics"
)

// Handler 执行内核管理面 HTTP 处理器
type Handler struct {
	manager *kernel.Manager
	started time.Time
}

// NewHandler 创建处理器
func NewHandler(manager *kernel.Manager) *Handler {
	return &Handler{manager: manager, started: time.Now()}
}

// HealthCheck 健康检查
// GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	executions := 0
	if h.manager != nil {
		executions = h.manager.Len()
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"status":     "ok",
		"timestamp":  time.Now().Unix(),
		"uptime":     time.Since(h.started).Round(time.Second).String(),
		"executions": executions,
	})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	ctx.Response.Header.SetContentType("text/plain; version=0.0.4; charset=utf-8")
	if err := metrics.WritePrometheus(ctx.Response.BodyWriter()); err != nil {
		hlog.CtxErrorf(c, "write metrics: %v", err)
		ctx.SetStatusCode(consts.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(consts.StatusOK)
}

type quotaRequest struct {
	MaxDuration string `json:"max_duration"`
	MaxMemory   uint64 `json:"max_memory"`
	MaxEvents   int64  `json:"max_events"`
}

type createExecutionRequest struct {
	TenantID string        `json:"tenant_id"`
	JobID    string        `json:"job_id"`
	Quotas   *quotaRequest `json:"quotas"`
}

// CreateExecution 创建并初始化执行
// POST /api/executions
func (h *Handler) CreateExecution(c context.Context, ctx *app.RequestContext) {
	var req createExecutionRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.TenantID == "" {
		req.TenantID = auth.GetTenantID(c)
	}
	if req.TenantID == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "tenant_id is required"})
		return
	}
	if !auth.Allows(c, req.TenantID) {
		ctx.JSON(consts.StatusForbidden, map[string]string{"error": "tenant_id does not match caller tenant"})
		return
	}
	var quotas *config.QuotaConfig
	if req.Quotas != nil {
		q := config.QuotaConfig{MaxMemory: req.Quotas.MaxMemory, MaxEvents: req.Quotas.MaxEvents}
		if req.Quotas.MaxDuration != "" {
			d, err := time.ParseDuration(req.Quotas.MaxDuration)
			if err != nil || d < 0 {
				ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid quotas.max_duration"})
				return
			}
			q.MaxDuration = d
		}
		quotas = &q
	}

	k, err := h.manager.Create(req.TenantID, req.JobID, quotas)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	wf, err := k.Initialize(c)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, map[string]any{
		"id":       k.ID(),
		"workflow": wf,
		"status":   k.GetStatus(),
	})
}

// ListExecutions 列出执行
// GET /api/executions
func (h *Handler) ListExecutions(c context.Context, ctx *app.RequestContext) {
	list := h.manager.List()
	out := make([]kernel.StatusReport, 0, len(list))
	for _, k := range list {
		if !auth.Allows(c, k.Identity().TenantID) {
			continue
		}
		out = append(out, k.GetStatus())
	}
	ctx.JSON(consts.StatusOK, map[string]any{"executions": out, "total": len(out)})
}

// lookup 取路径中的执行；不存在时已写入 404
func (h *Handler) lookup(c context.Context, ctx *app.RequestContext) (*kernel.Kernel, bool) {
	id := ctx.Param("id")
	if id == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "execution id is required"})
		return nil, false
	}
	k, err := h.manager.MustGet(id)
	if err != nil {
		writeError(c, ctx, err)
		return nil, false
	}
	return k, true
}

// GetExecution 执行的完整状态
// GET /api/executions/:id
func (h *Handler) GetExecution(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	ctx.JSON(consts.StatusOK, k.GetComprehensiveStatus())
}

// GetExecutionStatus 执行的权威状态
// GET /api/executions/:id/status
func (h *Handler) GetExecutionStatus(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	ctx.JSON(consts.StatusOK, k.GetStatus())
}

// DeleteExecution 清理并移除执行
// DELETE /api/executions/:id
func (h *Handler) DeleteExecution(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if !h.manager.Remove(id) {
		writeError(c, ctx, fmt.Errorf("kernel %s: %w", id, errors.ErrNotFound))
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"id": id, "status": "removed"})
}

type sendEventRequest struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Data     json.RawMessage   `json:"data"`
	Metadata map[string]string `json:"metadata"`
	Process  bool              `json:"process"`
}

// SendEvent 发送事件；process=true 时随后排空一次队列
// POST /api/executions/:id/events
func (h *Handler) SendEvent(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	var req sendEventRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Type == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}
	payload, err := eventbus.ParsePayload(req.Type, req.Data)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if eventbus.IsKernelEvent(payload) {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": fmt.Sprintf("event type %s is reserved", req.Type)})
		return
	}

	res, err := k.SendEvent(c, kernel.Event{ID: req.ID, Payload: payload, Metadata: req.Metadata})
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	body := map[string]any{"result": res, "status": k.GetStatus().Status}
	if req.Process && k.IsRuntimeReady() {
		pr, err := k.ProcessEvents(c)
		if err != nil {
			writeError(c, ctx, err)
			return
		}
		body["processed"] = pr
	}
	ctx.JSON(consts.StatusAccepted, body)
}

// ProcessEvents 排空事件队列
// POST /api/executions/:id/process
func (h *Handler) ProcessEvents(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	res, err := k.ProcessWithAcks(c)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, res)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

// Pause 暂停执行并返回快照 hash
// POST /api/executions/:id/pause
func (h *Handler) Pause(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	var req pauseRequest
	if len(ctx.Request.Body()) > 0 {
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	hash, err := k.Pause(c, req.Reason)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"snapshot_hash": hash, "status": string(kernel.StatusPaused)})
}

type resumeRequest struct {
	SnapshotHash string `json:"snapshot_hash"`
}

// Resume 从快照恢复
// POST /api/executions/:id/resume
func (h *Handler) Resume(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	var req resumeRequest
	if err := ctx.BindJSON(&req); err != nil || req.SnapshotHash == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "snapshot_hash is required"})
		return
	}
	if err := k.Resume(c, req.SnapshotHash); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, k.GetStatus())
}

type completeRequest struct {
	Result json.RawMessage `json:"result"`
}

// Complete 完成执行
// POST /api/executions/:id/complete
func (h *Handler) Complete(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	var req completeRequest
	if len(ctx.Request.Body()) > 0 {
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	var result any
	if len(req.Result) > 0 {
		result = req.Result
	}
	if err := k.Complete(c, result); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, k.GetStatus())
}

// Reset 重置执行
// POST /api/executions/:id/reset
func (h *Handler) Reset(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	k.Reset()
	ctx.JSON(consts.StatusOK, k.GetStatus())
}

// Recover 从 failed 状态恢复
// POST /api/executions/:id/recover
func (h *Handler) Recover(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	recovered := k.RecoverFromError(c)
	ctx.JSON(consts.StatusOK, map[string]any{"recovered": recovered, "status": k.GetStatus()})
}

// GetContext 读取上下文
// GET /api/executions/:id/context/:namespace/:key?thread_id=
func (h *Handler) GetContext(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	ns, key := ctx.Param("namespace"), ctx.Param("key")
	v, found := k.GetContext(ns, key, ctx.Query("thread_id"))
	if !found {
		ctx.JSON(consts.StatusNotFound, map[string]string{"error": fmt.Sprintf("context %s/%s not found", ns, key)})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"namespace": ns, "key": key, "value": v})
}

type putContextRequest struct {
	Value    any    `json:"value"`
	ThreadID string `json:"thread_id"`
}

// PutContext 写入上下文
// PUT /api/executions/:id/context/:namespace/:key
func (h *Handler) PutContext(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	var req putContextRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	ns, key := ctx.Param("namespace"), ctx.Param("key")
	k.SetContext(ns, key, req.Value, req.ThreadID)
	ctx.JSON(consts.StatusOK, map[string]any{"namespace": ns, "key": key, "value": req.Value})
}

// TriggerRecovery 手动触发 DLQ 恢复
// POST /api/executions/:id/recovery
func (h *Handler) TriggerRecovery(c context.Context, ctx *app.RequestContext) {
	k, ok := h.lookup(c, ctx)
	if !ok {
		return
	}
	ops := k.GetRecoveryOperations()
	res, err := ops.Trigger(c)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"reprocessed": res.ReprocessedCount,
		"recovery":    ops.Status(),
		"dlq":         k.GetDLQOperations().Stats(),
	})
}

// writeError 错误码到 HTTP 状态码的映射
func writeError(c context.Context, ctx *app.RequestContext, err error) {
	status := statusFor(err)
	body := map[string]string{"error": err.Error()}
	if code := errors.CodeOf(err); code != "" {
		body["code"] = string(code)
	}
	if status >= consts.StatusInternalServerError {
		hlog.CtxErrorf(c, "request %s failed: %v", ctx.Path(), err)
	}
	ctx.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return consts.StatusNotFound
	case errors.Is(err, kernel.ErrExists):
		return consts.StatusConflict
	case errors.Is(err, kernel.ErrOperationInProgress),
		errors.Is(err, kernel.ErrTooManyOperations),
		errors.Is(err, kernel.ErrRecoveryExhausted):
		return consts.StatusTooManyRequests
	case errors.Is(err, kernel.ErrRuntimeUnavailable):
		return consts.StatusConflict
	}
	switch errors.CodeOf(err) {
	case errors.CodeInitializationFailed:
		return consts.StatusConflict
	case errors.CodeOperationTimeout:
		return consts.StatusConflict
	case errors.CodeContextCorruption, errors.CodeSnapshotUnserializable:
		return consts.StatusUnprocessableEntity
	}
	return consts.StatusInternalServerError
}
