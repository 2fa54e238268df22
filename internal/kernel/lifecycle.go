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

package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"exec-kernel/internal/kernel/timers"
	"exec-kernel/internal/runtime/eventbus"
	"exec-kernel/pkg/errors"
	"exec-kernel/pkg/tracing"
	"exec-kernel/pkg/utils"
)

// IsRuntimeReady 返回 runtime != nil && status == running。
// 两者不一致时记录失步告警并强制对齐：running 但没有 Runtime 视为 failed；非运行态残留的 Runtime 被清理。
func (k *Kernel) IsRuntimeReady() bool {
	k.stateMu.Lock()
	defer k.stateMu.Unlock()
	return k.syncRuntimeStateLocked()
}

func (k *Kernel) syncRuntimeStateLocked() bool {
	status := k.state.Status
	switch {
	case status == StatusRunning && k.runtime == nil:
		k.log.Warn("状态与 Runtime 失步：running 但 Runtime 不存在，标记为 failed")
		k.state.Status = StatusFailed
		return false
	case (status == StatusInitialized || status == StatusFailed) && k.runtime != nil:
		k.log.Warn("状态与 Runtime 失步：非运行状态仍持有 Runtime，执行清理", "status", status)
		k.runtime.Cleanup()
		k.runtime = nil
		return false
	}
	return k.runtime != nil && status == StatusRunning
}

// Initialize 启动 Kernel。已 running 时直接返回同一工作流上下文；
// 否则要求 initialized，失败时整体回滚为 failed 并返回错误。
func (k *Kernel) Initialize(ctx context.Context) (*WorkflowContext, error) {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	return k.initializeLocked(ctx)
}

func (k *Kernel) initializeLocked(ctx context.Context) (wf *WorkflowContext, err error) {
	k.stateMu.Lock()
	ready := k.syncRuntimeStateLocked()
	status := k.state.Status
	existing := k.workflow
	k.stateMu.Unlock()
	if ready {
		return existing, nil
	}
	if status != StatusInitialized {
		return nil, errors.Newf(errors.CodeInitializationFailed, OpInitialize, "cannot initialize from status %s", status)
	}

	ctx, span := tracing.StartKernelSpan(ctx, OpInitialize, k.id, k.tenantID)
	defer func() { tracing.EndSpan(span, err) }()

	v, err := k.ExecuteAtomicOperation(ctx, OpInitialize, k.doInitialize, AtomicOptions{})
	if err != nil {
		k.rollbackInitialize()
		k.log.Error("Kernel 初始化失败", "error", err)
		k.syncStatus(StatusFailed, err.Error(), "")
		if errors.CodeOf(err) == "" {
			err = errors.WithCode(errors.CodeInitializationFailed, OpInitialize, err)
		}
		return nil, err
	}
	wf = v.(*WorkflowContext)
	k.log.Info("Kernel 已启动", "workflow_id", wf.ID)
	k.syncStatus(StatusRunning, "initialized", "")
	return wf, nil
}

// doInitialize 在原子操作内执行：构造工作流上下文与 Runtime、设置定时器、切换 running，最后发出 kernel.started 并处理一次队列
func (k *Kernel) doInitialize(ctx context.Context) (any, error) {
	id := k.Identity()
	var wf *WorkflowContext
	if k.workflowFactory != nil {
		created, err := k.workflowFactory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("create workflow context: %w", err)
		}
		wf = created
	}
	if wf == nil {
		wf = &WorkflowContext{
			ID:        uuid.New().String(),
			KernelID:  id.ID,
			TenantID:  id.TenantID,
			JobID:     id.JobID,
			CreatedAt: k.now(),
			Values:    make(map[string]any),
		}
	}

	rt, err := k.newRuntime()
	if err != nil {
		return nil, err
	}

	// 提交与回滚都在 stateMu 下进行：超时回滚之后到达的提交会看到已取消的 ctx
	k.stateMu.Lock()
	if err := ctx.Err(); err != nil {
		k.stateMu.Unlock()
		rt.Cleanup()
		return nil, err
	}
	k.armMonitors()
	k.runtime = rt
	k.workflow = wf
	k.state.Status = StatusRunning
	k.state.StartTime = k.now()
	k.lastSnapshotAt = k.state.StartTime
	k.stateMu.Unlock()

	if _, err := rt.Emit(ctx, eventbus.KernelStarted{KernelID: id.ID, TenantID: id.TenantID, JobID: id.JobID},
		eventbus.EmitOptions{Flush: true}); err != nil {
		return nil, fmt.Errorf("emit %s: %w", eventbus.TypeKernelStarted, err)
	}
	if _, err := rt.Process(ctx, false); err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	return wf, nil
}

// newRuntime 合并中间件与批量配置后创建 Runtime
func (k *Kernel) newRuntime() (eventbus.Runtime, error) {
	var mws []eventbus.Middleware
	if k.cfg.Isolation.EnableEventIsolation {
		mws = append(mws, eventbus.TenantGuard(k.tenantID))
	}
	mws = append(mws, eventbus.WithMetadata(map[string]string{"kernel_id": k.id}))
	mws = append(mws, k.middleware...)

	rc := k.cfg.Runtime
	rt, err := k.runtimeFactory(eventbus.Options{
		TenantID:       k.tenantID,
		QueueSize:      rc.QueueSize,
		EnableBatching: k.cfg.Performance.EnableBatching,
		BatchSize:      utils.FirstPositive(k.cfg.Performance.BatchSize, rc.BatchSize),
		BatchTimeout:   k.cfg.Performance.BatchTimeout,
		MaxRetries:     rc.MaxRetries,
		MaxEmitRate:    rc.MaxEmitRate,
		EmitBurst:      rc.EmitBurst,
		ManualAck:      rc.ManualAck,
		EnableDLQ:      rc.EnableDLQ,
		Middleware:     mws,
		Logger:         k.log,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	if rt == nil {
		return nil, fmt.Errorf("create runtime: factory returned nil")
	}
	for _, b := range k.handlers {
		rt.On(b.eventType, b.handler)
	}
	return rt, nil
}

// armMonitors 设置 DLQ 恢复、配额与自动快照定时器
func (k *Kernel) armMonitors() {
	k.recovery.arm(k.timers)
	k.armQuotaMonitors()
	k.armAutoSnapshot()
}

// rollbackInitialize 初始化失败：failed，清除 Runtime 与工作流上下文，取消监控定时器
func (k *Kernel) rollbackInitialize() {
	k.stateMu.Lock()
	defer k.stateMu.Unlock()
	k.timers.CancelGroup(timers.GroupMonitor)
	k.timers.CancelGroup(timers.GroupPerf)
	if k.runtime != nil {
		k.runtime.Cleanup()
	}
	k.runtime = nil
	k.workflow = nil
	k.state.Status = StatusFailed
}

// Pause 暂停：flush 排队写入、创建并持久化快照，返回快照 hash 作为恢复令牌
func (k *Kernel) Pause(ctx context.Context, reason string) (string, error) {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	return k.pauseLocked(ctx, reason)
}

func (k *Kernel) pauseLocked(ctx context.Context, reason string) (hash string, err error) {
	if status := k.currentStatus(); status != StatusRunning {
		return "", errors.Newf(errors.CodeOperationTimeout, "pause", "cannot pause from status %s", status)
	}
	if reason == "" {
		reason = "manual"
	}
	ctx, span := tracing.StartKernelSpan(ctx, "pause", k.id, k.tenantID)
	defer func() { tracing.EndSpan(span, err) }()

	snap, err := k.persistSnapshot(ctx, "pause")
	if err != nil {
		k.log.Error("暂停时持久化快照失败", "reason", reason, "error", err)
		return "", err
	}

	k.stateMu.Lock()
	k.state.Status = StatusPaused
	k.lastPause = &PauseInfo{Reason: reason, SnapshotHash: snap.Hash, At: k.now()}
	rt := k.runtime
	k.stateMu.Unlock()
	k.timers.CancelName(autoSnapshotTimerName)

	if rt != nil {
		if _, err := rt.Emit(ctx, eventbus.KernelPaused{KernelID: k.id, Reason: reason, SnapshotHash: snap.Hash},
			eventbus.EmitOptions{Flush: true}); err != nil {
			k.log.Warn("发送暂停事件失败", "error", err)
		}
	}
	k.log.Info("Kernel 已暂停", "reason", reason, "snapshot", snap.Hash)
	k.syncStatus(StatusPaused, reason, snap.Hash)
	return snap.Hash, nil
}

// Resume 从快照恢复：要求 paused；快照不存在或校验失败返回 KERNEL_CONTEXT_CORRUPTION
func (k *Kernel) Resume(ctx context.Context, snapshotID string) (err error) {
	k.opMu.Lock()
	defer k.opMu.Unlock()

	if status := k.currentStatus(); status != StatusPaused {
		return errors.Newf(errors.CodeOperationTimeout, "resume", "cannot resume from status %s", status)
	}
	ctx, span := tracing.StartKernelSpan(ctx, "resume", k.id, k.tenantID)
	defer func() { tracing.EndSpan(span, err) }()

	snap, err := k.persistor.GetByHash(ctx, snapshotID)
	if err != nil {
		k.log.Error("读取快照失败", "snapshot", snapshotID, "error", err)
		return fmt.Errorf("resume: load snapshot %s: %w", snapshotID, err)
	}
	if snap == nil {
		return errors.Newf(errors.CodeContextCorruption, "resume", "snapshot %s not found", snapshotID)
	}
	if err := snap.Verify(); err != nil {
		return errors.WithCode(errors.CodeContextCorruption, "resume", err)
	}
	if snap.XCID != k.id {
		return errors.Newf(errors.CodeContextCorruption, "resume", "snapshot %s belongs to %s", snapshotID, snap.XCID)
	}

	if err := k.restoreFromSnapshot(snap); err != nil {
		return errors.WithCode(errors.CodeContextCorruption, "resume", err)
	}

	rt := k.currentRuntime()
	if rt == nil {
		created, err := k.newRuntime()
		if err != nil {
			k.stateMu.Lock()
			k.state.Status = StatusFailed
			k.stateMu.Unlock()
			return errors.WithCode(errors.CodeInitializationFailed, "resume", err)
		}
		k.stateMu.Lock()
		k.runtime = created
		k.stateMu.Unlock()
		rt = created
	}
	k.armAutoSnapshot()
	if !k.cfg.Performance.EnableLazyLoading {
		n := k.store.warm()
		k.log.Debug("恢复后预热缓存", "entries", n)
	}
	if _, err := rt.Emit(ctx, eventbus.KernelResumed{KernelID: k.id, SnapshotHash: snapshotID}, eventbus.EmitOptions{Flush: true}); err != nil {
		k.log.Warn("发送恢复事件失败", "error", err)
	}
	k.log.Info("Kernel 已从快照恢复", "snapshot", snapshotID)
	k.syncStatus(StatusRunning, "resumed", snapshotID)
	return nil
}

// Complete 完成执行；已 completed 时为空操作
func (k *Kernel) Complete(ctx context.Context, result any) (err error) {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	if k.currentStatus() == StatusCompleted {
		return nil
	}
	ctx, span := tracing.StartKernelSpan(ctx, "complete", k.id, k.tenantID)
	defer func() { tracing.EndSpan(span, err) }()

	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("complete: marshal result: %w", err)
		}
		raw = data
	}

	k.store.flush()
	k.stateMu.Lock()
	k.state.Status = StatusCompleted
	k.result = raw
	rt := k.runtime
	k.stateMu.Unlock()

	// 释放性能相关资源
	k.timers.CancelGroup(timers.GroupPerf)
	k.store.dropQueue()
	k.cancelQuotaMonitors()

	if rt != nil {
		if _, err := rt.Emit(ctx, eventbus.KernelCompleted{KernelID: k.id, Result: raw}, eventbus.EmitOptions{Flush: true}); err != nil {
			k.log.Warn("发送完成事件失败", "error", err)
		}
	}
	k.log.Info("Kernel 已完成")
	k.syncStatus(StatusCompleted, "completed", "")
	return nil
}

// Reset 销毁 Runtime，清空缓存、排队写入与性能定时器，状态回到全新的 initialized
func (k *Kernel) Reset() {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	k.resetLocked()
	k.syncStatus(StatusInitialized, "reset", "")
}

func (k *Kernel) resetLocked() {
	k.timers.CancelGroup(timers.GroupPerf)
	k.store.reset()
	k.cache.Clear()
	if k.seen != nil {
		k.seen.Clear()
	}
	k.stateMu.Lock()
	defer k.stateMu.Unlock()
	if k.runtime != nil {
		k.runtime.Clear()
		k.runtime.Cleanup()
	}
	k.runtime = nil
	k.workflow = nil
	k.state = k.freshState()
	k.lastPause = nil
	k.lastSnapshotAt = time.Time{}
	k.eventsSinceSnapshot = 0
	k.lastEventType = ""
	k.lastEventAt = time.Time{}
	k.result = nil
}

// Clear 在 Reset 的基础上取消 DLQ 恢复与配额监控定时器
func (k *Kernel) Clear() {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	k.resetLocked()
	k.recovery.disarm(k.timers)
	k.cancelQuotaMonitors()
	k.timers.CancelAll()
	k.recovery.resetAttempts()
	k.syncStatus(StatusInitialized, "cleared", "")
}

// RecoverFromError 从 failed 恢复：running 且 Runtime 就绪返回 true；failed 时 reset 后重新初始化；其他状态返回 false
func (k *Kernel) RecoverFromError(ctx context.Context) bool {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	if k.IsRuntimeReady() {
		return true
	}
	if k.currentStatus() != StatusFailed {
		return false
	}
	k.log.Info("尝试从 failed 状态恢复")
	k.resetLocked()
	if _, err := k.initializeLocked(ctx); err != nil {
		k.log.Error("恢复失败", "error", err)
		return false
	}
	return true
}
