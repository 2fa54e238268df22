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
	"runtime"
	"runtime/debug"

	"exec-kernel/internal/kernel/timers"
	"exec-kernel/internal/runtime/eventbus"
	"exec-kernel/internal/runtime/snapshotstore"
	"exec-kernel/pkg/errors"
	"exec-kernel/pkg/metrics"
)

// 配额类型
const (
	QuotaDuration = "duration"
	QuotaMemory   = "memory"
	QuotaEvents   = "events"
)

const (
	durationTimerName = "quota.duration"
	memoryTimerName   = "quota.memory"
)

// QuotaPauseReason 配额超限触发的暂停原因
func QuotaPauseReason(quota string) string {
	return "quota-exceeded-" + quota
}

// heapInUse 当前堆占用字节数
func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// armQuotaMonitors Initialize 时设置时长（一次性）与内存（周期）监控。
// 每次布置都推进配额代数，旧定时器的回调据此识别自己已过期。
func (k *Kernel) armQuotaMonitors() {
	q := k.cfg.Quotas
	gen := k.quotaGen.Add(1)
	if q.MaxDuration > 0 {
		k.timers.Replace(timers.GroupMonitor, durationTimerName, q.MaxDuration, func() {
			k.handleDurationQuota(gen)
		})
	}
	if q.MaxMemory > 0 {
		k.timers.CancelName(memoryTimerName)
		k.timers.Every(timers.GroupMonitor, memoryTimerName, k.cfg.Monitor.MemoryCheckInterval, k.checkMemoryQuota)
	}
}

func (k *Kernel) cancelQuotaMonitors() {
	k.quotaGen.Add(1)
	k.timers.CancelName(durationTimerName)
	k.timers.CancelName(memoryTimerName)
}

// checkMemoryQuota 周期检查堆占用；超限先做内存清理再触发暂停
func (k *Kernel) checkMemoryQuota() {
	if k.currentStatus() != StatusRunning {
		return
	}
	if k.memReader() <= k.cfg.Quotas.MaxMemory {
		return
	}
	_ = k.cleanupMemory(context.Background())
	k.handleQuotaExceeded(QuotaMemory)
}

// checkEventQuotaLocked SendEvent 计数后同步检查；调用方持有 opMu
func (k *Kernel) checkEventQuotaLocked(count int64) {
	if limit := k.cfg.Quotas.MaxEvents; limit > 0 && count >= limit {
		k.handleQuotaExceededLocked(QuotaEvents)
	}
}

// handleDurationQuota 时长定时器回调：等待 opMu 期间若已 Reset 并重新 Initialize，
// 代数不再匹配，本次触发属于上一轮运行，直接丢弃
func (k *Kernel) handleDurationQuota(gen uint64) {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	if k.quotaGen.Load() != gen {
		k.log.Debug("过期的时长配额触发，忽略", "generation", gen)
		return
	}
	k.handleQuotaExceededLocked(QuotaDuration)
}

// handleQuotaExceeded 定时器回调入口：获取生命周期锁后暂停
func (k *Kernel) handleQuotaExceeded(quota string) {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	k.handleQuotaExceededLocked(quota)
}

// handleQuotaExceededLocked 执行 Pause("quota-exceeded-<type>")。从不返回错误：
// 非 running 状态直接忽略，暂停失败只记录日志，Kernel 保持可用。
func (k *Kernel) handleQuotaExceededLocked(quota string) {
	if k.currentStatus() != StatusRunning {
		k.log.Debug("配额超限但 Kernel 未运行，忽略", "quota", quota)
		return
	}
	metrics.QuotaExceededTotal.WithLabelValues(k.tenantID, quota).Inc()
	k.log.Warn("配额超限，暂停执行", "quota", quota)

	ctx := context.Background()
	if rt := k.currentRuntime(); rt != nil {
		if _, err := rt.Emit(ctx, eventbus.QuotaExceeded{KernelID: k.id, Quota: quota}, eventbus.EmitOptions{Flush: true}); err != nil {
			k.log.Warn("发送配额超限事件失败", "quota", quota, "error", err)
		}
	}
	if _, err := k.pauseLocked(ctx, QuotaPauseReason(quota)); err != nil {
		k.log.Error("配额超限暂停失败", "quota", quota, "error", err)
	}
}

// cleanupMemory 尽力而为的内存清理：flush 排队写入、清理旧快照、触发 GC。
// 从不向上传播错误，失败记录在返回的 Outcome 中。
func (k *Kernel) cleanupMemory(ctx context.Context) errors.Outcome {
	k.store.flush()
	var out = errors.Ok("memory_cleanup")
	if c, ok := k.persistor.(snapshotstore.Cleaner); ok {
		if err := c.CleanupOldSnapshots(ctx); err != nil {
			k.log.Warn("清理旧快照失败", "error", err)
			out = errors.Failed("memory_cleanup", err)
		}
	}
	runtime.GC()
	debug.FreeOSMemory()
	return out
}
