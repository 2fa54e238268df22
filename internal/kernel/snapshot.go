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
	"fmt"
	"time"

	"exec-kernel/internal/kernel/timers"
	"exec-kernel/internal/runtime/snapshotstore"
	"exec-kernel/pkg/errors"
	"exec-kernel/pkg/metrics"
	"exec-kernel/pkg/tracing"
)

const autoSnapshotTimerName = "snapshot.auto"

// createSnapshot 由当前状态生成快照：flush 排队写入后深拷贝上下文与状态数据
func (k *Kernel) createSnapshot() (*snapshotstore.Snapshot, error) {
	contextData, err := k.store.snapshotData()
	if err != nil {
		return nil, err
	}
	pending := k.atomic.pendingIDs()

	k.stateMu.RLock()
	stateData, err := deepCopyJSON(k.state.StateData)
	if err != nil {
		k.stateMu.RUnlock()
		return nil, errors.WithCode(errors.CodeSnapshotUnserializable, "snapshot", err)
	}
	st := k.state.toSnapshot(contextData, stateData, pending)
	k.stateMu.RUnlock()

	snap, err := snapshotstore.New(st, k.now())
	if err != nil {
		return nil, errors.WithCode(errors.CodeSnapshotUnserializable, "snapshot", err)
	}
	return snap, nil
}

// persistSnapshot 创建并写入快照；UseDelta 时以增量方式写入
func (k *Kernel) persistSnapshot(ctx context.Context, trigger string) (snap *snapshotstore.Snapshot, err error) {
	ctx, span := tracing.StartSnapshotSpan(ctx, k.id, trigger)
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.SnapshotTotal.WithLabelValues(trigger, result).Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		tracing.EndSpan(span, err)
	}()

	snap, err = k.createSnapshot()
	if err != nil {
		return nil, err
	}
	if err := k.persistor.Append(ctx, snap, snapshotstore.AppendOptions{UseDelta: k.cfg.Performance.AutoSnapshot.UseDelta}); err != nil {
		return nil, fmt.Errorf("append snapshot %s: %w", snap.Hash, err)
	}

	k.stateMu.Lock()
	k.lastSnapshotAt = k.now()
	k.eventsSinceSnapshot = 0
	k.stateMu.Unlock()
	k.log.Debug("快照已写入", "trigger", trigger, "snapshot", snap.Hash, "events", len(snap.Events))
	return snap, nil
}

// restoreFromSnapshot 以快照的深拷贝整体替换状态与上下文，状态置为 running；缓存随 replace 清空。
// 快照对象可能由存储层共享，恢复后的写入不得回写到快照里。
func (k *Kernel) restoreFromSnapshot(snap *snapshotstore.Snapshot) error {
	contextData, err := deepCopyJSON(snap.State.ContextData)
	if err != nil {
		return err
	}
	stateData, err := deepCopyJSON(snap.State.StateData)
	if err != nil {
		return err
	}
	restored := snap.State
	restored.StateData = stateData
	st := stateFromSnapshot(restored)
	st.Status = StatusRunning
	k.store.replace(contextData)

	k.stateMu.Lock()
	defer k.stateMu.Unlock()
	k.state = st
	k.lastSnapshotAt = snap.TS
	k.eventsSinceSnapshot = 0
	return nil
}

// armAutoSnapshot 按时间间隔周期快照；调用方可能持有 stateMu，这里不得加锁
func (k *Kernel) armAutoSnapshot() {
	as := k.cfg.Performance.AutoSnapshot
	if !as.Enabled || as.Interval <= 0 {
		return
	}
	k.timers.CancelName(autoSnapshotTimerName)
	k.timers.Every(timers.GroupPerf, autoSnapshotTimerName, as.Interval, func() {
		k.opMu.Lock()
		defer k.opMu.Unlock()
		_ = k.autoSnapshot(context.Background(), "interval")
	})
}

// autoSnapshot 尽力而为的周期/按事件数快照；调用方持有 opMu。
// 非 running 时跳过；interval 触发时若距上次快照不足一个间隔也跳过。
func (k *Kernel) autoSnapshot(ctx context.Context, trigger string) errors.Outcome {
	op := "auto_snapshot_" + trigger
	k.stateMu.RLock()
	status := k.state.Status
	last := k.lastSnapshotAt
	k.stateMu.RUnlock()
	if status != StatusRunning {
		return errors.Ok(op)
	}
	if trigger == "interval" && !last.IsZero() && k.now().Sub(last) < k.cfg.Performance.AutoSnapshot.Interval/2 {
		return errors.Ok(op)
	}
	if _, err := k.persistSnapshot(ctx, "auto"); err != nil {
		k.log.Warn("自动快照失败", "trigger", trigger, "error", err)
		return errors.Failed(op, err)
	}
	return errors.Ok(op)
}
