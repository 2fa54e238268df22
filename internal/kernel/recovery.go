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
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"exec-kernel/internal/kernel/timers"
	"exec-kernel/internal/runtime/eventbus"
	"exec-kernel/pkg/config"
	"exec-kernel/pkg/errors"
	"exec-kernel/pkg/log"
	"exec-kernel/pkg/metrics"
)

const (
	recoveryTimerName      = "dlq.recovery"
	recoveryResetTimerName = "dlq.recovery.reset"

	// narrowAfterAttempts 高内存压力下，恢复次数达到该值后只重处理数量最多的事件类型
	narrowAfterAttempts = 3
	recoveryCallTimeout = 30 * time.Second
)

// ErrRecoveryExhausted 恢复次数已达上限（等待周期重置）
var ErrRecoveryExhausted = stderrors.New("dlq recovery attempts exhausted")

// ErrRuntimeUnavailable Runtime 尚未创建或已销毁
var ErrRuntimeUnavailable = stderrors.New("runtime unavailable")

// RecoveryStatus DLQ 恢复状态
type RecoveryStatus struct {
	Enabled          bool      `json:"enabled"`
	Attempts         int       `json:"attempts"`
	MaxAttempts      int       `json:"max_attempts"`
	LastRecoveryTime time.Time `json:"last_recovery_time,omitempty"`
	Interval         string    `json:"interval"`
}

// recoveryManager 周期性地让 Runtime 按自适应条件重处理死信
type recoveryManager struct {
	cfg       config.RecoveryConfig
	maxMemory uint64
	runtime   func() eventbus.Runtime
	memReader func() uint64
	log       *log.Logger

	mu           sync.Mutex
	attempts     int
	lastRecovery time.Time
}

func newRecoveryManager(cfg config.RecoveryConfig, maxMemory uint64, rt func() eventbus.Runtime, memReader func() uint64, logger *log.Logger) *recoveryManager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = time.Hour
	}
	if cfg.HighMemoryRatio <= 0 {
		cfg.HighMemoryRatio = 0.8
	}
	return &recoveryManager{
		cfg:       cfg,
		maxMemory: maxMemory,
		runtime:   rt,
		memReader: memReader,
		log:       logger.With("component", "dlq_recovery"),
	}
}

// arm 登记恢复定时器与计数重置定时器
func (m *recoveryManager) arm(reg *timers.Registry) {
	if !m.cfg.Enabled {
		return
	}
	reg.CancelName(recoveryTimerName)
	reg.CancelName(recoveryResetTimerName)
	reg.Every(timers.GroupMonitor, recoveryTimerName, m.cfg.Interval, func() { _ = m.autoRecover() })
	reg.Every(timers.GroupMonitor, recoveryResetTimerName, m.cfg.ResetInterval, m.resetAttempts)
}

func (m *recoveryManager) disarm(reg *timers.Registry) {
	reg.CancelName(recoveryTimerName)
	reg.CancelName(recoveryResetTimerName)
}

// highMemory 堆占用是否超过 MaxMemory 的 HighMemoryRatio
func (m *recoveryManager) highMemory() bool {
	if m.maxMemory == 0 {
		return false
	}
	return float64(m.memReader()) >= m.cfg.HighMemoryRatio*float64(m.maxMemory)
}

// buildCriteria 自适应条件：高内存压力时缩短时间窗、减小批量，并在多次尝试后只处理最多的事件类型
func (m *recoveryManager) buildCriteria(dlq *eventbus.DLQStats, attempts int) eventbus.Criteria {
	if !m.highMemory() {
		return eventbus.Criteria{MaxAge: 24 * time.Hour, Limit: 50}
	}
	c := eventbus.Criteria{MaxAge: time.Hour, Limit: 10}
	if attempts >= narrowAfterAttempts && dlq != nil {
		c.EventType = dominantType(dlq.ByType)
	}
	return c
}

// dominantType 数量最多的事件类型；并列时取字典序最小者
func dominantType(byType map[string]int) string {
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	best, bestN := "", 0
	for _, t := range types {
		if byType[t] > bestN {
			best, bestN = t, byType[t]
		}
	}
	return best
}

// autoRecover 定时触发。从不向上传播错误：失败记录日志并体现在 Outcome 中。
func (m *recoveryManager) autoRecover() errors.Outcome {
	const op = "dlq_auto_recovery"
	rt := m.runtime()
	if rt == nil {
		return errors.Ok(op)
	}
	st := rt.Stats()
	if st.DLQ == nil || st.DLQ.Size == 0 {
		return errors.Ok(op)
	}
	ctx, cancel := context.WithTimeout(context.Background(), recoveryCallTimeout)
	defer cancel()
	if _, err := m.reprocess(ctx, rt, st.DLQ, "auto"); err != nil {
		m.log.Warn("DLQ 自动恢复失败", "error", err)
		return errors.Failed(op, err)
	}
	return errors.Ok(op)
}

// trigger 手动触发；次数已达上限时返回 ErrRecoveryExhausted
func (m *recoveryManager) trigger(ctx context.Context) (eventbus.ReprocessResult, error) {
	rt := m.runtime()
	if rt == nil {
		return eventbus.ReprocessResult{}, ErrRuntimeUnavailable
	}
	res, err := m.reprocess(ctx, rt, rt.Stats().DLQ, "manual")
	if err != nil {
		m.log.Warn("DLQ 手动恢复失败", "error", err)
	}
	return res, err
}

func (m *recoveryManager) reprocess(ctx context.Context, rt eventbus.Runtime, dlq *eventbus.DLQStats, trigger string) (eventbus.ReprocessResult, error) {
	m.mu.Lock()
	if m.attempts >= m.cfg.MaxAttempts {
		m.mu.Unlock()
		return eventbus.ReprocessResult{}, fmt.Errorf("%w (%d/%d)", ErrRecoveryExhausted, m.attempts, m.cfg.MaxAttempts)
	}
	m.attempts++
	attempts := m.attempts
	m.mu.Unlock()

	criteria := m.buildCriteria(dlq, attempts)
	res, err := rt.ReprocessDLQByCriteria(ctx, criteria)
	if err != nil {
		return res, fmt.Errorf("reprocess dlq: %w", err)
	}
	if res.ReprocessedCount > 0 {
		m.mu.Lock()
		m.lastRecovery = time.Now()
		m.mu.Unlock()
		metrics.DLQReprocessedTotal.WithLabelValues(trigger).Add(float64(res.ReprocessedCount))
	}
	m.log.Info("DLQ 重处理完成", "trigger", trigger, "reprocessed", res.ReprocessedCount,
		"attempt", attempts, "max_age", criteria.MaxAge, "limit", criteria.Limit, "event_type", criteria.EventType)
	return res, nil
}

func (m *recoveryManager) resetAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = 0
}

func (m *recoveryManager) status() RecoveryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return RecoveryStatus{
		Enabled:          m.cfg.Enabled,
		Attempts:         m.attempts,
		MaxAttempts:      m.cfg.MaxAttempts,
		LastRecoveryTime: m.lastRecovery,
		Interval:         m.cfg.Interval.String(),
	}
}
