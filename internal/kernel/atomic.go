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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"exec-kernel/pkg/errors"
	"exec-kernel/pkg/log"
	"exec-kernel/pkg/metrics"
	"exec-kernel/pkg/tracing"
)

const (
	// DefaultOperationTimeout 原子操作默认超时
	DefaultOperationTimeout = 30 * time.Second
	// LongOperationTimeout initialize/processEvents 类操作在配置超时大于 60s 时使用的超时
	LongOperationTimeout = 120 * time.Second

	longTimeoutThreshold = 60 * time.Second
)

var (
	// ErrOperationInProgress 相同 operationID 已在执行
	ErrOperationInProgress = stderrors.New("operation already in progress")
	// ErrTooManyOperations 执行中的原子操作已达上限
	ErrTooManyOperations = stderrors.New("maximum concurrent operations reached")
)

// longOperations 使用长超时的操作
var longOperations = map[string]bool{
	OpInitialize:      true,
	OpProcessEvents:   true,
	OpProcessWithAcks: true,
}

// 内置原子操作 ID
const (
	OpInitialize      = "initialize"
	OpProcessEvents   = "processEvents"
	OpProcessWithAcks = "processWithAcks"
)

// IsolationLevel 原子操作隔离级别
type IsolationLevel string

const (
	// IsolationNone 仅做重复与并发数检查
	IsolationNone IsolationLevel = "none"
	// IsolationStrict 额外与其他 strict 操作互斥执行
	IsolationStrict IsolationLevel = "strict"
)

// AtomicOptions 原子操作选项；零值使用默认
type AtomicOptions struct {
	Timeout   time.Duration
	Retries   int
	Isolation IsolationLevel
}

// Operation 原子操作；ctx 在超时或调用方取消时被取消，操作应据此尽快返回
type Operation func(ctx context.Context) (any, error)

// atomicExecutor 防重入、限并发、带超时的操作执行器
type atomicExecutor struct {
	kernelID          string
	maxConcurrent     int
	configuredTimeout time.Duration
	log               *log.Logger
	now               func() time.Time
	onSuccess         func(operationID, hash string)

	mu       sync.Mutex
	pending  map[string]struct{}
	strictMu sync.Mutex
}

func newAtomicExecutor(kernelID string, maxConcurrent int, configuredTimeout time.Duration, logger *log.Logger, onSuccess func(string, string)) *atomicExecutor {
	return &atomicExecutor{
		kernelID:          kernelID,
		maxConcurrent:     maxConcurrent,
		configuredTimeout: configuredTimeout,
		log:               logger,
		now:               time.Now,
		onSuccess:         onSuccess,
		pending:           make(map[string]struct{}),
	}
}

// timeoutFor 显式超时优先；否则长操作在配置超时 >60s 时用 120s，其余 30s
func (e *atomicExecutor) timeoutFor(operationID string, explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	if longOperations[operationID] && e.configuredTimeout > longTimeoutThreshold {
		return LongOperationTimeout
	}
	return DefaultOperationTimeout
}

// acquire 登记 operationID；重复或超过并发上限时立即拒绝
func (e *atomicExecutor) acquire(operationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[operationID]; ok {
		metrics.AtomicOperationsTotal.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("%s: %w", operationID, ErrOperationInProgress)
	}
	if e.maxConcurrent > 0 && len(e.pending) >= e.maxConcurrent {
		metrics.AtomicOperationsTotal.WithLabelValues("saturated").Inc()
		return fmt.Errorf("%s: %w (%d)", operationID, ErrTooManyOperations, e.maxConcurrent)
	}
	e.pending[operationID] = struct{}{}
	metrics.PendingOperations.WithLabelValues(e.kernelID).Set(float64(len(e.pending)))
	return nil
}

func (e *atomicExecutor) release(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, operationID)
	metrics.PendingOperations.WithLabelValues(e.kernelID).Set(float64(len(e.pending)))
}

// pendingIDs 执行中的操作 ID（排序后返回）
func (e *atomicExecutor) pendingIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type opResult struct {
	value any
	err   error
}

// execute 执行原子操作。operationID 在任何退出路径上恰好移除一次；
// 超时后调用方立即得到 KERNEL_OPERATION_TIMEOUT，操作的 ctx 被取消，迟到的结果被丢弃且不计算哈希。
func (e *atomicExecutor) execute(ctx context.Context, operationID string, op Operation, opts AtomicOptions) (any, error) {
	if err := e.acquire(operationID); err != nil {
		return nil, err
	}
	defer e.release(operationID)

	ctx, span := tracing.StartOperationSpan(ctx, operationID, e.kernelID)
	timeout := e.timeoutFor(operationID, opts.Timeout)
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan opResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- opResult{err: fmt.Errorf("operation %s panicked: %v", operationID, r)}
			}
		}()
		v, err := e.runWithRetries(opCtx, op, opts)
		done <- opResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			metrics.AtomicOperationsTotal.WithLabelValues("error").Inc()
			tracing.EndSpan(span, r.err)
			return nil, r.err
		}
		hash := operationHash(operationID, r.value, e.now())
		if e.onSuccess != nil {
			e.onSuccess(operationID, hash)
		}
		metrics.AtomicOperationsTotal.WithLabelValues("ok").Inc()
		tracing.EndSpan(span, nil)
		return r.value, nil
	case <-opCtx.Done():
		var err error
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			metrics.AtomicOperationsTotal.WithLabelValues("timeout").Inc()
			err = errors.Newf(errors.CodeOperationTimeout, operationID, "timed out after %s", timeout)
			e.log.Warn("原子操作超时", "operation_id", operationID, "timeout", timeout)
		}
		tracing.EndSpan(span, err)
		return nil, err
	}
}

func (e *atomicExecutor) runWithRetries(ctx context.Context, op Operation, opts AtomicOptions) (any, error) {
	if opts.Isolation == IsolationStrict {
		if err := lockWithContext(ctx, &e.strictMu); err != nil {
			return nil, err
		}
		defer e.strictMu.Unlock()
	}
	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// lockWithContext 在 ctx 取消前获取锁
func lockWithContext(ctx context.Context, mu *sync.Mutex) error {
	for !mu.TryLock() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// operationHash 对 {operationId, result, timestamp} 计算摘要；结果不可 JSON 序列化时退化为 %v 文本
func operationHash(operationID string, result any, ts time.Time) string {
	payload := struct {
		OperationID string    `json:"operationId"`
		Result      any       `json:"result"`
		Timestamp   time.Time `json:"timestamp"`
	}{operationID, result, ts.UTC()}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%s|%v|%d", operationID, result, ts.UnixNano()))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
