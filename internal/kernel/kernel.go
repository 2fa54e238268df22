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

// Package kernel 实现执行内核：一个执行（tenant/job）一个 Kernel 实例，负责生命周期状态机、
// 原子操作、配额、快照与死信恢复，并驱动事件 Runtime 与快照 Persistor。
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"exec-kernel/internal/kernel/timers"
	"exec-kernel/internal/runtime/eventbus"
	"exec-kernel/internal/runtime/snapshotstore"
	"exec-kernel/internal/statussync"
	"exec-kernel/internal/storage/cache"
	"exec-kernel/pkg/config"
	"exec-kernel/pkg/errors"
	"exec-kernel/pkg/log"
	"exec-kernel/pkg/metrics"
)

// seenEventsCapacity 事件幂等去重窗口
const seenEventsCapacity = 10000

// WorkflowContext Kernel 承载的工作流上下文；Initialize 重复调用时返回同一实例
type WorkflowContext struct {
	ID        string         `json:"id"`
	KernelID  string         `json:"kernel_id"`
	TenantID  string         `json:"tenant_id"`
	JobID     string         `json:"job_id"`
	CreatedAt time.Time      `json:"created_at"`
	Values    map[string]any `json:"values,omitempty"`
}

// WorkflowFactory 创建工作流上下文
type WorkflowFactory func(ctx context.Context, info Identity) (*WorkflowContext, error)

// Identity Kernel 身份
type Identity struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	JobID         string `json:"job_id"`
	CorrelationID string `json:"correlation_id"`
}

// Event SendEvent 的输入；ID 可选，开启事件幂等时用于去重
type Event struct {
	ID       string
	Payload  eventbus.Payload
	Metadata map[string]string
}

// SendResult SendEvent 的结果
type SendResult struct {
	eventbus.EmitResult
	Duplicate bool `json:"duplicate"`
}

// PauseInfo 最近一次暂停
type PauseInfo struct {
	Reason       string    `json:"reason"`
	SnapshotHash string    `json:"snapshot_hash"`
	At           time.Time `json:"at"`
}

// Kernel 执行内核。并发安全：opMu 串行化生命周期操作与事件准入，stateMu 保护状态与 Runtime 引用。
type Kernel struct {
	id       string
	tenantID string
	jobID    string
	cfg      config.KernelConfig

	log             *log.Logger
	persistor       snapshotstore.Persistor
	runtimeFactory  eventbus.Factory
	workflowFactory WorkflowFactory
	middleware      []eventbus.Middleware
	handlers        []handlerBinding
	syncer          statussync.Syncer
	memReader       func() uint64
	now             func() time.Time

	timers   *timers.Registry
	cache    cache.Cache
	store    *contextStore
	atomic   *atomicExecutor
	recovery *recoveryManager
	seen     *cache.LRU

	opMu sync.Mutex
	// quotaGen 配额监控代数，布置或取消监控时递增
	quotaGen atomic.Uint64

	stateMu             sync.RWMutex
	state               *KernelState
	runtime             eventbus.Runtime
	workflow            *WorkflowContext
	lastSnapshotAt      time.Time
	eventsSinceSnapshot int64
	lastPause           *PauseInfo
	lastEventType       string
	lastEventAt         time.Time
	result              json.RawMessage
}

// Option Kernel 构造选项（不可序列化的协作者）
type Option func(*Kernel)

// WithPersistor 快照存储；默认内存存储
func WithPersistor(p snapshotstore.Persistor) Option {
	return func(k *Kernel) { k.persistor = p }
}

// WithRuntimeFactory Runtime 工厂；默认进程内 eventbus
func WithRuntimeFactory(f eventbus.Factory) Option {
	return func(k *Kernel) { k.runtimeFactory = f }
}

// WithWorkflowFactory 工作流上下文工厂
func WithWorkflowFactory(f WorkflowFactory) Option {
	return func(k *Kernel) { k.workflowFactory = f }
}

// WithMiddleware 追加 Runtime 中间件
func WithMiddleware(mw ...eventbus.Middleware) Option {
	return func(k *Kernel) { k.middleware = append(k.middleware, mw...) }
}

// handlerBinding 创建 Runtime 时注册的事件处理函数
type handlerBinding struct {
	eventType string
	handler   eventbus.Handler
}

// WithHandler 为事件类型注册处理函数；每次创建 Runtime（Initialize、Resume、恢复重建）都会重新注册。
// 处理函数返回错误时按 Runtime 的重试配置重试，耗尽后进入 DLQ。
func WithHandler(eventType string, h eventbus.Handler) Option {
	return func(k *Kernel) {
		if h != nil {
			k.handlers = append(k.handlers, handlerBinding{eventType: eventType, handler: h})
		}
	}
}

// WithHandlers 批量注册，按事件类型字典序登记
func WithHandlers(handlers map[string]eventbus.Handler) Option {
	return func(k *Kernel) {
		types := make([]string, 0, len(handlers))
		for typ := range handlers {
			types = append(types, typ)
		}
		sort.Strings(types)
		for _, typ := range types {
			WithHandler(typ, handlers[typ])(k)
		}
	}
}

// WithLogger 日志
func WithLogger(l *log.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithStatusSyncer 外部状态同步
func WithStatusSyncer(s statussync.Syncer) Option {
	return func(k *Kernel) { k.syncer = s }
}

// WithMemoryReader 替换堆占用读取函数（默认 runtime.ReadMemStats）
func WithMemoryReader(fn func() uint64) Option {
	return func(k *Kernel) { k.memReader = fn }
}

// New 创建处于 initialized 状态的 Kernel
func New(cfg config.KernelConfig, opts ...Option) (*Kernel, error) {
	if cfg.TenantID == "" {
		return nil, errors.New(errors.CodeInitializationFailed, "new", "tenant id is required")
	}
	if cfg.JobID == "" {
		cfg.JobID = uuid.New().String()
	}
	if cfg.Monitor.MemoryCheckInterval <= 0 {
		cfg.Monitor.MemoryCheckInterval = time.Second
	}
	id := cfg.TenantID + ":" + cfg.JobID
	k := &Kernel{
		id:        id,
		tenantID:  cfg.TenantID,
		jobID:     cfg.JobID,
		cfg:       cfg,
		memReader: heapInUse,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.log == nil {
		k.log = log.NewNop()
	}
	k.log = k.log.With("kernel_id", id, "tenant_id", cfg.TenantID)
	if k.persistor == nil {
		k.persistor = snapshotstore.NewMemoryStore(0)
	}
	if k.runtimeFactory == nil {
		k.runtimeFactory = eventbus.NewFactory()
	}
	if k.syncer == nil {
		k.syncer = statussync.Noop{}
	}

	c, err := cache.NewCache(cfg.Performance)
	if err != nil {
		return nil, errors.WithCode(errors.CodeInitializationFailed, "new", err)
	}
	k.cache = c
	k.timers = timers.NewRegistry(cfg.Monitor.TimerCapacity, timers.WithEvictHook(func(i timers.Info) {
		k.log.Warn("定时器超过容量上限，取消最早的任务", "timer", i.Name, "group", i.Group)
	}))
	k.store = newContextStore(cfg.TenantID, cfg.Isolation.EnableTenantIsolation,
		cfg.Performance.EnableBatching, cfg.Performance.EnableCaching,
		cfg.Performance.ContextUpdateDebounce, c, k.timers)
	k.atomic = newAtomicExecutor(id, cfg.Isolation.MaxConcurrentOperations,
		cfg.Idempotency.OperationTimeout, k.log, k.recordOperation)
	k.recovery = newRecoveryManager(cfg.Recovery, cfg.Quotas.MaxMemory, k.currentRuntime, k.readMemory, k.log)
	if cfg.Idempotency.EnableEventIdempotency {
		seen, err := cache.NewLRU(seenEventsCapacity)
		if err != nil {
			return nil, errors.WithCode(errors.CodeInitializationFailed, "new", err)
		}
		k.seen = seen
	}
	k.state = k.freshState()
	return k, nil
}

func (k *Kernel) freshState() *KernelState {
	return newKernelState(k.id, k.tenantID, k.jobID, uuid.New().String(), k.cfg.Quotas)
}

func (k *Kernel) readMemory() uint64 { return k.memReader() }

// ID Kernel ID（tenant:job）
func (k *Kernel) ID() string { return k.id }

// Identity Kernel 身份
func (k *Kernel) Identity() Identity {
	k.stateMu.RLock()
	defer k.stateMu.RUnlock()
	return Identity{ID: k.id, TenantID: k.tenantID, JobID: k.jobID, CorrelationID: k.state.CorrelationID}
}

func (k *Kernel) currentStatus() Status {
	k.stateMu.RLock()
	defer k.stateMu.RUnlock()
	return k.state.Status
}

func (k *Kernel) currentRuntime() eventbus.Runtime {
	k.stateMu.RLock()
	defer k.stateMu.RUnlock()
	return k.runtime
}

func (k *Kernel) recordOperation(operationID, hash string) {
	k.stateMu.Lock()
	defer k.stateMu.Unlock()
	k.state.OperationID = operationID
	k.state.LastOperationHash = hash
}

// ExecuteAtomicOperation 以 operationID 为键执行原子操作：同 ID 并发重复、超过并发上限时立即拒绝，超时返回 KERNEL_OPERATION_TIMEOUT
func (k *Kernel) ExecuteAtomicOperation(ctx context.Context, operationID string, op Operation, opts AtomicOptions) (any, error) {
	return k.atomic.execute(ctx, operationID, op, opts)
}

// ---- 上下文 ----

// GetContext 读取 namespace/key；threadID 可选
func (k *Kernel) GetContext(namespace, key string, threadID ...string) (any, bool) {
	return k.store.get(namespace, key, firstThread(threadID))
}

// SetContext 写入 namespace/key
func (k *Kernel) SetContext(namespace, key string, value any, threadID ...string) {
	k.store.set(namespace, key, value, firstThread(threadID))
}

// IncrementContext 数值累加，返回新值；当前值非数值时返回错误
func (k *Kernel) IncrementContext(namespace, key string, delta float64, threadID ...string) (float64, error) {
	return k.store.increment(namespace, key, delta, firstThread(threadID))
}

// ContextData 当前上下文的深拷贝（不含排队中但尚未 flush 的重复写入，它们已同步写入权威数据）
func (k *Kernel) ContextData() (map[string]any, error) {
	return k.store.peek()
}

// FlushContext 立即刷入排队写入
func (k *Kernel) FlushContext() int {
	return k.store.flush()
}

// ---- 事件 ----

type emitMode int

const (
	emitConfigured emitMode = iota
	emitSync
	emitAsync
)

// SendEvent 发送事件：要求 running 且 Runtime 存在；计数后检查配额
func (k *Kernel) SendEvent(ctx context.Context, evt Event) (SendResult, error) {
	return k.send(ctx, evt, emitConfigured)
}

// Run 发送事件并立即处理一次队列
func (k *Kernel) Run(ctx context.Context, evt Event) (eventbus.ProcessResult, error) {
	if _, err := k.SendEvent(ctx, evt); err != nil {
		return eventbus.ProcessResult{}, err
	}
	return k.ProcessEvents(ctx)
}

// EmitEvent 同步发送
func (k *Kernel) EmitEvent(ctx context.Context, p eventbus.Payload, opts eventbus.EmitOptions) (SendResult, error) {
	return k.send(ctx, Event{Payload: p, Metadata: opts.Metadata}, emitSync)
}

// EmitEventAsync 批量缓冲发送（未开启批量时等同同步）
func (k *Kernel) EmitEventAsync(ctx context.Context, p eventbus.Payload, opts eventbus.EmitOptions) (SendResult, error) {
	return k.send(ctx, Event{Payload: p, Metadata: opts.Metadata}, emitAsync)
}

func (k *Kernel) send(ctx context.Context, evt Event, mode emitMode) (SendResult, error) {
	if evt.Payload == nil {
		return SendResult{}, fmt.Errorf("send event: %w: payload is nil", errors.ErrInvalidArg)
	}
	k.opMu.Lock()
	defer k.opMu.Unlock()

	if !k.IsRuntimeReady() {
		return SendResult{}, errors.Newf(errors.CodeInitializationFailed, "send_event",
			"kernel is not running (status %s)", k.currentStatus())
	}
	if k.seen != nil && evt.ID != "" {
		if _, dup := k.seen.Peek(evt.ID); dup {
			metrics.KernelEventsTotal.WithLabelValues(k.tenantID, "duplicate").Inc()
			return SendResult{EmitResult: eventbus.EmitResult{EventID: evt.ID, Type: evt.Payload.EventType()}, Duplicate: true}, nil
		}
	}

	// 准备元数据
	eventType := evt.Payload.EventType()
	k.stateMu.Lock()
	k.lastEventType = eventType
	k.lastEventAt = k.now()
	rt := k.runtime
	k.stateMu.Unlock()

	opts := eventbus.EmitOptions{Flush: k.isCritical(eventType), Metadata: evt.Metadata}
	if evt.ID != "" {
		opts.Metadata = withMeta(opts.Metadata, "event_id", evt.ID)
	}
	async := mode == emitAsync || (mode == emitConfigured && k.cfg.Performance.EnableBatching)
	var (
		res  eventbus.EmitResult
		err  error
		kind = "sync"
	)
	if async {
		kind = "async"
		res, err = rt.EmitAsync(ctx, evt.Payload, opts)
	} else {
		res, err = rt.Emit(ctx, evt.Payload, opts)
	}
	if err != nil {
		return SendResult{}, fmt.Errorf("send event %s: %w", eventType, err)
	}
	if k.seen != nil && evt.ID != "" {
		k.seen.Set(evt.ID, struct{}{})
	}

	k.stateMu.Lock()
	k.state.EventCount++
	count := k.state.EventCount
	k.eventsSinceSnapshot++
	sinceSnapshot := k.eventsSinceSnapshot
	k.stateMu.Unlock()
	metrics.KernelEventsTotal.WithLabelValues(k.tenantID, kind).Inc()

	k.checkEventQuotaLocked(count)
	if as := k.cfg.Performance.AutoSnapshot; as.Enabled && as.EventInterval > 0 && sinceSnapshot >= as.EventInterval {
		_ = k.autoSnapshot(ctx, "events")
	}
	return SendResult{EmitResult: res}, nil
}

func (k *Kernel) isCritical(eventType string) bool {
	for _, t := range k.cfg.Runtime.CriticalEvents {
		if t == eventType {
			return true
		}
	}
	return false
}

func withMeta(m map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}

// ProcessEvents 以原子操作 processEvents 排空 Runtime 队列
func (k *Kernel) ProcessEvents(ctx context.Context) (eventbus.ProcessResult, error) {
	return k.process(ctx, OpProcessEvents, false)
}

// ProcessWithAcks 排空队列并收集统计（手动确认模式下事件进入待确认集合，需 AckEvent/NackEvent）
func (k *Kernel) ProcessWithAcks(ctx context.Context) (eventbus.ProcessResult, error) {
	return k.process(ctx, OpProcessWithAcks, true)
}

func (k *Kernel) process(ctx context.Context, opID string, collectStats bool) (eventbus.ProcessResult, error) {
	rt := k.currentRuntime()
	if rt == nil {
		return eventbus.ProcessResult{}, errors.WithCode(errors.CodeInitializationFailed, opID, ErrRuntimeUnavailable)
	}
	v, err := k.ExecuteAtomicOperation(ctx, opID, func(ctx context.Context) (any, error) {
		return rt.Process(ctx, collectStats)
	}, AtomicOptions{})
	if err != nil {
		return eventbus.ProcessResult{}, err
	}
	return v.(eventbus.ProcessResult), nil
}

// AckEvent 确认事件
func (k *Kernel) AckEvent(eventID string) error {
	rt := k.currentRuntime()
	if rt == nil {
		return ErrRuntimeUnavailable
	}
	return rt.Ack(eventID)
}

// NackEvent 否认事件
func (k *Kernel) NackEvent(eventID string, cause error) error {
	rt := k.currentRuntime()
	if rt == nil {
		return ErrRuntimeUnavailable
	}
	return rt.Nack(eventID, cause)
}

// ---- DLQ / 恢复操作句柄 ----

// DLQOperations 死信队列操作
type DLQOperations struct{ k *Kernel }

// GetDLQOperations 返回死信队列操作句柄
func (k *Kernel) GetDLQOperations() DLQOperations { return DLQOperations{k: k} }

// Stats DLQ 统计；Runtime 不存在或未启用 DLQ 时为 nil
func (d DLQOperations) Stats() *eventbus.DLQStats {
	rt := d.k.currentRuntime()
	if rt == nil {
		return nil
	}
	return rt.Stats().DLQ
}

// Reprocess 按条件重处理（不计入自动恢复次数）
func (d DLQOperations) Reprocess(ctx context.Context, c eventbus.Criteria) (eventbus.ReprocessResult, error) {
	rt := d.k.currentRuntime()
	if rt == nil {
		return eventbus.ReprocessResult{}, ErrRuntimeUnavailable
	}
	res, err := rt.ReprocessDLQByCriteria(ctx, c)
	if err == nil && res.ReprocessedCount > 0 {
		metrics.DLQReprocessedTotal.WithLabelValues("manual").Add(float64(res.ReprocessedCount))
	}
	return res, err
}

// Events 死信事件（Runtime 支持时）
func (d DLQOperations) Events() []eventbus.Event {
	type dlqLister interface{ DLQEvents() []eventbus.Event }
	if l, ok := d.k.currentRuntime().(dlqLister); ok {
		return l.DLQEvents()
	}
	return nil
}

// RecoveryOperations 死信恢复操作
type RecoveryOperations struct{ k *Kernel }

// GetRecoveryOperations 返回恢复操作句柄
func (k *Kernel) GetRecoveryOperations() RecoveryOperations { return RecoveryOperations{k: k} }

// Trigger 手动触发一次恢复；次数达到上限时返回 ErrRecoveryExhausted
func (r RecoveryOperations) Trigger(ctx context.Context) (eventbus.ReprocessResult, error) {
	return r.k.recovery.trigger(ctx)
}

// Status 恢复状态
func (r RecoveryOperations) Status() RecoveryStatus { return r.k.recovery.status() }

// ResetAttempts 立即重置恢复次数
func (r RecoveryOperations) ResetAttempts() { r.k.recovery.resetAttempts() }

// ---- 状态 ----

// StatusReport GetStatus 的结果
type StatusReport struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	JobID             string    `json:"job_id"`
	CorrelationID     string    `json:"correlation_id"`
	Status            Status    `json:"status"`
	EventCount        int64     `json:"event_count"`
	StartTime         time.Time `json:"start_time,omitempty"`
	Uptime            string    `json:"uptime,omitempty"`
	RuntimeReady      bool      `json:"runtime_ready"`
	PendingOperations []string  `json:"pending_operations"`
	OperationID       string    `json:"operation_id,omitempty"`
	LastOperationHash string    `json:"last_operation_hash,omitempty"`
}

// FeatureFlags 生效的功能开关
type FeatureFlags struct {
	Batching             bool `json:"batching"`
	Caching              bool `json:"caching"`
	LazyLoading          bool `json:"lazy_loading"`
	TenantIsolation      bool `json:"tenant_isolation"`
	EventIsolation       bool `json:"event_isolation"`
	OperationIdempotency bool `json:"operation_idempotency"`
	EventIdempotency     bool `json:"event_idempotency"`
	AutoSnapshot         bool `json:"auto_snapshot"`
}

// ComprehensiveStatus GetComprehensiveStatus 的结果
type ComprehensiveStatus struct {
	StatusReport
	Quotas         config.QuotaConfig `json:"quotas"`
	Features       FeatureFlags       `json:"features"`
	Runtime        *eventbus.Stats    `json:"runtime,omitempty"`
	Cache          cache.Stats        `json:"cache"`
	QueuedWrites   int                `json:"queued_writes"`
	Recovery       RecoveryStatus     `json:"recovery"`
	Timers         []timers.Info      `json:"timers"`
	LastPause      *PauseInfo         `json:"last_pause,omitempty"`
	LastSnapshotAt time.Time          `json:"last_snapshot_at,omitempty"`
	LastEventType  string             `json:"last_event_type,omitempty"`
	LastEventAt    time.Time          `json:"last_event_at,omitempty"`
	Result         json.RawMessage    `json:"result,omitempty"`
}

// GetStatus 当前权威状态（含 failed）
func (k *Kernel) GetStatus() StatusReport {
	ready := k.IsRuntimeReady()
	k.stateMu.RLock()
	defer k.stateMu.RUnlock()
	r := StatusReport{
		ID:                k.state.ID,
		TenantID:          k.state.TenantID,
		JobID:             k.state.JobID,
		CorrelationID:     k.state.CorrelationID,
		Status:            k.state.Status,
		EventCount:        k.state.EventCount,
		StartTime:         k.state.StartTime,
		RuntimeReady:      ready,
		PendingOperations: k.atomic.pendingIDs(),
		OperationID:       k.state.OperationID,
		LastOperationHash: k.state.LastOperationHash,
	}
	if !k.state.StartTime.IsZero() {
		r.Uptime = k.now().Sub(k.state.StartTime).Round(time.Millisecond).String()
	}
	return r
}

// GetComprehensiveStatus 状态 + Runtime/缓存/恢复/定时器等明细
func (k *Kernel) GetComprehensiveStatus() ComprehensiveStatus {
	cs := ComprehensiveStatus{
		StatusReport: k.GetStatus(),
		Quotas:       k.cfg.Quotas,
		Features: FeatureFlags{
			Batching:             k.cfg.Performance.EnableBatching,
			Caching:              k.cfg.Performance.EnableCaching,
			LazyLoading:          k.cfg.Performance.EnableLazyLoading,
			TenantIsolation:      k.cfg.Isolation.EnableTenantIsolation,
			EventIsolation:       k.cfg.Isolation.EnableEventIsolation,
			OperationIdempotency: k.cfg.Idempotency.EnableOperationIdempotency,
			EventIdempotency:     k.cfg.Idempotency.EnableEventIdempotency,
			AutoSnapshot:         k.cfg.Performance.AutoSnapshot.Enabled,
		},
		Cache:        k.cache.Stats(),
		QueuedWrites: k.store.queued(),
		Recovery:     k.recovery.status(),
		Timers:       k.timers.List(),
	}
	k.stateMu.RLock()
	rt := k.runtime
	if k.lastPause != nil {
		p := *k.lastPause
		cs.LastPause = &p
	}
	cs.LastSnapshotAt = k.lastSnapshotAt
	cs.LastEventType = k.lastEventType
	cs.LastEventAt = k.lastEventAt
	cs.Result = k.result
	k.stateMu.RUnlock()
	if rt != nil {
		st := rt.Stats()
		cs.Runtime = &st
	}
	return cs
}

// syncStatus 尽力推送状态迁移；失败已由 syncer 记录，这里显式丢弃
func (k *Kernel) syncStatus(status Status, reason, snapshotHash string) {
	metrics.KernelTransitionsTotal.WithLabelValues(k.tenantID, string(status)).Inc()
	k.stateMu.RLock()
	count := k.state.EventCount
	k.stateMu.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = k.syncer.Sync(ctx, statussync.Update{
		KernelID:     k.id,
		TenantID:     k.tenantID,
		JobID:        k.jobID,
		Status:       string(status),
		Reason:       reason,
		SnapshotHash: snapshotHash,
		EventCount:   count,
		At:           k.now(),
	})
}
