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

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"exec-kernel/pkg/log"
)

const (
	defaultQueueSize    = 10000
	defaultBatchSize    = 10
	defaultBatchTimeout = 100 * time.Millisecond
)

type handlerEntry struct {
	id HandlerID
	fn Handler
}

type deadLetter struct {
	evt    Event
	deadAt time.Time
}

// Bus 进程内 Runtime 实现，并发安全
type Bus struct {
	opts    Options
	log     *log.Logger
	limiter *rate.Limiter

	mu           sync.Mutex
	queue        []Event
	buffer       []Event
	batchTimer   *time.Timer
	pending      map[string]Event
	dlq          []deadLetter
	handlers     map[string][]handlerEntry
	nextHandler  HandlerID
	totalRetries int64
	closed       bool
}

// New 创建 Bus；零值参数取默认值
func New(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = defaultBatchTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	b := &Bus{
		opts:     opts,
		log:      logger.With("component", "eventbus"),
		pending:  make(map[string]Event),
		handlers: make(map[string][]handlerEntry),
	}
	if opts.MaxEmitRate > 0 {
		burst := opts.EmitBurst
		if burst <= 0 {
			burst = int(opts.MaxEmitRate) + 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(opts.MaxEmitRate), burst)
	}
	return b
}

// NewFactory 返回创建 Bus 的 Factory
func NewFactory() Factory {
	return func(opts Options) (Runtime, error) {
		return New(opts), nil
	}
}

// Emit 同步入队
func (b *Bus) Emit(ctx context.Context, p Payload, opts EmitOptions) (EmitResult, error) {
	return b.emit(ctx, b.opts.TenantID, p, opts, false)
}

// EmitAsync 批量缓冲发送
func (b *Bus) EmitAsync(ctx context.Context, p Payload, opts EmitOptions) (EmitResult, error) {
	return b.emit(ctx, b.opts.TenantID, p, opts, true)
}

func (b *Bus) emit(ctx context.Context, tenantID string, p Payload, opts EmitOptions, async bool) (EmitResult, error) {
	if p == nil {
		return EmitResult{}, fmt.Errorf("emit: payload is nil")
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return EmitResult{}, fmt.Errorf("emit %s: rate limit: %w", p.EventType(), err)
		}
	}
	evt := b.newEvent(tenantID, p)
	for k, v := range opts.Metadata {
		if evt.Metadata == nil {
			evt.Metadata = make(map[string]string, len(opts.Metadata))
		}
		evt.Metadata[k] = v
	}
	for _, mw := range b.opts.Middleware {
		if err := mw(&evt); err != nil {
			return EmitResult{}, fmt.Errorf("emit %s: rejected: %w", evt.Type, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return EmitResult{}, ErrClosed
	}
	res := EmitResult{EventID: evt.ID, Type: evt.Type}
	if async && b.opts.EnableBatching {
		b.buffer = append(b.buffer, evt)
		if opts.Flush || len(b.buffer) >= b.opts.BatchSize {
			if err := b.flushLocked(); err != nil {
				return res, err
			}
			res.Queued = true
			return res, nil
		}
		if b.batchTimer == nil {
			b.batchTimer = time.AfterFunc(b.opts.BatchTimeout, b.flushOnTimeout)
		}
		res.Batched = true
		return res, nil
	}
	// 保持顺序：先刷缓冲区
	if len(b.buffer) > 0 {
		if err := b.flushLocked(); err != nil {
			return res, err
		}
	}
	if err := b.enqueueLocked(evt); err != nil {
		return res, err
	}
	res.Queued = true
	return res, nil
}

func (b *Bus) newEvent(tenantID string, p Payload) Event {
	return NewEvent(tenantID, p)
}

func (b *Bus) enqueueLocked(evt Event) error {
	if len(b.queue) >= b.opts.QueueSize {
		return ErrQueueFull
	}
	b.queue = append(b.queue, evt)
	return nil
}

// flushLocked 把缓冲区刷入队列；队列放不下的事件进入 DLQ（未启用 DLQ 时丢弃并记录）
func (b *Bus) flushLocked() error {
	if b.batchTimer != nil {
		b.batchTimer.Stop()
		b.batchTimer = nil
	}
	var overflow int
	for _, evt := range b.buffer {
		if err := b.enqueueLocked(evt); err != nil {
			overflow++
			evt.LastError = err.Error()
			b.deadLocked(evt)
		}
	}
	b.buffer = nil
	if overflow > 0 {
		return fmt.Errorf("flush: %d events overflowed: %w", overflow, ErrQueueFull)
	}
	return nil
}

func (b *Bus) flushOnTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batchTimer = nil
	if err := b.flushLocked(); err != nil {
		b.log.Warn("批量缓冲刷新失败", "error", err)
	}
}

// Process 排空调用时刻的队列（含缓冲区）；失败事件重新入队或进入 DLQ，留待下一次 Process
func (b *Bus) Process(ctx context.Context, collectStats bool) (ProcessResult, error) {
	start := time.Now()
	b.mu.Lock()
	if len(b.buffer) > 0 {
		if err := b.flushLocked(); err != nil {
			b.log.Warn("处理前刷新缓冲区失败", "error", err)
		}
	}
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	var res ProcessResult
	if collectStats {
		res.ByType = make(map[string]int)
	}
	for i, evt := range batch {
		if err := ctx.Err(); err != nil {
			b.mu.Lock()
			b.queue = append(append([]Event(nil), batch[i:]...), b.queue...)
			b.mu.Unlock()
			return res, err
		}
		res.Processed++
		if collectStats {
			res.ByType[evt.Type]++
		}
		err := b.dispatch(ctx, evt)

		b.mu.Lock()
		switch {
		case err != nil:
			res.Failed++
			b.failLocked(evt, err)
		case b.opts.ManualAck:
			b.pending[evt.ID] = evt
		default:
			res.Acked++
		}
		b.mu.Unlock()
	}
	if collectStats {
		res.Duration = time.Since(start)
	}
	return res, nil
}

func (b *Bus) dispatch(ctx context.Context, evt Event) (err error) {
	b.mu.Lock()
	hs := make([]Handler, 0, len(b.handlers[evt.Type])+len(b.handlers[Wildcard]))
	for _, h := range b.handlers[evt.Type] {
		hs = append(hs, h.fn)
	}
	for _, h := range b.handlers[Wildcard] {
		hs = append(hs, h.fn)
	}
	b.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	var errs []error
	for _, h := range hs {
		if herr := h(ctx, evt); herr != nil {
			errs = append(errs, herr)
		}
	}
	return errors.Join(errs...)
}

// failLocked 失败事件：未超过重试次数则重新入队，否则进入 DLQ
func (b *Bus) failLocked(evt Event, cause error) {
	evt.Attempts++
	if cause != nil {
		evt.LastError = cause.Error()
	}
	if evt.Attempts <= b.opts.MaxRetries {
		if err := b.enqueueLocked(evt); err == nil {
			b.totalRetries++
			return
		}
	}
	b.deadLocked(evt)
}

func (b *Bus) deadLocked(evt Event) {
	if !b.opts.EnableDLQ {
		b.log.Warn("事件处理失败且未启用 DLQ，丢弃", "event_id", evt.ID, "type", evt.Type, "error", evt.LastError)
		return
	}
	b.dlq = append(b.dlq, deadLetter{evt: evt, deadAt: time.Now()})
}

// Ack 确认事件（手动确认模式）
func (b *Bus) Ack(eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[eventID]; !ok {
		return fmt.Errorf("ack %s: %w", eventID, ErrUnknownEvent)
	}
	delete(b.pending, eventID)
	return nil
}

// Nack 否认事件：按失败处理（重试或进入 DLQ）
func (b *Bus) Nack(eventID string, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt, ok := b.pending[eventID]
	if !ok {
		return fmt.Errorf("nack %s: %w", eventID, ErrUnknownEvent)
	}
	delete(b.pending, eventID)
	if cause == nil {
		cause = errors.New("nacked")
	}
	b.failLocked(evt, cause)
	return nil
}

// Stats 统计
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{Queue: QueueStats{
		Size:       len(b.queue),
		Capacity:   b.opts.QueueSize,
		Buffered:   len(b.buffer),
		PendingAck: len(b.pending),
	}}
	if b.opts.EnableDLQ {
		dlq := &DLQStats{Size: len(b.dlq), ByType: make(map[string]int)}
		for i, d := range b.dlq {
			dlq.ByType[d.evt.Type]++
			if i == 0 || d.deadAt.Before(dlq.Oldest) {
				dlq.Oldest = d.deadAt
			}
		}
		st.DLQ = dlq
	}
	if b.opts.MaxRetries > 0 {
		retrying := 0
		for _, evt := range b.queue {
			if evt.Attempts > 0 {
				retrying++
			}
		}
		st.Retry = &RetryStats{Retrying: retrying, TotalRetries: b.totalRetries}
	}
	return st
}

// ReprocessDLQByCriteria 把符合条件的死信事件重置后放回队列
func (b *Bus) ReprocessDLQByCriteria(ctx context.Context, c Criteria) (ReprocessResult, error) {
	if err := ctx.Err(); err != nil {
		return ReprocessResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ReprocessResult{}, ErrClosed
	}
	now := time.Now()
	res := ReprocessResult{Events: []Event{}}
	kept := b.dlq[:0]
	for _, d := range b.dlq {
		match := (c.MaxAge <= 0 || now.Sub(d.deadAt) <= c.MaxAge) &&
			(c.EventType == "" || d.evt.Type == c.EventType) &&
			(c.Limit <= 0 || res.ReprocessedCount < c.Limit) &&
			len(b.queue) < b.opts.QueueSize
		if !match {
			kept = append(kept, d)
			continue
		}
		evt := d.evt
		evt.Attempts = 0
		b.queue = append(b.queue, evt)
		res.Events = append(res.Events, evt)
		res.ReprocessedCount++
	}
	b.dlq = kept
	return res, nil
}

// Cleanup 刷新缓冲区并停止后台定时器；之后拒绝新事件
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buffer) > 0 {
		if err := b.flushLocked(); err != nil {
			b.log.Warn("清理时刷新缓冲区失败", "error", err)
		}
	}
	if b.batchTimer != nil {
		b.batchTimer.Stop()
		b.batchTimer = nil
	}
	b.closed = true
}

// Clear 丢弃全部排队/缓冲/待确认/死信事件
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.batchTimer != nil {
		b.batchTimer.Stop()
		b.batchTimer = nil
	}
	b.queue = nil
	b.buffer = nil
	b.pending = make(map[string]Event)
	b.dlq = nil
}

// CreateEvent 创建带 Runtime 租户的事件（不入队）
func (b *Bus) CreateEvent(p Payload) Event {
	return b.newEvent(b.opts.TenantID, p)
}

// CreateStream 依次同步发送 seq 中的负载
func (b *Bus) CreateStream(ctx context.Context, seq iter.Seq[Payload]) (int, error) {
	return b.stream(ctx, b.opts.TenantID, seq)
}

func (b *Bus) stream(ctx context.Context, tenantID string, seq iter.Seq[Payload]) (int, error) {
	n := 0
	for p := range seq {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := b.emit(ctx, tenantID, p, EmitOptions{}, false); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ForTenant 租户视图
func (b *Bus) ForTenant(tenantID string) Runtime {
	return &tenantView{Bus: b, tenantID: tenantID}
}

// On 订阅事件类型；eventType 为 Wildcard 时订阅全部
func (b *Bus) On(eventType string, h Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextHandler++
	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{id: b.nextHandler, fn: h})
	return b.nextHandler
}

// Off 取消订阅
func (b *Bus) Off(eventType string, id HandlerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[eventType]
	for i, h := range hs {
		if h.id == id {
			b.handlers[eventType] = append(hs[:i:i], hs[i+1:]...)
			return true
		}
	}
	return false
}

// DLQEvents 死信事件副本（管理面展示）
func (b *Bus) DLQEvents() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0, len(b.dlq))
	for _, d := range b.dlq {
		out = append(out, d.evt)
	}
	return out
}

// tenantView 以固定租户打标发送，其余操作共享底层 Bus
type tenantView struct {
	*Bus
	tenantID string
}

func (v *tenantView) Emit(ctx context.Context, p Payload, opts EmitOptions) (EmitResult, error) {
	return v.emit(ctx, v.tenantID, p, opts, false)
}

func (v *tenantView) EmitAsync(ctx context.Context, p Payload, opts EmitOptions) (EmitResult, error) {
	return v.emit(ctx, v.tenantID, p, opts, true)
}

func (v *tenantView) CreateEvent(p Payload) Event {
	return v.newEvent(v.tenantID, p)
}

func (v *tenantView) CreateStream(ctx context.Context, seq iter.Seq[Payload]) (int, error) {
	return v.stream(ctx, v.tenantID, seq)
}

func (v *tenantView) ForTenant(tenantID string) Runtime {
	return v.Bus.ForTenant(tenantID)
}

var (
	_ Runtime = (*Bus)(nil)
	_ Runtime = (*tenantView)(nil)
)
