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
	"iter"
	"time"

	"exec-kernel/pkg/log"
)

var (
	// ErrQueueFull 队列已满
	ErrQueueFull = errors.New("event queue is full")
	// ErrUnknownEvent Ack/Nack 的事件不在待确认集合中
	ErrUnknownEvent = errors.New("event not pending acknowledgement")
	// ErrClosed Runtime 已清理
	ErrClosed = errors.New("runtime is closed")
)

// Handler 事件处理函数；返回错误触发重试，超过重试次数进入 DLQ
type Handler func(ctx context.Context, evt Event) error

// HandlerID On 返回的订阅标识
type HandlerID uint64

// Middleware 入队前钩子，可修改事件；返回错误则拒绝该事件
type Middleware func(evt *Event) error

// EmitOptions 发送选项
type EmitOptions struct {
	// Flush 批量模式下立即把缓冲区刷入队列（关键事件）
	Flush    bool
	Metadata map[string]string
}

// EmitResult 发送结果
type EmitResult struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Queued  bool   `json:"queued"`  // 已进入处理队列
	Batched bool   `json:"batched"` // 仍在批量缓冲区
}

// ProcessResult 一次 Process 的结果
type ProcessResult struct {
	Processed int `json:"processed"`
	Acked     int `json:"acked"`
	Failed    int `json:"failed"`
	// 以下字段仅在 collectStats=true 时填充
	Duration time.Duration  `json:"duration,omitempty"`
	ByType   map[string]int `json:"by_type,omitempty"`
}

// QueueStats 队列统计
type QueueStats struct {
	Size       int `json:"size"`
	Capacity   int `json:"capacity"`
	Buffered   int `json:"buffered"`    // 批量缓冲区
	PendingAck int `json:"pending_ack"` // 手动确认模式下待确认
}

// DLQStats 死信队列统计
type DLQStats struct {
	Size   int            `json:"size"`
	ByType map[string]int `json:"by_type"`
	Oldest time.Time      `json:"oldest,omitempty"`
}

// RetryStats 重试统计
type RetryStats struct {
	Retrying     int   `json:"retrying"` // 队列中 attempts>0 的事件
	TotalRetries int64 `json:"total_retries"`
}

// Stats Runtime 统计；DLQ/Retry 在未启用时为 nil
type Stats struct {
	Queue QueueStats  `json:"queue"`
	DLQ   *DLQStats   `json:"dlq,omitempty"`
	Retry *RetryStats `json:"retry,omitempty"`
}

// Criteria DLQ 重处理筛选条件；零值字段不参与筛选
type Criteria struct {
	MaxAge    time.Duration `json:"max_age"`
	Limit     int           `json:"limit"`
	EventType string        `json:"event_type,omitempty"`
}

// ReprocessResult DLQ 重处理结果
type ReprocessResult struct {
	ReprocessedCount int     `json:"reprocessed_count"`
	Events           []Event `json:"events"`
}

// Runtime Kernel 驱动的事件 Runtime
type Runtime interface {
	// Emit 同步入队
	Emit(ctx context.Context, p Payload, opts EmitOptions) (EmitResult, error)
	// EmitAsync 批量模式下写入缓冲区，按批大小/超时/Flush 刷入队列；未开启批量时等同 Emit
	EmitAsync(ctx context.Context, p Payload, opts EmitOptions) (EmitResult, error)
	// Process 排空当前队列
	Process(ctx context.Context, collectStats bool) (ProcessResult, error)
	Ack(eventID string) error
	Nack(eventID string, cause error) error
	Stats() Stats
	ReprocessDLQByCriteria(ctx context.Context, c Criteria) (ReprocessResult, error)
	// Cleanup 释放后台资源（批量定时器），缓冲区先刷入队列
	Cleanup()
	// Clear 丢弃队列、缓冲区、待确认与 DLQ
	Clear()
	CreateEvent(p Payload) Event
	// CreateStream 依次发送 seq 产生的负载，返回成功入队数
	CreateStream(ctx context.Context, seq iter.Seq[Payload]) (int, error)
	// ForTenant 返回按租户打标的视图，与原 Runtime 共享队列
	ForTenant(tenantID string) Runtime
	On(eventType string, h Handler) HandlerID
	Off(eventType string, id HandlerID) bool
}

// Options Runtime 构造参数
type Options struct {
	TenantID       string
	QueueSize      int
	EnableBatching bool
	BatchSize      int
	BatchTimeout   time.Duration
	MaxRetries     int
	MaxEmitRate    float64 // 每秒事件数，<=0 不限流
	EmitBurst      int
	ManualAck      bool
	EnableDLQ      bool
	Middleware     []Middleware
	Logger         *log.Logger
}

// Factory 创建 Runtime；Kernel 通过它在 Initialize 时构造 Runtime
type Factory func(opts Options) (Runtime, error)
