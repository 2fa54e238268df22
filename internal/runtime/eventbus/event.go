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

// Package eventbus 是 Kernel 使用的事件 Runtime 进程内实现：有界队列、批量、重试、死信队列、手动确认与限流
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// 内置事件类型
const (
	TypeKernelStarted   = "kernel.started"
	TypeKernelPaused    = "kernel.paused"
	TypeKernelResumed   = "kernel.resumed"
	TypeKernelCompleted = "kernel.completed"
	TypeQuotaExceeded   = "quota.exceeded"
)

// Wildcard 订阅所有事件类型
const Wildcard = "*"

// Payload 事件负载；每种事件一个具体类型，按类型 switch 穷举匹配
type Payload interface {
	EventType() string
	isPayload()
}

// KernelStarted Kernel 进入 running
type KernelStarted struct {
	KernelID string `json:"kernel_id"`
	TenantID string `json:"tenant_id"`
	JobID    string `json:"job_id"`
}

// KernelPaused Kernel 已暂停并持久化快照
type KernelPaused struct {
	KernelID     string `json:"kernel_id"`
	Reason       string `json:"reason"`
	SnapshotHash string `json:"snapshot_hash"`
}

// KernelResumed Kernel 从快照恢复
type KernelResumed struct {
	KernelID     string `json:"kernel_id"`
	SnapshotHash string `json:"snapshot_hash"`
}

// KernelCompleted Kernel 完成
type KernelCompleted struct {
	KernelID string          `json:"kernel_id"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// QuotaExceeded 配额超限
type QuotaExceeded struct {
	KernelID string `json:"kernel_id"`
	Quota    string `json:"quota"` // duration | memory | events
}

// Domain 业务事件；Kernel 不解释 Data
type Domain struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (KernelStarted) EventType() string   { return TypeKernelStarted }
func (KernelPaused) EventType() string    { return TypeKernelPaused }
func (KernelResumed) EventType() string   { return TypeKernelResumed }
func (KernelCompleted) EventType() string { return TypeKernelCompleted }
func (QuotaExceeded) EventType() string   { return TypeQuotaExceeded }
func (d Domain) EventType() string        { return d.Type }

func (KernelStarted) isPayload()   {}
func (KernelPaused) isPayload()    {}
func (KernelResumed) isPayload()   {}
func (KernelCompleted) isPayload() {}
func (QuotaExceeded) isPayload()   {}
func (Domain) isPayload()          {}

// Event 队列中的事件
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Payload   Payload           `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
}

// NewEvent 创建事件，ID 为 uuid
func NewEvent(tenantID string, p Payload) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      p.EventType(),
		TenantID:  tenantID,
		Payload:   p,
		CreatedAt: time.Now(),
	}
}

// IsKernelEvent 是否为 Kernel 生命周期事件
func IsKernelEvent(p Payload) bool {
	switch p.(type) {
	case KernelStarted, KernelPaused, KernelResumed, KernelCompleted, QuotaExceeded:
		return true
	case Domain:
		return false
	default:
		return false
	}
}

// ParsePayload 按事件类型把 JSON 还原为具体负载；未知类型作为 Domain 事件
func ParsePayload(eventType string, data json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch eventType {
	case TypeKernelStarted:
		var v KernelStarted
		err = unmarshalOptional(data, &v)
		p = v
	case TypeKernelPaused:
		var v KernelPaused
		err = unmarshalOptional(data, &v)
		p = v
	case TypeKernelResumed:
		var v KernelResumed
		err = unmarshalOptional(data, &v)
		p = v
	case TypeKernelCompleted:
		var v KernelCompleted
		err = unmarshalOptional(data, &v)
		p = v
	case TypeQuotaExceeded:
		var v QuotaExceeded
		err = unmarshalOptional(data, &v)
		p = v
	default:
		p = Domain{Type: eventType, Data: data}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalOptional(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
