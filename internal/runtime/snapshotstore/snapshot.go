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

// Package snapshotstore 定义 Kernel 快照的可序列化结构、内容哈希与 Persistor 实现（memory / postgres / redis）
package snapshotstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion 快照结构版本；结构变化时递增
const SchemaVersion = 1

// hashDomain 快照哈希的域前缀，带版本便于以后迁移算法
const hashDomain = "exec-kernel/snapshot/v1"

// Quotas 配额（快照中的可序列化形式）
type Quotas struct {
	MaxDuration time.Duration `json:"max_duration,omitempty"`
	MaxMemory   uint64        `json:"max_memory,omitempty"`
	MaxEvents   int64         `json:"max_events,omitempty"`
}

// State KernelState 的可序列化形式
type State struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	JobID             string         `json:"job_id"`
	CorrelationID     string         `json:"correlation_id"`
	ContextData       map[string]any `json:"context_data"`
	StateData         map[string]any `json:"state_data"`
	Status            string         `json:"status"`
	StartTime         time.Time      `json:"start_time"`
	EventCount        int64          `json:"event_count"`
	Quotas            Quotas         `json:"quotas"`
	OperationID       string         `json:"operation_id,omitempty"`
	LastOperationHash string         `json:"last_operation_hash,omitempty"`
	PendingOperations []string       `json:"pending_operations"`
}

// Snapshot 不可变的内容寻址快照；Hash 为 {events, state} 的确定性摘要，也是 resume 令牌
type Snapshot struct {
	SchemaVersion int               `json:"schema_version"`
	XCID          string            `json:"xc_id"` // 执行 ID（= State.ID）
	TS            time.Time         `json:"ts"`
	Events        []json.RawMessage `json:"events"` // 事件归 Runtime 所有，此处恒为空
	State         State             `json:"state"`
	Hash          string            `json:"hash"`
}

// AppendOptions 写入选项
type AppendOptions struct {
	// UseDelta 仅存储相对同一执行上一快照变化的命名空间（存储实现不支持时忽略）
	UseDelta bool
}

// Persistor 快照存储；GetByHash 不存在时返回 (nil, nil)
type Persistor interface {
	Append(ctx context.Context, snap *Snapshot, opts AppendOptions) error
	GetByHash(ctx context.Context, hash string) (*Snapshot, error)
}

// Cleaner 可选：按保留策略清理旧快照
type Cleaner interface {
	CleanupOldSnapshots(ctx context.Context) error
}

// Closer 可选：释放连接
type Closer interface {
	Close() error
}

// hashedContent 参与哈希的内容
type hashedContent struct {
	Events []json.RawMessage `json:"events"`
	State  State             `json:"state"`
}

// ComputeHash 计算 {events, state} 的内容哈希：SHA256(domain + 0x00 + json)。
// encoding/json 对 map 键排序，结果与写入顺序无关。
func ComputeHash(events []json.RawMessage, state State) (string, error) {
	if events == nil {
		events = []json.RawMessage{}
	}
	data, err := json.Marshal(hashedContent{Events: events, State: state})
	if err != nil {
		return "", fmt.Errorf("snapshot hash: failed to marshal: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// New 构造快照并计算哈希；state 须已是可序列化的深拷贝
func New(state State, ts time.Time) (*Snapshot, error) {
	state.StartTime = state.StartTime.UTC()
	if state.PendingOperations == nil {
		state.PendingOperations = []string{}
	}
	snap := &Snapshot{
		SchemaVersion: SchemaVersion,
		XCID:          state.ID,
		TS:            ts.UTC(),
		Events:        []json.RawMessage{},
		State:         state,
	}
	hash, err := ComputeHash(snap.Events, snap.State)
	if err != nil {
		return nil, err
	}
	snap.Hash = hash
	return snap, nil
}

// Verify 重新计算哈希并与 Hash 比较
func (s *Snapshot) Verify() error {
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("snapshot %s: unsupported schema version %d", s.Hash, s.SchemaVersion)
	}
	hash, err := ComputeHash(s.Events, s.State)
	if err != nil {
		return err
	}
	if hash != s.Hash {
		return fmt.Errorf("snapshot %s: content hash mismatch (computed %s)", s.Hash, hash)
	}
	return nil
}

// Encode 序列化
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode 反序列化；上下文与状态数据中的数字按 CloneData 的规则还原
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	s.State.ContextData = normalizeMap(s.State.ContextData)
	s.State.StateData = normalizeMap(s.State.StateData)
	if s.Events == nil {
		s.Events = []json.RawMessage{}
	}
	return &s, nil
}

func validate(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if snap.Hash == "" || snap.XCID == "" {
		return fmt.Errorf("snapshot requires hash and xc_id")
	}
	return nil
}
