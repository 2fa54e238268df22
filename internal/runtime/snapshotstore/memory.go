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

package snapshotstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultKeepSnapshots 每个执行默认保留的快照数
const DefaultKeepSnapshots = 10

// memEntry 一条存储记录；delta 记录只保存变化的命名空间，读取时沿 base 链还原
type memEntry struct {
	hash    string
	xcID    string
	data    []byte // 快照 JSON；delta 记录中 context_data 为空
	base    string
	changed map[string]json.RawMessage
	removed []string
}

// MemoryStore 进程内 Persistor，按执行保留最近 keep 个快照
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	byXC    map[string][]string // xcID -> hash，按写入顺序
	keep    int
	appends int
}

// NewMemoryStore 创建内存快照存储；keep<=0 使用 DefaultKeepSnapshots
func NewMemoryStore(keep int) *MemoryStore {
	if keep <= 0 {
		keep = DefaultKeepSnapshots
	}
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		byXC:    make(map[string][]string),
		keep:    keep,
	}
}

// Append 写入快照；同一 hash 重复写入视为幂等
func (s *MemoryStore) Append(ctx context.Context, snap *Snapshot, opts AppendOptions) error {
	if err := validate(snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if _, ok := s.entries[snap.Hash]; ok {
		return nil
	}

	entry := &memEntry{hash: snap.Hash, xcID: snap.XCID}
	hashes := s.byXC[snap.XCID]
	if opts.UseDelta && len(hashes) > 0 {
		prevHash := hashes[len(hashes)-1]
		prev, err := s.materializeLocked(prevHash)
		if err != nil {
			return err
		}
		changed, removed, err := diffContext(prev.State.ContextData, snap.State.ContextData)
		if err != nil {
			return err
		}
		stripped := *snap
		stripped.State.ContextData = nil
		data, err := stripped.Encode()
		if err != nil {
			return fmt.Errorf("snapshot encode: %w", err)
		}
		entry.data, entry.base, entry.changed, entry.removed = data, prevHash, changed, removed
	} else {
		data, err := snap.Encode()
		if err != nil {
			return fmt.Errorf("snapshot encode: %w", err)
		}
		entry.data = data
	}
	s.entries[snap.Hash] = entry
	s.byXC[snap.XCID] = append(hashes, snap.Hash)
	return nil
}

// GetByHash 读取快照（返回独立副本）；不存在返回 (nil, nil)
func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entries[hash]; !ok {
		return nil, nil
	}
	return s.materializeLocked(hash)
}

// CleanupOldSnapshots 每个执行只保留最近 keep 个快照；保留下来的 delta 记录先还原为完整记录
func (s *MemoryStore) CleanupOldSnapshots(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for xcID, hashes := range s.byXC {
		if len(hashes) <= s.keep {
			continue
		}
		kept := hashes[len(hashes)-s.keep:]
		for _, h := range kept {
			e := s.entries[h]
			if e.base == "" {
				continue
			}
			full, err := s.materializeLocked(h)
			if err != nil {
				return err
			}
			data, err := full.Encode()
			if err != nil {
				return err
			}
			s.entries[h] = &memEntry{hash: h, xcID: xcID, data: data}
		}
		for _, h := range hashes[:len(hashes)-s.keep] {
			delete(s.entries, h)
		}
		s.byXC[xcID] = append([]string(nil), kept...)
	}
	return nil
}

// Len 当前存储的快照数
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// AppendCount Append 调用次数（含重复 hash）
func (s *MemoryStore) AppendCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appends
}

// Hashes 某执行的快照 hash，按写入顺序
func (s *MemoryStore) Hashes(xcID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.byXC[xcID]...)
}

// IsDelta 快照是否以 delta 形式存储
func (s *MemoryStore) IsDelta(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hash]
	return ok && e.base != ""
}

func (s *MemoryStore) materializeLocked(hash string) (*Snapshot, error) {
	e, ok := s.entries[hash]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: delta base missing", hash)
	}
	snap, err := Decode(e.data)
	if err != nil {
		return nil, err
	}
	if e.base == "" {
		return snap, nil
	}
	base, err := s.materializeLocked(e.base)
	if err != nil {
		return nil, err
	}
	ctxData := base.State.ContextData
	if ctxData == nil {
		ctxData = make(map[string]any)
	}
	for _, k := range e.removed {
		delete(ctxData, k)
	}
	for k, raw := range e.changed {
		var v any
		if err := decodeValue(raw, &v); err != nil {
			return nil, fmt.Errorf("snapshot %s: decode delta %q: %w", hash, k, err)
		}
		ctxData[k] = v
	}
	snap.State.ContextData = ctxData
	return snap, nil
}

// diffContext 按顶层命名空间比较两份上下文
func diffContext(prev, cur map[string]any) (map[string]json.RawMessage, []string, error) {
	changed := make(map[string]json.RawMessage)
	for k, v := range cur {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot delta %q: %w", k, err)
		}
		if old, ok := prev[k]; ok {
			oldRaw, err := json.Marshal(old)
			if err == nil && bytes.Equal(oldRaw, raw) {
				continue
			}
		}
		changed[k] = raw
	}
	var removed []string
	for k := range prev {
		if _, ok := cur[k]; !ok {
			removed = append(removed, k)
		}
	}
	return changed, removed, nil
}
