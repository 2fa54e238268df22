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

	"exec-kernel/pkg/config"
	"exec-kernel/pkg/errors"
)

// ErrExists 同一 tenant:job 的 Kernel 已存在
var ErrExists = stderrors.New("kernel already exists")

// Manager 进程内 Kernel 注册表，按 tenant:job 索引；所有 Kernel 共享基础配置与协作者
type Manager struct {
	base config.KernelConfig
	opts []Option

	mu      sync.RWMutex
	kernels map[string]*Kernel
}

// NewManager 创建 Manager；base 中的 TenantID/JobID 在 Create 时被覆盖
func NewManager(base config.KernelConfig, opts ...Option) *Manager {
	return &Manager{
		base:    base,
		opts:    opts,
		kernels: make(map[string]*Kernel),
	}
}

// Create 创建处于 initialized 状态的 Kernel；jobID 为空时自动生成
func (m *Manager) Create(tenantID, jobID string, quotas *config.QuotaConfig) (*Kernel, error) {
	cfg := m.base
	cfg.TenantID = tenantID
	cfg.JobID = jobID
	if quotas != nil {
		cfg.Quotas = *quotas
	}
	k, err := New(cfg, m.opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.kernels[k.ID()]; ok {
		return nil, fmt.Errorf("create %s: %w", k.ID(), ErrExists)
	}
	m.kernels[k.ID()] = k
	return k, nil
}

// Get 按 ID 获取 Kernel，不存在返回 nil
func (m *Manager) Get(id string) *Kernel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kernels[id]
}

// MustGet 不存在时返回 errors.ErrNotFound
func (m *Manager) MustGet(id string) (*Kernel, error) {
	if k := m.Get(id); k != nil {
		return k, nil
	}
	return nil, fmt.Errorf("kernel %s: %w", id, errors.ErrNotFound)
}

// List 按 ID 排序返回全部 Kernel
func (m *Manager) List() []*Kernel {
	m.mu.RLock()
	list := make([]*Kernel, 0, len(m.kernels))
	for _, k := range m.kernels {
		list = append(list, k)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

// Remove 清理并移除 Kernel（若存在）
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	k, ok := m.kernels[id]
	delete(m.kernels, id)
	m.mu.Unlock()
	if ok {
		k.Clear()
	}
	return ok
}

// Len 当前 Kernel 数
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.kernels)
}

// Shutdown 暂停仍在运行的 Kernel 以留下可恢复的快照，然后清理全部定时器与 Runtime
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	list := make([]*Kernel, 0, len(m.kernels))
	for _, k := range m.kernels {
		list = append(list, k)
	}
	m.kernels = make(map[string]*Kernel)
	m.mu.Unlock()

	for _, k := range list {
		if k.currentStatus() == StatusRunning {
			if hash, err := k.Pause(ctx, "shutdown"); err != nil {
				k.log.Warn("关闭时暂停失败", "error", err)
			} else {
				k.log.Info("关闭时已暂停", "snapshot", hash)
			}
		}
		k.Clear()
	}
}
