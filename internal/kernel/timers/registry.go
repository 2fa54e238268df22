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

// Package timers 提供由 Kernel 显式持有、可取消的定时任务注册表。
// 所有定时器（配额、DLQ 恢复、防抖 flush、自动快照）都登记在这里，Reset/Clear 时按分组统一取消，
// 不依赖 GC 回收遗留定时器。
package timers

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity 注册表容量上限；超过时取消并丢弃最早登记的任务
const DefaultCapacity = 100

// Group 定时任务分组
type Group string

const (
	// GroupPerf 性能相关：防抖 flush、自动快照
	GroupPerf Group = "perf"
	// GroupMonitor 监控相关：配额、DLQ 恢复、恢复计数重置
	GroupMonitor Group = "monitor"
)

// ID 定时任务标识
type ID uint64

type task struct {
	id     ID
	name   string
	group  Group
	timer  *time.Timer        // 一次性任务
	cancel context.CancelFunc // 周期任务
}

func (t *task) stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// Info 任务快照信息（用于状态展示）
type Info struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Group Group  `json:"group"`
}

// Registry 有界定时任务注册表，并发安全
type Registry struct {
	mu       sync.Mutex
	capacity int
	next     ID
	tasks    map[ID]*task
	byName   map[string]ID
	order    []ID // 登记顺序，已移除的 id 惰性跳过
	onEvict  func(Info)
}

// Option 注册表选项
type Option func(*Registry)

// WithEvictHook 超容量淘汰任务时回调（如打日志）
func WithEvictHook(fn func(Info)) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// NewRegistry 创建注册表；capacity<=0 时使用 DefaultCapacity
func NewRegistry(capacity int, opts ...Option) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Registry{
		capacity: capacity,
		tasks:    make(map[ID]*task),
		byName:   make(map[string]ID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Schedule 登记一次性任务，d 之后在独立 goroutine 中执行 fn。
// 已取消的任务保证不会再执行 fn（除非取消时 fn 已开始执行）。
func (r *Registry) Schedule(group Group, name string, d time.Duration, fn func()) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.addLocked(group, name)
	id := t.id
	t.timer = time.AfterFunc(d, func() {
		if !r.take(id) {
			return
		}
		fn()
	})
	return id
}

// Replace 与 Schedule 相同，但会先取消同名的存活任务（防抖、一次性配额定时器）
func (r *Registry) Replace(group Group, name string, d time.Duration, fn func()) ID {
	r.mu.Lock()
	if old, ok := r.byName[name]; ok {
		r.cancelLocked(old)
	}
	r.mu.Unlock()
	return r.Schedule(group, name, d, fn)
}

// Every 登记周期任务：每隔 interval 执行一次 fn，直到被取消
func (r *Registry) Every(group Group, name string, interval time.Duration, fn func()) ID {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	t := r.addLocked(group, name)
	t.cancel = cancel
	id := t.id
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()
	return id
}

// Cancel 取消任务；不存在时返回 false
func (r *Registry) Cancel(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(id)
}

// CancelName 按名称取消任务
func (r *Registry) CancelName(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return false
	}
	return r.cancelLocked(id)
}

// CancelGroup 取消分组内全部任务，返回取消数
func (r *Registry) CancelGroup(group Group) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tasks {
		if t.group == group && r.cancelLocked(id) {
			n++
		}
	}
	r.compactLocked()
	return n
}

// CancelAll 取消全部任务
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id := range r.tasks {
		if r.cancelLocked(id) {
			n++
		}
	}
	r.order = r.order[:0]
	return n
}

// Has 按名称判断任务是否存活
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byName[name]
	return ok
}

// Len 存活任务数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// List 存活任务，按登记顺序
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.tasks))
	for _, id := range r.order {
		if t, ok := r.tasks[id]; ok {
			out = append(out, Info{ID: t.id, Name: t.name, Group: t.group})
		}
	}
	return out
}

func (r *Registry) addLocked(group Group, name string) *task {
	for len(r.tasks) >= r.capacity {
		r.evictOldestLocked()
	}
	r.next++
	t := &task{id: r.next, name: name, group: group}
	r.tasks[t.id] = t
	if name != "" {
		r.byName[name] = t.id
	}
	r.order = append(r.order, t.id)
	if len(r.order) > 2*r.capacity {
		r.compactLocked()
	}
	return t
}

func (r *Registry) evictOldestLocked() {
	for len(r.order) > 0 {
		id := r.order[0]
		r.order = r.order[1:]
		t, ok := r.tasks[id]
		if !ok {
			continue
		}
		r.cancelLocked(id)
		if r.onEvict != nil {
			r.onEvict(Info{ID: t.id, Name: t.name, Group: t.group})
		}
		return
	}
}

func (r *Registry) cancelLocked(id ID) bool {
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	t.stop()
	r.removeLocked(t)
	return true
}

func (r *Registry) removeLocked(t *task) {
	delete(r.tasks, t.id)
	if t.name != "" && r.byName[t.name] == t.id {
		delete(r.byName, t.name)
	}
}

func (r *Registry) compactLocked() {
	kept := r.order[:0]
	for _, id := range r.order {
		if _, ok := r.tasks[id]; ok {
			kept = append(kept, id)
		}
	}
	r.order = kept
}

// take 一次性任务触发时从注册表摘除；已被取消则返回 false
func (r *Registry) take(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	r.removeLocked(t)
	return true
}
