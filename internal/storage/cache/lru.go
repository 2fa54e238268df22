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

package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry 缓存项；lastAccessed 仅用于观测，淘汰顺序由 lru 链表决定
type entry struct {
	value        any
	lastAccessed time.Time
}

// LRU 固定容量、按最久未访问淘汰的缓存
type LRU struct {
	mu        sync.Mutex
	items     *lru.Cache[string, *entry]
	capacity  int
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	now       func() time.Time
}

// NewLRU 创建容量为 maxSize 的 LRU 缓存
func NewLRU(maxSize int) (*LRU, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxSize)
	}
	items, err := lru.New[string, *entry](maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	return &LRU{items: items, capacity: maxSize, now: time.Now}, nil
}

// Get 读取并刷新访问时间
func (c *LRU) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e.lastAccessed = c.now()
	c.hits.Add(1)
	return e.value, true
}

// Peek 读取但不影响淘汰顺序
func (c *LRU) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items.Peek(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set 写入；已存在的 key 原地更新并刷新访问时间
func (c *LRU) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items.Add(key, &entry{value: value, lastAccessed: c.now()}) {
		c.evictions.Add(1)
	}
}

// Delete 删除
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(key)
}

// Clear 清空（不计入淘汰数）
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Purge()
}

// Len 当前条目数
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// LastAccessed 返回 key 的最近访问时间
func (c *LRU) LastAccessed(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items.Peek(key)
	if !ok {
		return time.Time{}, false
	}
	return e.lastAccessed, true
}

// Stats 统计信息
func (c *LRU) Stats() Stats {
	return Stats{
		Size:      c.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// nopCache 关闭缓存时使用：所有读取均未命中
type nopCache struct{}

func (nopCache) Get(string) (any, bool)  { return nil, false }
func (nopCache) Peek(string) (any, bool) { return nil, false }
func (nopCache) Set(string, any)         {}
func (nopCache) Delete(string)           {}
func (nopCache) Clear()                  {}
func (nopCache) Len() int                { return 0 }
func (nopCache) Stats() Stats            { return Stats{} }
