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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"exec-kernel/internal/kernel/timers"
	"exec-kernel/internal/runtime/snapshotstore"
	"exec-kernel/internal/storage/cache"
	"exec-kernel/pkg/errors"
	"exec-kernel/pkg/metrics"
)

const flushTimerName = "context.flush"

// pendingWrite 批量模式下排队的写入
type pendingWrite struct {
	scope     string
	namespace string
	key       string
	value     any
	timestamp time.Time
}

// contextStore 租户/线程作用域的上下文存储。
// data 为权威的 ContextData：scope -> namespace -> key -> value（未开启租户隔离且无 thread 时省略 scope 层）。
type contextStore struct {
	tenantID  string
	isolation bool
	batching  bool
	caching   bool
	debounce  time.Duration
	cache     cache.Cache
	timers    *timers.Registry

	mu    sync.Mutex
	data  map[string]any
	queue map[string]pendingWrite
}

func newContextStore(tenantID string, isolation, batching, caching bool, debounce time.Duration, c cache.Cache, reg *timers.Registry) *contextStore {
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	return &contextStore{
		tenantID:  tenantID,
		isolation: isolation,
		batching:  batching,
		caching:   caching,
		debounce:  debounce,
		cache:     c,
		timers:    reg,
		data:      make(map[string]any),
		queue:     make(map[string]pendingWrite),
	}
}

// scopeKey tenant:<id> 或 tenant:<id>:thread:<id>；未开启隔离时只保留 thread 层
func (s *contextStore) scopeKey(threadID string) string {
	var b strings.Builder
	if s.isolation {
		b.WriteString("tenant:")
		b.WriteString(s.tenantID)
	}
	if threadID != "" {
		if b.Len() > 0 {
			b.WriteByte(':')
		}
		b.WriteString("thread:")
		b.WriteString(threadID)
	}
	return b.String()
}

func cacheKey(scope, namespace, key string) string {
	if scope == "" {
		return namespace + ":" + key
	}
	return scope + ":" + namespace + ":" + key
}

func firstThread(threadID []string) string {
	if len(threadID) > 0 {
		return threadID[0]
	}
	return ""
}

// namespaceMap 返回 scope/namespace 对应的 map；create=false 且不存在时返回 nil
func (s *contextStore) namespaceMapLocked(scope, namespace string, create bool) map[string]any {
	parent := s.data
	if scope != "" {
		sm, ok := parent[scope].(map[string]any)
		if !ok {
			if !create {
				return nil
			}
			sm = make(map[string]any)
			parent[scope] = sm
		}
		parent = sm
	}
	nm, ok := parent[namespace].(map[string]any)
	if !ok {
		if !create {
			return nil
		}
		nm = make(map[string]any)
		parent[namespace] = nm
	}
	return nm
}

// get 先查缓存，未命中读权威数据并回填缓存
func (s *contextStore) get(namespace, key, threadID string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(namespace, key, threadID)
}

func (s *contextStore) getLocked(namespace, key, threadID string) (any, bool) {
	scope := s.scopeKey(threadID)
	ck := cacheKey(scope, namespace, key)
	if s.caching {
		if v, ok := s.cache.Get(ck); ok {
			metrics.ContextCacheTotal.WithLabelValues("hit").Inc()
			return v, true
		}
		metrics.ContextCacheTotal.WithLabelValues("miss").Inc()
	}
	nm := s.namespaceMapLocked(scope, namespace, false)
	if nm == nil {
		return nil, false
	}
	v, ok := nm[key]
	if ok && s.caching {
		s.cache.Set(ck, v)
	}
	return v, ok
}

// set 同步写权威数据；批量模式下排队并（重新）设置防抖 flush，同时让缓存中的旧值失效
func (s *contextStore) set(namespace, key string, value any, threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(namespace, key, value, threadID)
}

func (s *contextStore) setLocked(namespace, key string, value any, threadID string) {
	scope := s.scopeKey(threadID)
	ck := cacheKey(scope, namespace, key)
	s.namespaceMapLocked(scope, namespace, true)[key] = value
	if s.batching {
		s.queue[ck] = pendingWrite{scope: scope, namespace: namespace, key: key, value: value, timestamp: time.Now()}
		s.cache.Delete(ck)
		s.timers.Replace(timers.GroupPerf, flushTimerName, s.debounce, func() { s.flush() })
		return
	}
	if s.caching {
		s.cache.Set(ck, value)
	}
}

// increment 读-改-写，整个过程持有存储锁
func (s *contextStore) increment(namespace, key string, delta float64, threadID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.getLocked(namespace, key, threadID)
	var base float64
	if ok && cur != nil {
		n, err := toFloat(cur)
		if err != nil {
			return 0, fmt.Errorf("increment %s.%s: %w", namespace, key, err)
		}
		base = n
	}
	next := base + delta
	s.setLocked(namespace, key, next, threadID)
	return next, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", v)
	}
}

// flush 把排队的写入刷入权威数据与缓存，返回刷入条数
func (s *contextStore) flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *contextStore) flushLocked() int {
	s.timers.CancelName(flushTimerName)
	n := len(s.queue)
	for ck, w := range s.queue {
		s.namespaceMapLocked(w.scope, w.namespace, true)[w.key] = w.value
		if s.caching {
			s.cache.Set(ck, w.value)
		}
	}
	s.queue = make(map[string]pendingWrite)
	return n
}

// queued 排队中的写入数
func (s *contextStore) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// dropQueue 丢弃排队写入与防抖定时器（权威数据已同步写入，不会丢值）
func (s *contextStore) dropQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers.CancelName(flushTimerName)
	s.queue = make(map[string]pendingWrite)
}

// snapshotData flush 后深拷贝为 JSON 可表示的形式；存在无法表示的值时返回 KERNEL_SNAPSHOT_UNSERIALIZABLE
func (s *contextStore) snapshotData() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	out, err := deepCopyJSON(s.data)
	if err != nil {
		return nil, errors.WithCode(errors.CodeSnapshotUnserializable, "snapshot", err)
	}
	return out, nil
}

// peek 深拷贝当前数据（不 flush），用于状态展示
func (s *contextStore) peek() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopyJSON(s.data)
}

// replace 以恢复的数据整体替换，并清空缓存与排队写入
func (s *contextStore) replace(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data == nil {
		data = make(map[string]any)
	}
	s.data = data
	s.cache.Clear()
	s.timers.CancelName(flushTimerName)
	s.queue = make(map[string]pendingWrite)
}

// reset 清空全部数据
func (s *contextStore) reset() {
	s.replace(nil)
}

// warm 把全部键预热进缓存（关闭懒加载时在恢复后调用），返回写入条数
func (s *contextStore) warm() int {
	if !s.caching {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for top, v := range s.data {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if isScopeKey(top) {
			for ns, nv := range m {
				if keys, ok := nv.(map[string]any); ok {
					n += s.warmNamespace(top, ns, keys)
				}
			}
			continue
		}
		n += s.warmNamespace("", top, m)
	}
	return n
}

func (s *contextStore) warmNamespace(scope, namespace string, keys map[string]any) int {
	for k, v := range keys {
		s.cache.Set(cacheKey(scope, namespace, k), v)
	}
	return len(keys)
}

func isScopeKey(k string) bool {
	return strings.HasPrefix(k, "tenant:") || strings.HasPrefix(k, "thread:")
}

// deepCopyJSON 经 JSON 往返得到与快照一致的深拷贝，整数保持 int64 精度
func deepCopyJSON(m map[string]any) (map[string]any, error) {
	out, err := snapshotstore.CloneData(m)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}
