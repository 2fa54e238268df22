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
	"exec-kernel/pkg/config"
)

// DefaultSize 未配置 cache_size 时的容量
const DefaultSize = 1000

// NewCache 根据性能配置创建缓存；关闭缓存时返回恒不命中的实现
func NewCache(cfg config.PerformanceConfig) (Cache, error) {
	if !cfg.EnableCaching {
		return nopCache{}, nil
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultSize
	}
	return NewLRU(size)
}
