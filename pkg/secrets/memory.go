// Copyright 2026 fanjia1024
// Static in-memory secret store (tests and local runs)

package secrets

import (
	"context"
	"fmt"
	"maps"
)

// memoryStore 静态注入的 secret，构造后只读
type memoryStore map[string]string

// NewMemoryStore 创建内存 secret store；seed 可选，后者覆盖前者
func NewMemoryStore(seed ...map[string]string) Store {
	m := memoryStore{}
	for _, kv := range seed {
		maps.Copy(m, kv)
	}
	return m
}

func (m memoryStore) Get(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return v, nil
}
