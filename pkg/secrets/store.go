// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
	"fmt"
	"strings"

	"exec-kernel/pkg/config"
)

// RefPrefix 配置值以该前缀开头时视为 secret 引用，如 "secret:kernel/pg_dsn"
const RefPrefix = "secret:"

// Store 只读 secret 来源；配置中的引用在启动时通过它解析
type Store interface {
	// Get 读取 secret，不存在时返回错误
	Get(ctx context.Context, key string) (string, error)
}

// NewStore 根据配置创建 Secret Store
func NewStore(cfg config.SecretsConfig) (Store, error) {
	switch cfg.Provider {
	case "memory":
		return NewMemoryStore(), nil
	case "", "env":
		return NewEnvStore(), nil
	case "vault":
		return NewVaultStore(cfg.Vault)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", cfg.Provider)
	}
}

// IsRef 判断配置值是否为 secret 引用
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// Resolve 解析配置值：secret 引用从 store 读取，其余原样返回
func Resolve(ctx context.Context, store Store, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	key := strings.TrimPrefix(value, RefPrefix)
	if key == "" {
		return "", fmt.Errorf("empty secret reference")
	}
	if store == nil {
		return "", fmt.Errorf("secret %s referenced but no secret store configured", key)
	}
	v, err := store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve secret %s: %w", key, err)
	}
	return v, nil
}

// ResolveAll 依次解析多个字段，任一失败即返回
func ResolveAll(ctx context.Context, store Store, fields ...*string) error {
	for _, f := range fields {
		if f == nil {
			continue
		}
		v, err := Resolve(ctx, store, *f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}
