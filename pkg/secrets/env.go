// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envStore 从环境变量读取；key 中的 "/" "-" "." 转为 "_" 并大写，原样名称优先
type envStore struct{}

// NewEnvStore 创建环境变量 secret store
func NewEnvStore() Store {
	return envStore{}
}

var envKeyReplacer = strings.NewReplacer("/", "_", "-", "_", ".", "_")

func (envStore) Get(_ context.Context, key string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	name := strings.ToUpper(envKeyReplacer.Replace(key))
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("environment variable not set: %s", name)
}
