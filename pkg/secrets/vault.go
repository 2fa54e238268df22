// Copyright 2026 fanjia1024
// HashiCorp Vault based secret store

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"exec-kernel/pkg/config"
)

type vaultStore struct {
	client     *vault.Client
	pathPrefix string
}

// NewVaultStore 创建 Vault secret store
func NewVaultStore(cfg config.VaultConfig) (Store, error) {
	if cfg.Address == "" {
		cfg.Address = "http://localhost:8200"
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.Address

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	prefix := "secret"
	if cfg.PathPrefix != "" {
		prefix = strings.TrimSuffix(cfg.PathPrefix, "/")
	}
	return newVaultStoreWithClient(client, prefix), nil
}

func newVaultStoreWithClient(client *vault.Client, prefix string) *vaultStore {
	return &vaultStore{client: client, pathPrefix: prefix}
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.pathPrefix+"/"+key)
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return extractValue(key, secret.Data)
}

// extractValue KV v2 的数据位于 data 子对象中，KV v1 直接位于顶层；优先取 "value" 字段
func extractValue(key string, data map[string]interface{}) (string, error) {
	if inner, ok := data["data"].(map[string]interface{}); ok {
		data = inner
	}
	if s, ok := data["value"].(string); ok {
		return s, nil
	}
	for _, val := range data {
		if s, ok := val.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("secret value not found: %s", key)
}
