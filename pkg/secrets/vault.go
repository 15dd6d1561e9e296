// Copyright 2026 fanjia1024
// HashiCorp Vault secret store for the collector license key

package secrets

import (
	"context"
	"fmt"
	"path"

	vault "github.com/hashicorp/vault/api"
)

// 未配置 Field 时依次尝试的字段
var defaultVaultFields = []string{"value", "license_key"}

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string `mapstructure:"address"` // 如 http://vault:8200
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"` // 如 "secret/data/apm"
	// Field secret 中承载取值的字段；为空时依次尝试 value、license_key，最后取唯一的字符串字段
	Field string `mapstructure:"field"`
	// SkipHealthCheck 创建时不探测 vault 健康状态（测试或延迟可用的场景）
	SkipHealthCheck bool `mapstructure:"skip_health_check"`
}

// VaultStore 只读的 Vault 来源，兼容 KV v1 与 KV v2 的返回结构
type VaultStore struct {
	logical    *vault.Logical
	pathPrefix string
	field      string
}

// NewVaultStore 创建 VaultStore；未设置 SkipHealthCheck 时先确认 vault 可用
func NewVaultStore(config VaultConfig) (*VaultStore, error) {
	cfg := vault.DefaultConfig()
	if config.Address != "" {
		cfg.Address = config.Address
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if !config.SkipHealthCheck {
		if _, err := client.Sys().Health(); err != nil {
			return nil, fmt.Errorf("failed to connect to vault: %w", err)
		}
	}

	prefix := config.PathPrefix
	if prefix == "" {
		prefix = "secret"
	}
	return &VaultStore{logical: client.Logical(), pathPrefix: prefix, field: config.Field}, nil
}

// Get 读取 <path_prefix>/<key> 并取出字段值
func (v *VaultStore) Get(ctx context.Context, key string) (string, error) {
	secretPath := path.Join(v.pathPrefix, key)
	secret, err := v.logical.ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read %s from vault: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return v.pick(key, secret.Data)
}

func (v *VaultStore) pick(key string, data map[string]interface{}) (string, error) {
	// KV v2 将实际内容包在 data 字段下
	if inner, ok := data["data"].(map[string]interface{}); ok {
		data = inner
	}
	if v.field != "" {
		if s, ok := data[v.field].(string); ok {
			return s, nil
		}
		return "", fmt.Errorf("secret %s has no string field %q", key, v.field)
	}
	for _, field := range defaultVaultFields {
		if s, ok := data[field].(string); ok {
			return s, nil
		}
	}
	var found []string
	for _, val := range data {
		if s, ok := val.(string); ok {
			found = append(found, s)
		}
	}
	if len(found) == 1 {
		return found[0], nil
	}
	return "", fmt.Errorf("secret value not found: %s", key)
}
