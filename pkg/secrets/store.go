// Copyright 2026 fanjia1024
// Secret resolution for agent credentials (license key, tokens)

package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Getter 只读 secret 来源；agent 只需要按 key 取值
type Getter interface {
	Get(ctx context.Context, key string) (string, error)
}

// Config secret 来源配置
type Config struct {
	Provider string `mapstructure:"provider"` // static | env | vault
	// Static provider=static 时的固定内容（key -> value）
	Static map[string]string `mapstructure:"static"`
	// EnvPrefix provider=env 时追加在 key 前的前缀，如 APM_
	EnvPrefix string      `mapstructure:"env_prefix"`
	Vault     VaultConfig `mapstructure:"vault"`
}

// NewStore 根据配置创建 Getter
func NewStore(config Config) (Getter, error) {
	switch config.Provider {
	case "", "static", "memory":
		return NewStaticStore(config.Static), nil
	case "env":
		return NewEnvStore(config.EnvPrefix), nil
	case "vault":
		store, err := NewVaultStore(config.Vault)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}

const (
	vaultRefPrefix = "vault:"
	envRefPrefix   = "env:"
)

// IsRef 判断 value 是否为 secret 引用
func IsRef(value string) bool {
	return strings.HasPrefix(value, vaultRefPrefix) || strings.HasPrefix(value, envRefPrefix)
}

// Resolve 解析 secret 引用：
//   - "env:NAME" 读取环境变量（不经过 store）
//   - "vault:key" 从 store 读取
//   - 其他值原样返回
func Resolve(ctx context.Context, store Getter, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, envRefPrefix):
		return NewEnvStore("").Get(ctx, strings.TrimPrefix(ref, envRefPrefix))
	case strings.HasPrefix(ref, vaultRefPrefix):
		if store == nil {
			return "", fmt.Errorf("no secret store configured for %q", ref)
		}
		value, err := store.Get(ctx, strings.TrimPrefix(ref, vaultRefPrefix))
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", ref, err)
		}
		return strings.TrimSpace(value), nil
	default:
		return ref, nil
	}
}
