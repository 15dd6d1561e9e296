// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvStore 从环境变量读取 secret
type EnvStore struct {
	prefix string
}

// NewEnvStore prefix 非空时 key 自动加前缀并转为大写，如 prefix=APM_ 时 license_key -> APM_LICENSE_KEY
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{prefix: prefix}
}

func (e *EnvStore) name(key string) string {
	if e.prefix == "" {
		return key
	}
	return strings.ToUpper(e.prefix + key)
}

// Get 实现 Getter；未设置或为空都视为不存在
func (e *EnvStore) Get(_ context.Context, key string) (string, error) {
	name := e.name(key)
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("environment variable not set: %s", name)
	}
	return value, nil
}
