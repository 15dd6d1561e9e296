// Copyright 2026 fanjia1024
// Fixed secrets taken from configuration (development and tests)

package secrets

import (
	"context"
	"fmt"
)

// StaticStore 配置中写死的 secret，创建后只读
type StaticStore map[string]string

// NewStaticStore 复制 values 构造 StaticStore
func NewStaticStore(values map[string]string) StaticStore {
	s := make(StaticStore, len(values))
	for k, v := range values {
		s[k] = v
	}
	return s
}

// Get 实现 Getter
func (s StaticStore) Get(_ context.Context, key string) (string, error) {
	value, ok := s[key]
	if !ok {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return value, nil
}
