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

package redaction

import "strings"

// 参数所属的记录类型
const (
	KindTrace = "trace"
	KindError = "error"
)

// RedactionPolicy 上报前对 trace/error 参数的脱敏策略
type RedactionPolicy struct {
	KindRules   map[string][]FieldMask // kind -> field masks
	GlobalRules []FieldMask            // 应用于所有记录
}

// FieldMask 字段掩码配置
type FieldMask struct {
	FieldPath string        // 点分路径，如 "user.email"；各级 key 不区分大小写
	Mode      RedactionMode // 脱敏模式
	Salt      string        // Hash 模式的 salt（可选）
}

// RedactionMode 脱敏模式
type RedactionMode string

const (
	RedactionModeRedact  RedactionMode = "redact"  // 替换为 "***REDACTED***"
	RedactionModeHash    RedactionMode = "hash"    // 替换为 SHA256 hash
	RedactionModeEncrypt RedactionMode = "encrypt" // AES-GCM 加密（需要 key）
	RedactionModeRemove  RedactionMode = "remove"  // 完全移除字段
)

// Config 脱敏配置（viper）
type Config struct {
	Enable bool `mapstructure:"enable"`
	// Keys 在所有记录中直接替换为 ***REDACTED*** 的参数名
	Keys       []string     `mapstructure:"keys"`
	Rules      []RuleConfig `mapstructure:"rules"`
	EncryptKey string       `mapstructure:"encrypt_key"` // hex 编码的 AES key，encrypt 模式使用
}

// RuleConfig 单条规则；Kind 为空时作为全局规则
type RuleConfig struct {
	Kind string        `mapstructure:"kind"`
	Path string        `mapstructure:"path"`
	Mode RedactionMode `mapstructure:"mode"`
	Salt string        `mapstructure:"salt"`
}

// LoadPolicyFromConfig 从配置加载脱敏策略；未启用时返回 nil
func LoadPolicyFromConfig(config Config) *RedactionPolicy {
	if !config.Enable {
		return nil
	}

	policy := &RedactionPolicy{
		KindRules:   make(map[string][]FieldMask),
		GlobalRules: []FieldMask{},
	}
	for _, key := range config.Keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		policy.GlobalRules = append(policy.GlobalRules, FieldMask{FieldPath: key, Mode: RedactionModeRedact})
	}
	for _, rule := range config.Rules {
		mask := FieldMask{FieldPath: rule.Path, Mode: rule.Mode, Salt: rule.Salt}
		if mask.Mode == "" {
			mask.Mode = RedactionModeRedact
		}
		if rule.Kind == "" {
			policy.GlobalRules = append(policy.GlobalRules, mask)
			continue
		}
		policy.KindRules[rule.Kind] = append(policy.KindRules[rule.Kind], mask)
	}
	return policy
}
