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

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Redacted 替换后的占位值
const Redacted = "***REDACTED***"

// Engine 脱敏引擎；policy 为 nil 时所有方法原样返回
type Engine struct {
	policy     *RedactionPolicy
	encryptKey []byte // For encryption mode
}

// NewEngine 创建脱敏引擎
func NewEngine(policy *RedactionPolicy, encryptKey []byte) *Engine {
	return &Engine{
		policy:     policy,
		encryptKey: encryptKey,
	}
}

// NewEngineFromConfig 由配置创建引擎；encrypt_key 不是合法 hex 时返回错误
func NewEngineFromConfig(config Config) (*Engine, error) {
	var key []byte
	if config.EncryptKey != "" {
		k, err := hex.DecodeString(config.EncryptKey)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction encrypt_key: %w", err)
		}
		key = k
	}
	return NewEngine(LoadPolicyFromConfig(config), key), nil
}

// RedactParams 对一条记录的参数应用脱敏策略，返回新的 map，不修改入参
func (e *Engine) RedactParams(kind string, params map[string]any) map[string]any {
	if e == nil || e.policy == nil || len(params) == 0 {
		return params
	}
	rules := append([]FieldMask{}, e.policy.KindRules[kind]...)
	rules = append(rules, e.policy.GlobalRules...)
	if len(rules) == 0 {
		return params
	}

	out := cloneMap(params)
	for _, rule := range rules {
		e.applyFieldMask(out, rule)
	}
	return out
}

// applyFieldMask 应用字段掩码；途经的嵌套 map 会先拷贝
func (e *Engine) applyFieldMask(obj map[string]any, mask FieldMask) {
	// 解析 field path (e.g., "user.email" -> ["user", "email"])
	parts := strings.Split(mask.FieldPath, ".")

	// 定位字段
	current := obj
	for i := 0; i < len(parts)-1; i++ {
		key, ok := lookupKey(current, parts[i])
		if !ok {
			return
		}
		next, ok := current[key].(map[string]any)
		if !ok {
			return // 字段不存在
		}
		next = cloneMap(next)
		current[key] = next
		current = next
	}

	lastKey, exists := lookupKey(current, parts[len(parts)-1])
	if !exists {
		return
	}
	value := current[lastKey]

	// 应用脱敏
	switch mask.Mode {
	case RedactionModeRedact:
		current[lastKey] = Redacted

	case RedactionModeHash:
		current[lastKey] = e.hashValue(fmt.Sprintf("%v", value), mask.Salt)

	case RedactionModeEncrypt:
		encrypted, err := e.encryptValue(fmt.Sprintf("%v", value))
		if err != nil {
			// 无法加密时不上报原值
			current[lastKey] = Redacted
			return
		}
		current[lastKey] = encrypted

	case RedactionModeRemove:
		delete(current, lastKey)
	}
}

func lookupKey(m map[string]any, name string) (string, bool) {
	if _, ok := m[name]; ok {
		return name, true
	}
	for k := range m {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// hashValue 计算字段的 SHA256 hash
func (e *Engine) hashValue(value string, salt string) string {
	h := sha256.New()
	h.Write([]byte(value))
	if salt != "" {
		h.Write([]byte(salt))
	}
	return "hash:" + hex.EncodeToString(h.Sum(nil))
}

// encryptValue 加密字段值（AES-256-GCM）
func (e *Engine) encryptValue(value string) (string, error) {
	if len(e.encryptKey) == 0 {
		return "", fmt.Errorf("encryption key not configured")
	}

	block, err := aes.NewCipher(e.encryptKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(value), nil)
	return "enc:" + hex.EncodeToString(ciphertext), nil
}
