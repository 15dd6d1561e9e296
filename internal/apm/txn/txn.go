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

// Package txn 在 context 中携带单个工作单元（事务）的状态与开关，替代线程局部变量。
// context 不可变，开关在离开作用域时自动恢复。
package txn

import (
	"context"
	"sync"
	"time"
)

type (
	txnKey       struct{}
	tracingKey   struct{}
	recordSQLKey struct{}
)

// Transaction 一个正在进行的工作单元
type Transaction struct {
	Name  string
	URI   string
	Start time.Time

	mu     sync.Mutex
	params map[string]any
	end    time.Time
}

// Start 在 ctx 上开始一个事务
func Start(ctx context.Context, name string, now time.Time) (context.Context, *Transaction) {
	t := &Transaction{Name: name, Start: now, params: make(map[string]any)}
	return context.WithValue(ctx, txnKey{}, t), t
}

// FromContext 取出当前事务；没有时返回 nil
func FromContext(ctx context.Context) *Transaction {
	t, _ := ctx.Value(txnKey{}).(*Transaction)
	return t
}

// SetParam 附加自定义参数
func (t *Transaction) SetParam(key string, value any) {
	t.mu.Lock()
	t.params[key] = value
	t.mu.Unlock()
}

// Params 参数副本
func (t *Transaction) Params() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.params))
	for k, v := range t.params {
		out[k] = v
	}
	return out
}

// Finish 标记结束并返回耗时；重复调用返回首次的耗时且 first 为 false
func (t *Transaction) Finish(now time.Time) (d time.Duration, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.end.IsZero() {
		return t.end.Sub(t.Start), false
	}
	t.end = now
	return now.Sub(t.Start), true
}

// WithTracing 设置当前作用域是否采集 trace
func WithTracing(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, tracingKey{}, enabled)
}

// TracingEnabled 当前作用域是否采集 trace，未设置时为 true
func TracingEnabled(ctx context.Context) bool {
	v, ok := ctx.Value(tracingKey{}).(bool)
	return !ok || v
}

// WithRecordSQL 设置当前作用域是否记录 SQL
func WithRecordSQL(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, recordSQLKey{}, enabled)
}

// RecordSQL 当前作用域是否记录 SQL，未设置时为 true
func RecordSQL(ctx context.Context) bool {
	v, ok := ctx.Value(recordSQLKey{}).(bool)
	return !ok || v
}

// Untraced 在关闭 trace 与 SQL 记录的作用域中执行 fn（后台 harvest 使用，避免 agent 追踪自身的请求）
func Untraced(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(WithRecordSQL(WithTracing(ctx, false), false))
}
