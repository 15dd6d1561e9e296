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

package buffer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"apm-agent/pkg/metrics"
)

// DefaultMaxErrors 单个周期保留的错误上限
const DefaultMaxErrors = 20

// ErrorRecord 一条已捕获的错误
type ErrorRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Path      string         `json:"path"` // 所在事务名
	Message   string         `json:"message"`
	Class     string         `json:"class"`
	Params    map[string]any `json:"params,omitempty"`
}

// ErrorsConfig 错误缓冲配置
type ErrorsConfig struct {
	Enabled      bool
	MaxErrors    int
	MaxPerSecond float64 // <=0 不限流
	IgnoreClass  []string
}

// Errors 有界、限流的错误缓冲，按捕获顺序保存
type Errors struct {
	mu      sync.Mutex
	enabled bool
	max     int
	limiter *rate.Limiter
	ignore  map[string]struct{}
	items   []*ErrorRecord
	now     func() time.Time
}

// NewErrors 创建错误缓冲
func NewErrors(cfg ErrorsConfig) *Errors {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	e := &Errors{
		enabled: cfg.Enabled,
		max:     cfg.MaxErrors,
		ignore:  make(map[string]struct{}, len(cfg.IgnoreClass)),
		now:     time.Now,
	}
	if cfg.MaxPerSecond > 0 {
		burst := int(cfg.MaxPerSecond)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxPerSecond), burst)
	}
	for _, c := range cfg.IgnoreClass {
		e.ignore[c] = struct{}{}
	}
	return e
}

// Enabled 当前是否采集错误
func (e *Errors) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Enable 开启采集
func (e *Errors) Enable() {
	e.mu.Lock()
	e.enabled = true
	e.mu.Unlock()
}

// Disable 关闭采集并丢弃缓冲
func (e *Errors) Disable() {
	e.mu.Lock()
	e.enabled = false
	e.items = nil
	e.mu.Unlock()
}

// Push 提交一条错误；关闭、忽略、限流或已满时丢弃并返回 false
func (e *Errors) Push(rec *ErrorRecord) bool {
	if rec == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return false
	}
	if _, ok := e.ignore[rec.Class]; ok {
		return false
	}
	if len(e.items) >= e.max {
		metrics.DroppedTotal.WithLabelValues("error", "buffer_full").Inc()
		return false
	}
	// 只有会被接收的错误才消耗限流额度
	if e.limiter != nil && !e.limiter.Allow() {
		metrics.DroppedTotal.WithLabelValues("error", "rate_limited").Inc()
		return false
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.now()
	}
	e.items = append(e.items, rec)
	return true
}

// Swap 取出全部错误（最早的在前）并清空
func (e *Errors) Swap() []*ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.items
	e.items = nil
	return out
}

// MergeBack 未发送成功的错误放回队首，超过上限时丢弃最新的
func (e *Errors) MergeBack(unsent []*ErrorRecord) {
	if len(unsent) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	merged := make([]*ErrorRecord, 0, len(unsent)+len(e.items))
	merged = append(merged, unsent...)
	merged = append(merged, e.items...)
	if len(merged) > e.max {
		metrics.DroppedTotal.WithLabelValues("error", "buffer_full").Add(float64(len(merged) - e.max))
		merged = merged[:e.max]
	}
	e.items = merged
}

// Len 当前缓冲的错误数
func (e *Errors) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// Reset 清空
func (e *Errors) Reset() {
	e.mu.Lock()
	e.items = nil
	e.mu.Unlock()
}
