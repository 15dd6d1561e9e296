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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"apm-agent/pkg/metrics"
)

// Trace 一条已捕获的事务 trace；Segments 由 trace 构建方填充，核心不解析
type Trace struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	URI      string         `json:"uri,omitempty"`
	Start    time.Time      `json:"start"`
	Duration time.Duration  `json:"duration"`
	Params   map[string]any `json:"params,omitempty"`
	Segments any            `json:"segments,omitempty"`
}

// TracesConfig 采样配置
type TracesConfig struct {
	Enabled      bool
	MaxSamples   int  // 保留的最慢 trace 数，<=0 时为 1
	RandomSample bool // 额外每 SamplingRate 条保留一条随机样本
}

// Traces trace 采样器：只保留最慢的若干条
type Traces struct {
	mu           sync.Mutex
	enabled      bool
	maxSamples   int
	randomSample bool
	samplingRate int
	seen         int
	slowest      []*Trace // 按耗时降序
	random       *Trace
}

// NewTraces 创建 trace 采样器
func NewTraces(cfg TracesConfig) *Traces {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 1
	}
	return &Traces{
		enabled:      cfg.Enabled,
		maxSamples:   cfg.MaxSamples,
		randomSample: cfg.RandomSample,
	}
}

// Enabled 当前是否采样
func (t *Traces) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Enable 开启采样
func (t *Traces) Enable() {
	t.mu.Lock()
	t.enabled = true
	t.mu.Unlock()
}

// Disable 关闭采样并丢弃已保留的 trace
func (t *Traces) Disable() {
	t.mu.Lock()
	t.enabled = false
	t.slowest = nil
	t.random = nil
	t.mu.Unlock()
}

// SetSamplingRate collector 下发的随机采样率（每 N 条取一条）
func (t *Traces) SetSamplingRate(n int) {
	t.mu.Lock()
	t.samplingRate = n
	t.mu.Unlock()
}

// Push 提交一条 trace；返回是否被保留
func (t *Traces) Push(tr *Trace) bool {
	if tr == nil {
		return false
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return false
	}
	t.seen++
	kept := false
	if t.randomSample && t.samplingRate > 0 && t.seen%t.samplingRate == 0 {
		t.random = tr
		kept = true
	}
	if t.insertLocked(tr) {
		kept = true
	}
	return kept
}

func (t *Traces) insertLocked(tr *Trace) bool {
	if len(t.slowest) >= t.maxSamples && tr.Duration <= t.slowest[len(t.slowest)-1].Duration {
		return false
	}
	i := sort.Search(len(t.slowest), func(i int) bool { return t.slowest[i].Duration < tr.Duration })
	t.slowest = append(t.slowest, nil)
	copy(t.slowest[i+1:], t.slowest[i:])
	t.slowest[i] = tr
	if len(t.slowest) > t.maxSamples {
		t.slowest[len(t.slowest)-1] = nil
		t.slowest = t.slowest[:t.maxSamples]
	}
	return true
}

// Harvest 取出耗时不小于 threshold 的 trace（最慢在前）与随机样本，并清空采样器
func (t *Traces) Harvest(threshold time.Duration) []*Trace {
	t.mu.Lock()
	slowest, random := t.slowest, t.random
	t.slowest, t.random = nil, nil
	t.mu.Unlock()

	out := make([]*Trace, 0, len(slowest)+1)
	for _, tr := range slowest {
		if tr.Duration >= threshold {
			out = append(out, tr)
		} else {
			metrics.DroppedTotal.WithLabelValues("trace", "below_threshold").Inc()
		}
	}
	if random != nil && !containsTrace(out, random) {
		out = append(out, random)
	}
	return out
}

// MergeBack 未发送成功的 trace 放回采样器，与期间新增的 trace 一起参与下次筛选
func (t *Traces) MergeBack(traces []*Trace) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range traces {
		if containsTrace(t.slowest, tr) {
			continue
		}
		if !t.insertLocked(tr) {
			metrics.DroppedTotal.WithLabelValues("trace", "displaced").Inc()
		}
	}
}

// Len 当前保留的 trace 数（含随机样本）
func (t *Traces) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.slowest)
	if t.random != nil && !containsTrace(t.slowest, t.random) {
		n++
	}
	return n
}

// Reset 丢弃所有保留的 trace，采样开关不变
func (t *Traces) Reset() {
	t.mu.Lock()
	t.slowest = nil
	t.random = nil
	t.seen = 0
	t.mu.Unlock()
}

func containsTrace(list []*Trace, tr *Trace) bool {
	for _, x := range list {
		if x == tr {
			return true
		}
	}
	return false
}

// PrepareOptions trace 发送前处理选项
type PrepareOptions struct {
	RecordSQL        string
	ExplainThreshold time.Duration
}

// TracePreparer 发送前处理 trace（SQL 混淆、explain 等由实现方负责）
type TracePreparer interface {
	Prepare(traces []*Trace, opts PrepareOptions) []*Trace
}

// PassThrough 不做任何处理的 TracePreparer
type PassThrough struct{}

func (PassThrough) Prepare(traces []*Trace, _ PrepareOptions) []*Trace { return traces }
