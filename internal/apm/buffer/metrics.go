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
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// MetricSpec metric 的身份：名称 + 作用域（作用域为空表示非 scoped）
type MetricSpec struct {
	Name  string `json:"name" cbor:"name"`
	Scope string `json:"scope" cbor:"scope"`
}

func (s MetricSpec) String() string {
	if s.Scope == "" {
		return s.Name
	}
	return s.Name + ":" + s.Scope
}

// Stats 已聚合的统计桶，线上格式为 [count, total, exclusive, min, max, sum_of_squares]
type Stats struct {
	_            struct{} `cbor:",toarray"`
	CallCount    int64
	Total        float64
	Exclusive    float64
	Min          float64
	Max          float64
	SumOfSquares float64
}

// RecordValue 记录一次取值（total 与 exclusive 相同）
func (s *Stats) RecordValue(v float64) {
	s.Merge(Stats{CallCount: 1, Total: v, Exclusive: v, Min: v, Max: v, SumOfSquares: v * v})
}

// Merge 合并另一个统计桶
func (s *Stats) Merge(o Stats) {
	if o.CallCount == 0 {
		return
	}
	if s.CallCount == 0 {
		s.Min, s.Max = o.Min, o.Max
	} else {
		s.Min = math.Min(s.Min, o.Min)
		s.Max = math.Max(s.Max, o.Max)
	}
	s.CallCount += o.CallCount
	s.Total += o.Total
	s.Exclusive += o.Exclusive
	s.SumOfSquares += o.SumOfSquares
}

func (s Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal([6]any{s.CallCount, s.Total, s.Exclusive, s.Min, s.Max, s.SumOfSquares})
}

func (s *Stats) UnmarshalJSON(data []byte) error {
	var arr [6]float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}
	*s = Stats{CallCount: int64(arr[0]), Total: arr[1], Exclusive: arr[2], Min: arr[3], Max: arr[4], SumOfSquares: arr[5]}
	return nil
}

// MetricDatum metric_data 的一条记录；已分配 id 的 metric 以 id 代替 spec 上报
type MetricDatum struct {
	Spec  MetricSpec
	ID    int // 0 表示未分配
	Stats Stats
}

func (d MetricDatum) key() any {
	if d.ID > 0 {
		return d.ID
	}
	return d.Spec
}

func (d MetricDatum) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{d.key(), d.Stats})
}

func (d MetricDatum) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal([2]any{d.key(), d.Stats})
}

// MetricIDPair metric_data 响应中的 [spec, id]
type MetricIDPair struct {
	_    struct{} `cbor:",toarray"`
	Spec MetricSpec
	ID   int
}

func (p *MetricIDPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode metric id pair: %w", err)
	}
	if err := json.Unmarshal(raw[0], &p.Spec); err != nil {
		return fmt.Errorf("decode metric spec: %w", err)
	}
	return json.Unmarshal(raw[1], &p.ID)
}

// Metrics metric 缓冲区：多个前台 goroutine 并发写入，后台一次性 Swap
type Metrics struct {
	mu   sync.Mutex
	data map[MetricSpec]*Stats
}

// NewMetrics 创建空缓冲区
func NewMetrics() *Metrics {
	return &Metrics{data: make(map[MetricSpec]*Stats)}
}

// Record 记录一次取值
func (m *Metrics) Record(spec MetricSpec, value float64) {
	m.mu.Lock()
	m.bucket(spec).RecordValue(value)
	m.mu.Unlock()
}

// RecordStats 合并一个已聚合的统计桶
func (m *Metrics) RecordStats(spec MetricSpec, s Stats) {
	m.mu.Lock()
	m.bucket(spec).Merge(s)
	m.mu.Unlock()
}

func (m *Metrics) bucket(spec MetricSpec) *Stats {
	s, ok := m.data[spec]
	if !ok {
		s = &Stats{}
		m.data[spec] = s
	}
	return s
}

// Swap 取出当前全部数据并换上空表；与 Record 互斥，不会有写入落在两边或丢失
func (m *Metrics) Swap() map[MetricSpec]Stats {
	m.mu.Lock()
	old := m.data
	m.data = make(map[MetricSpec]*Stats, len(old))
	m.mu.Unlock()

	snapshot := make(map[MetricSpec]Stats, len(old))
	for k, v := range old {
		snapshot[k] = *v
	}
	return snapshot
}

// MergeBack 将未发送成功的快照合并回缓冲区
func (m *Metrics) MergeBack(snapshot map[MetricSpec]Stats) {
	if len(snapshot) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range snapshot {
		m.bucket(k).Merge(v)
	}
}

// Get 查询单个 metric（测试与诊断）
func (m *Metrics) Get(spec MetricSpec) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[spec]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Len 当前 metric 数
func (m *Metrics) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Reset 清空
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.data = make(map[MetricSpec]*Stats)
	m.mu.Unlock()
}
