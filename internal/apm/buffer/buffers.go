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

// Set 三个独立缓冲区的集合，由 Agent 创建并交给采集方与 harvest 共用
type Set struct {
	Metrics *Metrics
	Traces  *Traces
	Errors  *Errors
}

// NewSet 创建缓冲区集合
func NewSet(traces TracesConfig, errs ErrorsConfig) *Set {
	return &Set{
		Metrics: NewMetrics(),
		Traces:  NewTraces(traces),
		Errors:  NewErrors(errs),
	}
}

// Reset 清空三个缓冲区
func (s *Set) Reset() {
	s.Metrics.Reset()
	s.Traces.Reset()
	s.Errors.Reset()
}
