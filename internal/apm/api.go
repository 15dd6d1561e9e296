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

package apm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"apm-agent/internal/apm/buffer"
	"apm-agent/internal/apm/txn"
	"apm-agent/pkg/redaction"
)

// 事务相关的 metric 名
const (
	MetricWebTransaction = "WebTransaction"
	MetricHTTPDispatcher = "HttpDispatcher"
	MetricErrorsAll      = "Errors/all"
)

// StartTransaction 在 ctx 上开始一个事务。必要时会先拉起后台 worker（fork 后的子进程首次调用）。
func (a *Agent) StartTransaction(ctx context.Context, name string) (context.Context, *txn.Transaction) {
	a.EnsureWorkerStarted()
	return txn.Start(ctx, name, a.clock.Now())
}

// EndTransaction 结束 ctx 上的事务：记录耗时 metric，并在 trace 采样开启时提交 trace。
// 没有事务或重复结束时不做任何事。
func (a *Agent) EndTransaction(ctx context.Context) {
	t := txn.FromContext(ctx)
	if t == nil {
		return
	}
	d, first := t.Finish(a.clock.Now())
	if !first {
		return
	}
	seconds := d.Seconds()
	scoped := MetricWebTransaction + "/" + t.Name
	a.buffers.Metrics.Record(buffer.MetricSpec{Name: MetricWebTransaction}, seconds)
	a.buffers.Metrics.Record(buffer.MetricSpec{Name: MetricHTTPDispatcher}, seconds)
	a.buffers.Metrics.Record(buffer.MetricSpec{Name: scoped}, seconds)

	if !txn.TracingEnabled(ctx) || !a.buffers.Traces.Enabled() {
		return
	}
	a.buffers.Traces.Push(&buffer.Trace{
		Name:     scoped,
		URI:      t.URI,
		Start:    t.Start,
		Duration: d,
		Params:   a.redactor.RedactParams(redaction.KindTrace, t.Params()),
	})
}

// RecordMetric 记录一个数值；在事务中时同时记录以事务名为 scope 的 metric
func (a *Agent) RecordMetric(ctx context.Context, name string, value float64) {
	a.EnsureWorkerStarted()
	a.buffers.Metrics.Record(buffer.MetricSpec{Name: name}, value)
	if t := txn.FromContext(ctx); t != nil {
		a.buffers.Metrics.Record(buffer.MetricSpec{Name: name, Scope: MetricWebTransaction + "/" + t.Name}, value)
	}
}

// RecordTrace 提交一条已构建好的 trace；作用域关闭了 trace 时忽略
func (a *Agent) RecordTrace(ctx context.Context, tr *buffer.Trace) bool {
	a.EnsureWorkerStarted()
	if tr == nil || !txn.TracingEnabled(ctx) {
		return false
	}
	tr.Params = a.redactor.RedactParams(redaction.KindTrace, tr.Params)
	return a.buffers.Traces.Push(tr)
}

// NoticeError 记录一个错误；在事务中时以事务名为 path 并带上事务参数
func (a *Agent) NoticeError(ctx context.Context, err error, params map[string]any) bool {
	a.EnsureWorkerStarted()
	if err == nil {
		return false
	}
	rec := &buffer.ErrorRecord{
		Timestamp: a.clock.Now(),
		Message:   err.Error(),
		Class:     errorClass(err),
		Params:    params,
	}
	if t := txn.FromContext(ctx); t != nil {
		rec.Path = MetricWebTransaction + "/" + t.Name
		merged := t.Params()
		for k, v := range params {
			merged[k] = v
		}
		rec.Params = merged
	}
	return a.pushError(rec)
}

// PushError 提交一条已构建好的错误记录（agentd 推送接口使用）
func (a *Agent) PushError(rec *buffer.ErrorRecord) bool {
	a.EnsureWorkerStarted()
	if rec == nil {
		return false
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.clock.Now()
	}
	return a.pushError(rec)
}

func (a *Agent) pushError(rec *buffer.ErrorRecord) bool {
	rec.Params = a.redactor.RedactParams(redaction.KindError, rec.Params)
	if !a.buffers.Errors.Push(rec) {
		return false
	}
	a.buffers.Metrics.Record(buffer.MetricSpec{Name: MetricErrorsAll}, 1)
	return true
}

// errorClass 错误的类型名，去掉指针前缀
func errorClass(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// SamplingEnabled 当前会话是否采集 trace
func (a *Agent) SamplingEnabled() bool {
	return a.buffers.Traces.Enabled()
}

// ErrorCollectionEnabled 当前会话是否采集错误
func (a *Agent) ErrorCollectionEnabled() bool {
	return a.buffers.Errors.Enabled()
}

// Status 运行状态快照（agentd /agent/status）
type Status struct {
	State          string        `json:"state"`
	PID            int           `json:"pid"`
	RunID          string        `json:"run_id,omitempty"`
	ConnectedPID   int           `json:"connected_pid,omitempty"`
	Endpoint       string        `json:"endpoint"`
	Serialization  string        `json:"serialization"`
	PostSizeLimit  int           `json:"post_size_limit"`
	ReportPeriod   time.Duration `json:"report_period,omitempty"`
	SampleTraces   bool          `json:"sample_traces"`
	CollectErrors  bool          `json:"collect_errors"`
	InvalidLicense bool          `json:"invalid_license"`
	RetryAttempts  int           `json:"retry_attempts"`
	PendingMetrics int           `json:"pending_metrics"`
	PendingTraces  int           `json:"pending_traces"`
	PendingErrors  int           `json:"pending_errors"`
	LastError      string        `json:"last_error,omitempty"`
}

// Status 返回当前状态快照
func (a *Agent) Status() Status {
	wire := a.client.Codec()
	s := Status{
		State:          a.State().String(),
		PID:            a.pid(),
		Endpoint:       a.client.Endpoint().String(),
		Serialization:  wire.Serializer().Name(),
		PostSizeLimit:  wire.PostSizeLimit(),
		InvalidLicense: a.conn.InvalidLicense(),
		RetryAttempts:  a.conn.RetryState().Attempts,
		PendingMetrics: a.buffers.Metrics.Len(),
		PendingTraces:  a.buffers.Traces.Len(),
		PendingErrors:  a.buffers.Errors.Len(),
	}
	if run := a.conn.Run(); run != nil {
		s.RunID = run.RunID
		s.ConnectedPID = run.ConnectedPID
		s.ReportPeriod = run.ReportPeriod
		s.SampleTraces = run.SampleTraces
		s.CollectErrors = run.CollectErrors
	}
	if err := a.LastError(); err != nil {
		s.LastError = err.Error()
	}
	return s
}
