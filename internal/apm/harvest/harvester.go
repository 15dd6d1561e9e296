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

package harvest

import (
	"context"
	"sync"
	"time"

	"apm-agent/internal/apm/buffer"
	"apm-agent/internal/apm/clock"
	"apm-agent/internal/apm/collector"
	"apm-agent/internal/apm/connect"
	"apm-agent/internal/apm/control"
	"apm-agent/pkg/log"
	"apm-agent/pkg/metrics"
	"apm-agent/pkg/tracing"
)

const (
	CycleMetrics = "metrics"
	CycleTraces  = "traces"
	CycleErrors  = "errors"
)

// RunSource 提供当前会话
type RunSource interface {
	Run() *connect.AgentRun
}

// Config harvest 配置
type Config struct {
	// TraceThreshold 入选 transaction_sample_data 的最小耗时
	TraceThreshold time.Duration
	Prepare        buffer.PrepareOptions
}

// Harvester 每个上报周期执行一次：依次发送 metrics、traces、errors
type Harvester struct {
	cfg      Config
	buffers  *buffer.Set
	invoker  collector.Invoker
	runs     RunSource
	preparer buffer.TracePreparer
	clock    clock.Clock
	logger   *log.Logger

	mu          sync.Mutex
	metricIDs   map[buffer.MetricSpec]int
	lastHarvest time.Time
}

// Option Harvester 可选项
type Option func(*Harvester)

// WithClock 注入时钟
func WithClock(c clock.Clock) Option { return func(h *Harvester) { h.clock = c } }

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option { return func(h *Harvester) { h.logger = log.OrNop(l) } }

// WithPreparer 设置 trace 发送前处理器
func WithPreparer(p buffer.TracePreparer) Option {
	return func(h *Harvester) {
		if p != nil {
			h.preparer = p
		}
	}
}

// New 创建 Harvester
func New(cfg Config, buffers *buffer.Set, invoker collector.Invoker, runs RunSource, opts ...Option) *Harvester {
	h := &Harvester{
		cfg:       cfg,
		buffers:   buffers,
		invoker:   invoker,
		runs:      runs,
		preparer:  buffer.PassThrough{},
		clock:     clock.Real(),
		logger:    log.Nop(),
		metricIDs: make(map[buffer.MetricSpec]int),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Harvest 执行一次完整的 harvest。普通失败按子周期记录日志，不影响后续子周期；
// 控制指令（重启、断开、license）立即中止本次 harvest 并返回。未连接时不做任何事。
func (h *Harvester) Harvest(ctx context.Context) error {
	run := h.runs.Run()
	if run == nil {
		return nil
	}
	cycles := []struct {
		name string
		fn   func(context.Context, *connect.AgentRun) error
	}{
		{CycleMetrics, h.harvestMetrics},
		{CycleTraces, h.harvestTraces},
		{CycleErrors, h.harvestErrors},
	}
	for _, c := range cycles {
		start := time.Now()
		spanCtx, span := tracing.StartHarvestSpan(ctx, c.name, run.RunID)
		err := c.fn(spanCtx, run)
		tracing.EndSpan(span, err)
		metrics.HarvestDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
		if err == nil {
			continue
		}
		if control.IsDirective(err) {
			return err
		}
		h.logger.Warn("harvest 子周期失败，数据留待下个周期", "cycle", c.name, "kind", control.KindOf(err).String(), "error", err)
	}
	return nil
}

func (h *Harvester) harvestMetrics(ctx context.Context, run *connect.AgentRun) error {
	snapshot := h.buffers.Metrics.Swap()
	now := h.clock.Now()

	h.mu.Lock()
	last := h.lastHarvest
	if last.IsZero() {
		last = run.LaunchTime
	}
	data := make([]buffer.MetricDatum, 0, len(snapshot))
	for spec, stats := range snapshot {
		data = append(data, buffer.MetricDatum{Spec: spec, ID: h.metricIDs[spec], Stats: stats})
	}
	h.mu.Unlock()

	var assigned []buffer.MetricIDPair
	err := h.invoker.Invoke(ctx, collector.MethodMetricData, run.RunID, &assigned,
		run.RunID, unixSeconds(last), unixSeconds(now), data)
	switch {
	case err == nil:
		h.mu.Lock()
		for _, p := range assigned {
			h.metricIDs[p.Spec] = p.ID
		}
		h.lastHarvest = now
		h.mu.Unlock()
		return nil
	case control.IsTimeout(err):
		// 超时视为大概率已送达，丢弃快照以免重复计数
		h.mu.Lock()
		h.lastHarvest = now
		h.mu.Unlock()
		metrics.DroppedTotal.WithLabelValues("metric", "timeout").Add(float64(len(snapshot)))
		h.logger.Warn("metric_data 超时，按已送达处理", "metrics", len(snapshot))
		return nil
	default:
		h.buffers.Metrics.MergeBack(snapshot)
		return err
	}
}

func (h *Harvester) harvestTraces(ctx context.Context, run *connect.AgentRun) error {
	if !run.SampleTraces || !h.buffers.Traces.Enabled() {
		return nil
	}
	traces := h.buffers.Traces.Harvest(h.cfg.TraceThreshold)
	if len(traces) == 0 {
		return nil
	}
	batch := h.preparer.Prepare(traces, h.cfg.Prepare)
	for len(batch) > 0 {
		err := h.invoker.Invoke(ctx, collector.MethodTransactionSampleData, run.RunID, nil, run.RunID, batch)
		if err == nil {
			return nil
		}
		if control.IsPayloadTooLarge(err) {
			// 丢弃最慢（第一条）后重试
			metrics.DroppedTotal.WithLabelValues("trace", "payload_too_large").Inc()
			h.logger.Warn("trace 载荷过大，丢弃一条后重试", "trace", batch[0].Name, "remaining", len(batch)-1)
			batch = batch[1:]
			continue
		}
		if !control.IsDirective(err) {
			h.buffers.Traces.MergeBack(batch)
		}
		return err
	}
	return nil
}

func (h *Harvester) harvestErrors(ctx context.Context, run *connect.AgentRun) error {
	if !run.CollectErrors {
		return nil
	}
	errs := h.buffers.Errors.Swap()
	if len(errs) == 0 {
		return nil
	}
	for len(errs) > 0 {
		err := h.invoker.Invoke(ctx, collector.MethodErrorData, run.RunID, nil, run.RunID, errs)
		if err == nil {
			return nil
		}
		if control.IsPayloadTooLarge(err) {
			// 丢弃最早的一条后重试
			metrics.DroppedTotal.WithLabelValues("error", "payload_too_large").Inc()
			errs = errs[1:]
			continue
		}
		if !control.IsDirective(err) {
			h.buffers.Errors.MergeBack(errs)
		}
		return err
	}
	return nil
}

// MetricID 已缓存的 metric id
func (h *Harvester) MetricID(spec buffer.MetricSpec) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.metricIDs[spec]
	return id, ok
}

// Reset 清空缓冲区、metric id 缓存与上次 harvest 时间（会话重置时调用）
func (h *Harvester) Reset() {
	h.buffers.Reset()
	h.mu.Lock()
	h.metricIDs = make(map[buffer.MetricSpec]int)
	h.lastHarvest = time.Time{}
	h.mu.Unlock()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
