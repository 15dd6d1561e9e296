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

package agentd

import (
	"bytes"
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"apm-agent/internal/apm"
	"apm-agent/internal/apm/buffer"
	"apm-agent/pkg/metrics"
)

// Handler agentd 的 HTTP 处理器
type Handler struct {
	agent   *apm.Agent
	version string
}

// NewHandler 创建处理器
func NewHandler(agent *apm.Agent, version string) *Handler {
	return &Handler{agent: agent, version: version}
}

// HealthCheck 健康检查
// GET /health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"state":     h.agent.State().String(),
		"version":   h.version,
		"timestamp": time.Now().Unix(),
	})
}

// Metrics 以 Prometheus 文本格式输出 agent 自身指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		hlog.CtxErrorf(c, "failed to gather metrics: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// AgentStatus 当前会话与缓冲区状态
// GET /agent/status
func (h *Handler) AgentStatus(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, h.agent.Status())
}

// AgentConnect 立即尝试一次握手并启动 worker
// POST /agent/connect
func (h *Handler) AgentConnect(c context.Context, ctx *app.RequestContext) {
	res, err := h.agent.ManualStart(c)
	if err != nil {
		hlog.CtxWarnf(c, "manual connect failed: %v", err)
		ctx.JSON(consts.StatusBadGateway, map[string]string{
			"result": res.String(),
			"error":  err.Error(),
		})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"result": res.String(),
		"status": h.agent.Status(),
	})
}

// MetricPoint 推送的单个 metric 数值
type MetricPoint struct {
	Name  string  `json:"name"`
	Scope string  `json:"scope,omitempty"`
	Value float64 `json:"value"`
}

// PushMetricsRequest POST /v1/metrics 请求体
type PushMetricsRequest struct {
	Metrics []MetricPoint `json:"metrics"`
}

// PushMetrics 本地进程推送 metric
// POST /v1/metrics
func (h *Handler) PushMetrics(c context.Context, ctx *app.RequestContext) {
	var req PushMetricsRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	accepted := 0
	for _, p := range req.Metrics {
		if p.Name == "" {
			continue
		}
		h.agent.Buffers().Metrics.Record(buffer.MetricSpec{Name: p.Name, Scope: p.Scope}, p.Value)
		accepted++
	}
	h.agent.EnsureWorkerStarted()
	ctx.JSON(consts.StatusAccepted, map[string]int{"accepted": accepted})
}

// PushErrorRequest POST /v1/errors 请求体
type PushErrorRequest struct {
	Message string                 `json:"message"`
	Class   string                 `json:"class"`
	Path    string                 `json:"path"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// PushError 本地进程推送错误
// POST /v1/errors
func (h *Handler) PushError(c context.Context, ctx *app.RequestContext) {
	var req PushErrorRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Message == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	if req.Class == "" {
		req.Class = "Error"
	}
	kept := h.agent.PushError(&buffer.ErrorRecord{
		Message: req.Message,
		Class:   req.Class,
		Path:    req.Path,
		Params:  req.Params,
	})
	ctx.JSON(consts.StatusAccepted, map[string]bool{"accepted": kept})
}

// PushTrace 推送的一条 trace；Segments 原样转发
type PushTrace struct {
	Name       string                 `json:"name"`
	URI        string                 `json:"uri,omitempty"`
	Start      time.Time              `json:"start"`
	DurationMS float64                `json:"duration_ms"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Segments   interface{}            `json:"segments,omitempty"`
}

// PushTracesRequest POST /v1/traces 请求体
type PushTracesRequest struct {
	Traces []PushTrace `json:"traces"`
}

// PushTraces 本地进程推送 trace
// POST /v1/traces
func (h *Handler) PushTraces(c context.Context, ctx *app.RequestContext) {
	var req PushTracesRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	kept := 0
	for _, t := range req.Traces {
		if t.Name == "" {
			continue
		}
		if h.agent.RecordTrace(c, &buffer.Trace{
			Name:     t.Name,
			URI:      t.URI,
			Start:    t.Start,
			Duration: time.Duration(t.DurationMS * float64(time.Millisecond)),
			Params:   t.Params,
			Segments: t.Segments,
		}) {
			kept++
		}
	}
	ctx.JSON(consts.StatusAccepted, map[string]int{"kept": kept})
}
