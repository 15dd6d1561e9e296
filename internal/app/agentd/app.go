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
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	hconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apmapp "apm-agent/internal/app"
	"apm-agent/pkg/errors"
	"apm-agent/pkg/log"
	"apm-agent/pkg/tracing"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App agentd 应用：托管 agent 并提供本地管理/推送 HTTP 服务
type App struct {
	bootstrap    *apmapp.Bootstrap
	handler      *Handler
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 创建 agentd 应用（由 cmd/agentd 调用）
func NewApp(bootstrap *apmapp.Bootstrap, version string) (*App, error) {
	if bootstrap == nil || bootstrap.Agent == nil {
		return nil, fmt.Errorf("bootstrap without agent")
	}
	return &App{
		bootstrap: bootstrap,
		handler:   NewHandler(bootstrap.Agent, version),
	}, nil
}

// Build 创建 Hertz 实例并注册路由
func (a *App) Build(addr string, opts ...hconfig.Option) *server.Hertz {
	opts = append([]hconfig.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(opts...)
	a.register(h)
	return h
}

func (a *App) register(h *server.Hertz) {
	h.GET("/health", a.handler.HealthCheck)
	if cfg := a.bootstrap.Config; cfg == nil || cfg.Monitoring.Prometheus.Enable {
		h.GET("/metrics", a.handler.Metrics)
	}

	agent := h.Group("/agent")
	agent.GET("/status", a.handler.AgentStatus)
	agent.POST("/connect", a.handler.AgentConnect)

	v1 := h.Group("/v1")
	v1.POST("/metrics", a.handler.PushMetrics)
	v1.POST("/errors", a.handler.PushError)
	v1.POST("/traces", a.handler.PushTraces)
}

// Run 启动 agent；admin.enable 时在 addr 上阻塞提供 HTTP 服务，否则立即返回
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	logger := a.bootstrap.Logger

	if err := a.bootstrap.Agent.Start(); err != nil {
		if !errors.Is(err, errors.ErrDisabled) {
			return err
		}
		logger.Warn("agent 未启用，仅提供本地服务")
	}

	if !cfg.Admin.Enable {
		if err := a.initAgentTracing(); err != nil {
			logger.Warn("初始化链路追踪失败", "error", err)
		}
		logger.Info("admin 服务未启用")
		return nil
	}

	logger.Info("agentd 服务启动", "addr", addr)
	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	tr := cfg.Monitoring.Tracing
	exportEndpoint := tr.ExportEndpoint
	if exportEndpoint == "" {
		exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if tr.Enable && exportEndpoint != "" {
		opts := []provider.Option{
			provider.WithServiceName(tr.ServiceName),
			provider.WithExportEndpoint(exportEndpoint),
		}
		if tr.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
		tracerOpt, tcfg := hertztracing.NewServerTracer()
		a.hertz = a.Build(addr, tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(tcfg))
		logger.Info("链路追踪已启用", "service_name", tr.ServiceName, "endpoint", exportEndpoint)
	} else {
		a.hertz = a.Build(addr)
	}
	return a.hertz.Run()
}

// initAgentTracing 未启动 Hertz 时，为 agent 自身的 harvest/collector span 初始化 tracer
func (a *App) initAgentTracing() error {
	tr := a.bootstrap.Config.Monitoring.Tracing
	if !tr.Enable || tr.ExportEndpoint == "" {
		return nil
	}
	tp, err := tracing.InitTracer(tracing.OTelConfig{
		ServiceName:    tr.ServiceName,
		ExportEndpoint: tr.ExportEndpoint,
		Insecure:       tr.Insecure,
	})
	if err != nil {
		return err
	}
	a.otelProvider = tp
	return nil
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := a.bootstrap.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	return firstErr
}
