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
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"apm-agent/internal/apm/buffer"
	"apm-agent/internal/apm/clock"
	"apm-agent/internal/apm/codec"
	"apm-agent/internal/apm/collector"
	"apm-agent/internal/apm/connect"
	"apm-agent/internal/apm/envinfo"
	"apm-agent/internal/apm/harvest"
	"apm-agent/internal/apm/worker"
	"apm-agent/pkg/config"
	"apm-agent/pkg/log"
	"apm-agent/pkg/redaction"
	"apm-agent/pkg/secrets"
)

// Agent 上报核心：持有缓冲区、collector 连接与后台 worker。由宿主显式创建并传给采集方。
type Agent struct {
	cfg      *config.Config
	logger   *log.Logger
	clock    clock.Clock
	pid      func() int
	procName func() string

	buffers   *buffer.Set
	client    *collector.Client
	conn      *connect.Manager
	harvester *harvest.Harvester
	redactor  *redaction.Engine

	mu         sync.Mutex
	state      State
	started    bool
	stopping   bool
	loop       *worker.Loop
	cancel     context.CancelFunc
	workerDone chan struct{}
	workerPID  int
	lastErr    error
}

type options struct {
	logger     *log.Logger
	clock      clock.Clock
	pid        func() int
	procName   func() string
	preparer   buffer.TracePreparer
	httpClient *http.Client
	secrets    secrets.Getter
}

// Option Agent 可选项
type Option func(*options)

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock 注入时钟
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithProcess 注入进程 id 与进程名来源（fork 检测）
func WithProcess(pid func() int, name func() string) Option {
	return func(o *options) {
		o.pid = pid
		o.procName = name
	}
}

// WithPreparer 设置 trace 发送前处理器
func WithPreparer(p buffer.TracePreparer) Option { return func(o *options) { o.preparer = p } }

// WithHTTPClient 自定义 collector 使用的 http.Client
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithSecretStore 用于解析 vault: 形式的 license 引用
func WithSecretStore(s secrets.Getter) Option { return func(o *options) { o.secrets = s } }

// New 根据配置组装 Agent，不发起任何网络请求
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{
		clock:    clock.Real(),
		pid:      os.Getpid,
		procName: func() string { return filepath.Base(os.Args[0]) },
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.OrNop(o.logger).With("component", "apm")

	license := cfg.Agent.LicenseKey
	if secrets.IsRef(license) {
		resolved, err := secrets.Resolve(context.Background(), o.secrets, license)
		if err != nil {
			return nil, fmt.Errorf("resolve license key: %w", err)
		}
		license = resolved
	}

	redactor, err := redaction.NewEngineFromConfig(cfg.Redaction)
	if err != nil {
		return nil, err
	}

	serializer, err := codec.NewSerializer(cfg.Agent.Serialization)
	if err != nil {
		return nil, err
	}
	endpoint, err := collector.ParseEndpoint(cfg.Agent.Host, cfg.Agent.CollectorScheme(), cfg.Agent.Port)
	if err != nil {
		return nil, err
	}
	client := collector.NewClient(collector.Config{
		Endpoint:   endpoint,
		LicenseKey: license,
		Timeout:    config.Duration(cfg.Agent.Timeout, collector.DefaultTimeout),
		Codec:      codec.New(serializer, cfg.Agent.PostSizeLimit),
		HTTPClient: o.httpClient,
		Logger:     logger,
	})

	tt := cfg.TransactionTracer
	ec := cfg.ErrorCollector
	buffers := buffer.NewSet(
		buffer.TracesConfig{Enabled: tt.Enabled, MaxSamples: tt.MaxSamples, RandomSample: tt.RandomSample},
		buffer.ErrorsConfig{Enabled: ec.Enabled, MaxErrors: ec.MaxErrors, MaxPerSecond: ec.MaxPerSecond, IgnoreClass: ec.IgnoreErrors},
	)

	connCfg := connect.Config{
		LicenseKey:        license,
		AppNames:          cfg.Agent.AppName,
		AgentVersion:      cfg.Agent.AgentVersion,
		ValidateSeed:      cfg.Agent.ValidateSeed,
		ValidateToken:     cfg.Agent.ValidateToken,
		SupervisorPattern: cfg.Agent.SupervisorPattern,
		StartupDelay:      config.Duration(cfg.Agent.StartupDelay, 0),
		SampleTraces:      tt.Enabled,
		RandomSample:      tt.RandomSample,
		CollectErrors:     ec.Enabled,
		Settings:          settingsSnapshot(cfg),
	}
	if cfg.Agent.SendEnvironmentInfo {
		connCfg.Environment = func() [][2]any { return envinfo.Snapshot(cfg.Agent.AppName, cfg.Agent.AgentVersion) }
	}
	if vendors := utilizationVendors(cfg.Utilization); len(vendors) > 0 {
		detector := envinfo.NewDetector(vendors, config.Duration(cfg.Utilization.Timeout, 0), buffers.Metrics, logger)
		connCfg.Utilization = detector.Utilization
	}
	conn, err := connect.NewManager(connCfg, client,
		connect.WithClock(o.clock),
		connect.WithLogger(logger),
		connect.WithProcess(o.pid, o.procName),
	)
	if err != nil {
		return nil, err
	}

	harvester := harvest.New(harvest.Config{
		TraceThreshold: config.Duration(tt.TransactionThreshold, 0),
		Prepare: buffer.PrepareOptions{
			RecordSQL:        tt.RecordSQL,
			ExplainThreshold: config.Duration(tt.ExplainThreshold, 0),
		},
	}, buffers, client, conn,
		harvest.WithClock(o.clock),
		harvest.WithLogger(logger),
		harvest.WithPreparer(o.preparer),
	)

	return &Agent{
		cfg:       cfg,
		logger:    logger,
		clock:     o.clock,
		pid:       o.pid,
		procName:  o.procName,
		buffers:   buffers,
		client:    client,
		conn:      conn,
		harvester: harvester,
		redactor:  redactor,
		state:     StateStopped,
	}, nil
}

func utilizationVendors(cfg config.UtilizationConfig) []envinfo.Vendor {
	var vendors []envinfo.Vendor
	if cfg.DetectAWS {
		vendors = append(vendors, envinfo.AWS(cfg.AWSEndpoint))
	}
	if cfg.DetectGCP {
		vendors = append(vendors, envinfo.GCP(cfg.GCPEndpoint))
	}
	return vendors
}

// settingsSnapshot 随握手上报的本地配置（不含 license 等敏感字段）
func settingsSnapshot(cfg *config.Config) map[string]any {
	return map[string]any{
		"app_name":                                 cfg.Agent.AppName,
		"monitor_mode":                             cfg.Agent.MonitorMode,
		"ssl":                                      cfg.Agent.SSL,
		"post_size_limit":                          cfg.Agent.PostSizeLimit,
		"serialization":                            cfg.Agent.Serialization,
		"transaction_tracer.enabled":               cfg.TransactionTracer.Enabled,
		"transaction_tracer.transaction_threshold": cfg.TransactionTracer.TransactionThreshold,
		"transaction_tracer.record_sql":            cfg.TransactionTracer.RecordSQL,
		"transaction_tracer.random_sample":         cfg.TransactionTracer.RandomSample,
		"error_collector.enabled":                  cfg.ErrorCollector.Enabled,
		"error_collector.max_errors":               cfg.ErrorCollector.MaxErrors,
	}
}

// Buffers 供采集方直接写入的缓冲区
func (a *Agent) Buffers() *buffer.Set { return a.buffers }

// Run 当前会话；未连接时为 nil
func (a *Agent) Run() *connect.AgentRun { return a.conn.Run() }

// Endpoint 当前 collector 地址
func (a *Agent) Endpoint() collector.Endpoint { return a.client.Endpoint() }

// Started 是否已 Start 且尚未 Shutdown
func (a *Agent) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}
