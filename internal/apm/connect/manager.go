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

package connect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"apm-agent/internal/apm/clock"
	"apm-agent/internal/apm/collector"
	"apm-agent/internal/apm/control"
	"apm-agent/pkg/log"
	"apm-agent/pkg/metrics"
)

// LicenseKeyLength collector license 的固定长度
const LicenseKeyLength = 40

// DefaultReportPeriod collector 未下发或下发非法值时使用的上报周期
const DefaultReportPeriod = 60 * time.Second

// Transport 连接管理器对 collector 的依赖；Endpoint 只允许在这里被修改
type Transport interface {
	collector.Invoker
	Endpoint() collector.Endpoint
	SetEndpoint(collector.Endpoint)
}

// AgentRun 一次已建立的会话
type AgentRun struct {
	RunID        string
	ConnectedPID int
	LaunchTime   time.Time
	ReportPeriod time.Duration
	// 协商后的能力：本地配置 AND collector 许可
	SampleTraces  bool
	CollectErrors bool
	SamplingRate  int
}

// Result Connect 的结果
type Result int

const (
	ResultFailed Result = iota
	ResultConnected
	ResultAlreadyConnected
	ResultSkippedSupervisor
	ResultLicenseRejected
)

func (r Result) String() string {
	switch r {
	case ResultConnected:
		return "connected"
	case ResultAlreadyConnected:
		return "already_connected"
	case ResultSkippedSupervisor:
		return "skipped_supervisor"
	case ResultLicenseRejected:
		return "license_rejected"
	default:
		return "failed"
	}
}

// Config 握手参数
type Config struct {
	LicenseKey    string
	AppNames      []string
	AgentVersion  string
	ValidateSeed  string
	ValidateToken string
	// SupervisorPattern 匹配进程名时视为 pre-fork 主进程
	SupervisorPattern string
	// StartupDelay 持续重试模式下首次握手前的等待
	StartupDelay time.Duration
	// 本地能力偏好
	SampleTraces  bool
	RandomSample  bool
	CollectErrors bool
	// Settings 随 start 上报的本地配置快照
	Settings map[string]any
	// Environment 为 nil 时不上报环境信息
	Environment func() [][2]any
	// Utilization 云厂商元数据，可为 nil
	Utilization func(ctx context.Context) map[string]any
}

// Manager 负责握手、重定向、能力协商与重连退避
type Manager struct {
	cfg        Config
	transport  Transport
	clock      clock.Clock
	logger     *log.Logger
	pid        func() int
	procName   func() string
	supervisor *regexp.Regexp
	launchTime time.Time

	mu             sync.RWMutex
	run            *AgentRun
	retry          RetryState
	invalidLicense bool
	attempted      bool
}

// Option Manager 可选项
type Option func(*Manager)

// WithClock 注入时钟（测试用 clock.Fake）
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option { return func(m *Manager) { m.logger = log.OrNop(l) } }

// WithProcess 注入进程 id 与进程名来源
func WithProcess(pid func() int, name func() string) Option {
	return func(m *Manager) {
		if pid != nil {
			m.pid = pid
		}
		if name != nil {
			m.procName = name
		}
	}
}

// NewManager 创建连接管理器；SupervisorPattern 非法时返回错误
func NewManager(cfg Config, transport Transport, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		transport: transport,
		clock:     clock.Real(),
		logger:    log.Nop(),
		pid:       os.Getpid,
		procName:  func() string { return filepath.Base(os.Args[0]) },
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.SupervisorPattern != "" {
		re, err := regexp.Compile(cfg.SupervisorPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid supervisor pattern: %w", err)
		}
		m.supervisor = re
	}
	m.launchTime = m.clock.Now()
	return m, nil
}

// ValidateLicenseKey 本地校验 license：缺失或长度不为 40 时视为无效
func ValidateLicenseKey(key string) error {
	if key == "" {
		return &control.LicenseError{Message: "license key is missing"}
	}
	if len(key) != LicenseKeyLength {
		return &control.LicenseError{Message: fmt.Sprintf("license key has %d characters, expected %d", len(key), LicenseKeyLength)}
	}
	return nil
}

// IsSupervisor 当前进程是否为 pre-fork 主进程
func (m *Manager) IsSupervisor() bool {
	return m.supervisor != nil && m.supervisor.MatchString(m.procName())
}

// Connect 建立会话。keepRetrying 为 true 时先等待 StartupDelay，再按 Backoff 无限重试，直到成功、
// license 被拒、collector 要求断开或 ctx 结束；为 false 时失败立即返回。
func (m *Manager) Connect(ctx context.Context, keepRetrying bool) (Result, error) {
	return m.connect(ctx, keepRetrying, keepRetrying)
}

// Reconnect ForceRestart 之后重新握手：持续重试但不再等待 StartupDelay
func (m *Manager) Reconnect(ctx context.Context) (Result, error) {
	return m.connect(ctx, true, false)
}

func (m *Manager) connect(ctx context.Context, keepRetrying, startupDelay bool) (Result, error) {
	pid := m.pid()
	if run := m.Run(); run != nil && run.ConnectedPID == pid {
		return ResultAlreadyConnected, nil
	}
	if m.IsSupervisor() {
		m.logger.Debug("主进程不建立会话", "process", m.procName())
		return ResultSkippedSupervisor, nil
	}
	if m.InvalidLicense() {
		return ResultLicenseRejected, &control.LicenseError{Message: "license previously rejected"}
	}
	if err := ValidateLicenseKey(m.cfg.LicenseKey); err != nil {
		m.rejectLicense(err)
		return ResultLicenseRejected, err
	}

	m.mu.Lock()
	m.run = nil
	m.attempted = true
	m.mu.Unlock()

	if startupDelay && m.cfg.StartupDelay > 0 {
		if err := m.clock.Sleep(ctx, m.cfg.StartupDelay); err != nil {
			return ResultFailed, err
		}
	}

	var runID string
	for {
		run, err := m.handshake(ctx, pid, &runID)
		if err == nil {
			m.mu.Lock()
			m.run = run
			m.retry.reset()
			m.mu.Unlock()
			metrics.ConnectAttemptsTotal.WithLabelValues("connected").Inc()
			m.logger.Info("已连接 collector", "endpoint", m.transport.Endpoint().String(),
				"run_id", run.RunID, "report_period", run.ReportPeriod.String(),
				"sample_traces", run.SampleTraces, "collect_errors", run.CollectErrors)
			return ResultConnected, nil
		}

		switch control.KindOf(err) {
		case control.KindInvalidLicense:
			m.rejectLicense(err)
			return ResultLicenseRejected, err
		case control.KindForceDisconnect:
			metrics.ConnectAttemptsTotal.WithLabelValues("failed").Inc()
			m.logger.Warn("collector 要求断开", "error", err)
			return ResultFailed, err
		}

		metrics.ConnectAttemptsTotal.WithLabelValues("failed").Inc()
		m.logger.Info("无法连接 collector", "endpoint", m.transport.Endpoint().String(), "error", err)
		if !keepRetrying {
			return ResultFailed, err
		}

		m.mu.Lock()
		wait := m.retry.next()
		attempts := m.retry.Attempts
		m.mu.Unlock()
		m.logger.Info("稍后重试连接", "attempt", attempts, "wait", wait.String())
		if serr := m.clock.Sleep(ctx, wait); serr != nil {
			return ResultFailed, serr
		}
	}
}

// handshake 完成一次握手；runID 在同一轮重试之间保留，start 成功后不再重复调用
func (m *Manager) handshake(ctx context.Context, pid int, runID *string) (*AgentRun, error) {
	if *runID == "" {
		var id any
		if err := m.transport.Invoke(ctx, collector.MethodStart, "", &id, m.hostname(), m.startSettings(ctx, pid)); err != nil {
			return nil, err
		}
		if id == nil {
			return nil, &control.ServerConnectionError{Message: "collector returned no run id"}
		}
		*runID = fmt.Sprint(id)
	}
	id := *runID

	var host string
	if err := m.transport.Invoke(ctx, collector.MethodGetRedirectHost, id, &host); err != nil {
		return nil, err
	}
	if host != "" {
		m.transport.SetEndpoint(m.transport.Endpoint().WithHost(host))
	}

	var periodSeconds float64
	if err := m.transport.Invoke(ctx, collector.MethodGetDataReportPeriod, id, &periodSeconds, id); err != nil {
		return nil, err
	}
	period := time.Duration(periodSeconds * float64(time.Second))
	if period <= 0 {
		period = DefaultReportPeriod
	}

	run := &AgentRun{
		RunID:        id,
		ConnectedPID: pid,
		LaunchTime:   m.launchTime,
		ReportPeriod: period,
	}

	if m.cfg.SampleTraces {
		var allowed bool
		if err := m.transport.Invoke(ctx, collector.MethodShouldCollectSamples, id, &allowed, id); err != nil {
			return nil, err
		}
		run.SampleTraces = allowed
		if allowed && m.cfg.RandomSample {
			if err := m.transport.Invoke(ctx, collector.MethodSamplingRate, id, &run.SamplingRate, id); err != nil {
				return nil, err
			}
		}
	}

	if m.cfg.CollectErrors {
		var allowed bool
		if err := m.transport.Invoke(ctx, collector.MethodShouldCollectErrors, id, &allowed, id); err != nil {
			return nil, err
		}
		run.CollectErrors = allowed
	}
	return run, nil
}

func (m *Manager) startSettings(ctx context.Context, pid int) map[string]any {
	env := [][2]any{}
	if m.cfg.Environment != nil {
		env = m.cfg.Environment()
	}
	if m.cfg.ValidateSeed != "" {
		m.logger.Debug("携带校验 seed/token 连接", "seed", m.cfg.ValidateSeed, "token", m.cfg.ValidateToken)
	}
	settings := map[string]any{
		"pid":            pid,
		"launch_time":    float64(m.launchTime.UnixNano()) / float64(time.Second),
		"agent_version":  m.cfg.AgentVersion,
		"app_name":       m.cfg.AppNames,
		"environment":    env,
		"settings":       m.cfg.Settings,
		"validate_seed":  m.cfg.ValidateSeed,
		"validate_token": m.cfg.ValidateToken,
	}
	if m.cfg.Utilization != nil {
		if u := m.cfg.Utilization(ctx); len(u) > 0 {
			settings["utilization"] = u
		}
	}
	return settings
}

func (m *Manager) hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func (m *Manager) rejectLicense(err error) {
	m.mu.Lock()
	m.invalidLicense = true
	m.run = nil
	m.mu.Unlock()
	metrics.ConnectAttemptsTotal.WithLabelValues("license_rejected").Inc()
	m.logger.Error("license 无效，agent 停止上报", "error", err)
}

// Run 当前会话；未连接时为 nil
func (m *Manager) Run() *AgentRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.run
}

// Connected 是否存在会话（可能继承自父进程）
func (m *Manager) Connected() bool {
	return m.Run() != nil
}

// OwnsRun 当前会话是否由本进程建立
func (m *Manager) OwnsRun() bool {
	run := m.Run()
	return run != nil && run.ConnectedPID == m.pid()
}

// Invalidate 丢弃当前会话（ForceRestart、断开）
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.run = nil
	m.mu.Unlock()
}

// Reset 丢弃会话与重试状态
func (m *Manager) Reset() {
	m.mu.Lock()
	m.run = nil
	m.retry.reset()
	m.mu.Unlock()
}

// InvalidLicense license 是否已被拒绝（终止态）
func (m *Manager) InvalidLicense() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.invalidLicense
}

// Attempted 本进程是否尝试过握手
func (m *Manager) Attempted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempted
}

// RetryState 当前重试状态快照
func (m *Manager) RetryState() RetryState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retry
}

// PID 当前进程 id（经注入的来源）
func (m *Manager) PID() int { return m.pid() }
