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
	"runtime/debug"
	"time"

	"apm-agent/internal/apm/collector"
	"apm-agent/internal/apm/connect"
	"apm-agent/internal/apm/control"
	"apm-agent/internal/apm/txn"
	"apm-agent/internal/apm/worker"
	"apm-agent/pkg/config"
	"apm-agent/pkg/errors"
)

// DefaultShutdownTimeout 退出前最后一次 harvest 的请求超时
const DefaultShutdownTimeout = 5 * time.Second

func (a *Agent) enabled() bool {
	return a.cfg.Agent.Enabled && a.cfg.Agent.MonitorMode
}

// Start 启动后台 worker：握手（持续重试）后按上报周期 harvest。重复调用无副作用。
// agent 被禁用时返回 errors.ErrDisabled。
func (a *Agent) Start() error {
	if !a.enabled() {
		a.logger.Info("agent 未启用，不建立会话", "enabled", a.cfg.Agent.Enabled, "monitor_mode", a.cfg.Agent.MonitorMode)
		return errors.ErrDisabled
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		a.logger.Warn("agent 已启动")
		return nil
	}
	a.logger.Info("启动 agent", "app_name", a.cfg.Agent.AppName, "endpoint", a.client.Endpoint().String())
	a.started = true
	a.stopping = false
	a.startWorkerLocked()
	return nil
}

func (a *Agent) startWorkerLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel = cancel
	a.workerDone = done
	a.workerPID = a.pid()
	a.loop = nil
	a.setStateLocked(StateStarting)
	go a.runWorker(ctx, done)
}

// runWorker 后台 worker 入口；任何 panic 都被捕获并标记为断开，不会传播到宿主进程
func (a *Agent) runWorker(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("后台 worker 异常退出", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			a.markDisconnected(fmt.Errorf("worker panic: %v", r))
		}
	}()
	_ = txn.Untraced(ctx, func(ctx context.Context) error {
		a.workerLoop(ctx)
		return nil
	})
}

func (a *Agent) workerLoop(ctx context.Context) {
	restarted := false
	for {
		var (
			res connect.Result
			err error
		)
		if restarted {
			res, err = a.conn.Reconnect(ctx)
		} else {
			res, err = a.conn.Connect(ctx, true)
		}
		switch res {
		case connect.ResultConnected, connect.ResultAlreadyConnected:
		case connect.ResultSkippedSupervisor:
			a.setState(StateStopped)
			return
		case connect.ResultLicenseRejected:
			a.buffers.Traces.Disable()
			a.buffers.Errors.Disable()
			a.markDisconnected(err)
			return
		default:
			if control.KindOf(err) == control.KindForceDisconnect {
				a.harvester.Reset()
				a.markDisconnected(err)
				return
			}
			// 只有 ctx 被取消（Shutdown）时才会走到这里
			a.logger.Debug("握手中止", "error", err)
			return
		}

		run := a.conn.Run()
		if run == nil {
			return
		}
		a.applyCapabilities(run)

		loop := worker.NewLoop(a.harvester.Harvest, a.clock, a.logger)
		a.mu.Lock()
		a.loop = loop
		stopping := a.stopping
		a.setStateLocked(StateConnected)
		a.mu.Unlock()
		if stopping {
			loop.Stop()
		}

		err = loop.Run(ctx, run.ReportPeriod)
		switch control.KindOf(err) {
		case control.KindForceRestart:
			a.logger.Info("collector 要求重启会话", "error", err, "delay", control.RestartDelay.String())
			a.harvester.Reset()
			a.conn.Invalidate()
			a.setState(StateReconnecting)
			if serr := a.clock.Sleep(ctx, control.RestartDelay); serr != nil {
				return
			}
			restarted = true
		case control.KindForceDisconnect, control.KindInvalidLicense:
			a.logger.Warn("collector 要求停止上报", "error", err)
			a.harvester.Reset()
			a.conn.Invalidate()
			a.markDisconnected(err)
			return
		default:
			// Stop 或 ctx 取消：保留会话，由 Shutdown 完成最后一次 flush
			return
		}
	}
}

func (a *Agent) applyCapabilities(run *connect.AgentRun) {
	if run.SampleTraces {
		a.buffers.Traces.Enable()
		a.buffers.Traces.SetSamplingRate(run.SamplingRate)
	} else {
		a.buffers.Traces.Disable()
	}
	if run.CollectErrors {
		a.buffers.Errors.Enable()
	} else {
		a.buffers.Errors.Disable()
	}
}

func (a *Agent) markDisconnected(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.setStateLocked(StateDisconnected)
	a.mu.Unlock()
}

// workerAliveLocked worker 是否仍在本进程中运行；fork 之后子进程里旧 worker 不复存在
func (a *Agent) workerAliveLocked() bool {
	if a.workerDone == nil || a.workerPID != a.pid() {
		return false
	}
	select {
	case <-a.workerDone:
		return false
	default:
		return true
	}
}

// EnsureWorkerStarted 检测 worker 是否已不在（fork 后的子进程或 worker 已退出），必要时重新握手并启动新的 worker。
// 显式断开、license 无效或主进程时不做任何事。返回是否启动了新 worker。
func (a *Agent) EnsureWorkerStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.stopping || a.state == StateDisconnected {
		return false
	}
	if a.conn.InvalidLicense() || a.workerAliveLocked() {
		return false
	}
	if a.conn.IsSupervisor() {
		return false
	}
	a.logger.Info("检测到 worker 未运行，重新启动", "pid", a.pid())
	// 父进程从未尝试握手时，继承来的数据不属于任何会话
	if !a.conn.Attempted() {
		a.harvester.Reset()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.loop != nil {
		a.loop.Stop()
	}
	a.startWorkerLocked()
	return true
}

// Shutdown 停止 worker，若已连接则以缩短的超时做最后一次 harvest，
// 并且仅当会话由本进程建立时发送 shutdown。ctx 只约束等待 worker 退出的时间。
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.stopping = true
	loop, cancel, done := a.loop, a.cancel, a.workerDone
	a.mu.Unlock()

	a.logger.Debug("开始关闭 agent")
	if loop != nil {
		loop.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("等待 worker 退出超时", "error", ctx.Err())
		}
	}

	var err error
	if a.conn.Connected() {
		err = a.gracefulDisconnect(ctx, loop)
	} else {
		a.logger.Debug("未连接，跳过最后一次 flush")
	}

	a.mu.Lock()
	a.started = false
	if a.state != StateDisconnected {
		a.setStateLocked(StateStopped)
	}
	a.mu.Unlock()
	return err
}

func (a *Agent) gracefulDisconnect(ctx context.Context, loop *worker.Loop) error {
	a.client.SetTimeout(config.Duration(a.cfg.Agent.ShutdownTimeout, DefaultShutdownTimeout))
	ctx = txn.WithTracing(ctx, false)

	a.logger.Debug("flush 未发送的数据")
	var err error
	if loop != nil {
		err = loop.RunTask(ctx)
	} else {
		err = a.harvester.Harvest(ctx)
	}
	if err != nil {
		a.logger.Warn("最后一次 harvest 失败", "error", err)
	}

	run := a.conn.Run()
	if run == nil {
		return nil
	}
	if !a.conn.OwnsRun() {
		a.logger.Debug("会话不是本进程建立的，不发送 shutdown", "connected_pid", run.ConnectedPID, "pid", a.pid())
		return nil
	}
	now := a.clock.Now()
	if err := a.client.Invoke(ctx, collector.MethodShutdown, run.RunID, nil, run.RunID, float64(now.UnixNano())/float64(time.Second)); err != nil {
		a.logger.Warn("发送 shutdown 失败", "error", err)
		return errors.Wrap(err, "send shutdown")
	}
	a.conn.Invalidate()
	a.logger.Info("agent 已断开", "run_id", run.RunID)
	return nil
}

// ManualStart 在调用方上下文中立即尝试一次握手（不重试），再启动 worker。
// worker 已在运行时只返回当前状态。agent 被禁用、已被 collector 断开或 license 无效时不发起握手。
func (a *Agent) ManualStart(ctx context.Context) (connect.Result, error) {
	if !a.enabled() {
		return connect.ResultFailed, errors.ErrDisabled
	}
	if a.conn.InvalidLicense() {
		return connect.ResultLicenseRejected, errors.Wrap(errors.ErrDisabled, "license rejected")
	}
	a.mu.Lock()
	disconnected := a.state == StateDisconnected
	running := a.started && a.workerAliveLocked()
	a.mu.Unlock()
	if disconnected {
		return connect.ResultFailed, errors.Wrap(errors.ErrDisabled, "agent disconnected")
	}
	if running {
		if a.conn.OwnsRun() {
			return connect.ResultAlreadyConnected, nil
		}
		return connect.ResultFailed, errors.Wrap(errors.ErrInvalidArg, "worker is still connecting")
	}
	res, err := a.conn.Connect(ctx, false)
	if err != nil {
		if control.KindOf(err) == control.KindForceDisconnect {
			a.markDisconnected(err)
		}
		return res, err
	}
	if a.Started() {
		a.EnsureWorkerStarted()
		return res, nil
	}
	if serr := a.Start(); serr != nil {
		return res, serr
	}
	return res, nil
}

// ManualStop 等同 Shutdown
func (a *Agent) ManualStop(ctx context.Context) error {
	return a.Shutdown(ctx)
}

// LastError worker 最近一次导致断开的错误
func (a *Agent) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}
