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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apm-agent/internal/apm/buffer"
	"apm-agent/internal/apm/clock"
	"apm-agent/internal/apm/codec"
	"apm-agent/internal/apm/collector"
	"apm-agent/internal/apm/collector/collectortest"
	"apm-agent/internal/apm/connect"
	"apm-agent/internal/apm/control"
	"apm-agent/internal/apm/txn"
	"apm-agent/pkg/config"
	perrors "apm-agent/pkg/errors"
	"apm-agent/pkg/redaction"
	"apm-agent/pkg/secrets"
)

const testLicense = "0123456789012345678901234567890123456789"

const waitFor = 2 * time.Second

// process 可变的 pid 与进程名，模拟 fork
type process struct {
	pid  atomic.Int64
	mu   sync.Mutex
	name string
}

func newProcess(pid int, name string) *process {
	p := &process{name: name}
	p.pid.Store(int64(pid))
	return p
}

func (p *process) fork(pid int, name string) {
	p.pid.Store(int64(pid))
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

func (p *process) PID() int { return int(p.pid.Load()) }

func (p *process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

type harness struct {
	srv   *collectortest.Server
	clock *clock.Fake
	proc  *process
	agent *Agent
}

func newHarness(t *testing.T, mutate func(cfg *config.Config), opts ...Option) *harness {
	t.Helper()
	srv := collectortest.NewServer()
	t.Cleanup(srv.Close)
	ep := srv.Endpoint()

	cfg := config.Default()
	cfg.Agent.LicenseKey = testLicense
	cfg.Agent.AppName = []string{"checkout"}
	cfg.Agent.Host = ep.Host
	cfg.Agent.Port = ep.Port
	cfg.Agent.Timeout = "2s"
	cfg.Agent.StartupDelay = "0s"
	cfg.Agent.SendEnvironmentInfo = false
	cfg.Utilization.DetectAWS = false
	cfg.Utilization.DetectGCP = false
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		srv:   srv,
		clock: clock.NewFake(time.Unix(1700000000, 0)),
		proc:  newProcess(100, "app-worker"),
	}
	opts = append([]Option{
		WithClock(h.clock),
		WithProcess(h.proc.PID, h.proc.Name),
	}, opts...)
	a, err := New(cfg, opts...)
	require.NoError(t, err)
	h.agent = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.agent.State() == StateConnected }, waitFor, time.Millisecond)
}

// tick 等待 worker 进入周期等待后推进一个上报周期
func (h *harness) tick(t *testing.T, waiters int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.clock.Waiters() >= waiters }, waitFor, time.Millisecond)
	h.clock.Advance(connect.DefaultReportPeriod)
}

func (h *harness) workerExited() bool {
	h.agent.mu.Lock()
	done := h.agent.workerDone
	h.agent.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func exception(errorType string) collectortest.Response {
	return collectortest.Response{Exception: &codec.ServerException{ErrorType: errorType, Message: "from collector"}}
}

func TestAgent_StartConnectsAndHarvests(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.agent.Start())
	require.NoError(t, h.agent.Start(), "second Start is a no-op")
	h.waitConnected(t)

	run := h.agent.Run()
	require.NotNil(t, run)
	assert.Equal(t, "1234", run.RunID)
	assert.True(t, h.agent.SamplingEnabled())
	assert.True(t, h.agent.ErrorCollectionEnabled())

	h.agent.RecordMetric(context.Background(), "Custom/orders", 3)
	h.tick(t, 1)
	require.Eventually(t, func() bool { return h.srv.Count(collector.MethodMetricData) == 1 }, waitFor, time.Millisecond)

	call := h.srv.CallsFor(collector.MethodMetricData)[0]
	assert.Equal(t, "1234", call.RunID)
	require.Len(t, call.Args, 4)
	assert.Equal(t, 1, h.srv.Count(collector.MethodStart))

	status := h.agent.Status()
	assert.Equal(t, "connected", status.State)
	assert.Equal(t, "1234", status.RunID)
	assert.Equal(t, 100, status.ConnectedPID)
	assert.Equal(t, "json", status.Serialization)
	assert.Positive(t, status.PostSizeLimit)
}

func TestAgent_ForceRestartReconnectsAfterDelay(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.Enqueue(collector.MethodMetricData, exception("NewRelic::Agent::ForceRestartException"))
	require.NoError(t, h.agent.Start())
	h.waitConnected(t)

	h.agent.RecordMetric(context.Background(), "Custom/orders", 1)
	h.tick(t, 1)

	require.Eventually(t, func() bool { return h.srv.Count(collector.MethodStart) == 2 }, waitFor, time.Millisecond)
	h.waitConnected(t)
	assert.Contains(t, h.clock.Sleeps(), control.RestartDelay)
	_, ok := h.agent.Buffers().Metrics.Get(buffer.MetricSpec{Name: "Custom/orders"})
	assert.False(t, ok, "buffers are cleared on restart")
}

func TestAgent_ForceRestartSkipsStartupDelay(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Agent.StartupDelay = "5s" })
	h.srv.Enqueue(collector.MethodMetricData, exception("NewRelic::Agent::ForceRestartException"))
	require.NoError(t, h.agent.Start())
	h.waitConnected(t)
	h.tick(t, 1)

	require.Eventually(t, func() bool { return h.srv.Count(collector.MethodStart) == 2 }, waitFor, time.Millisecond)
	h.waitConnected(t)
	assert.Equal(t, []time.Duration{5 * time.Second, control.RestartDelay}, h.clock.Sleeps())
}

func TestAgent_ForceDisconnectIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.Enqueue(collector.MethodMetricData, exception("ForceDisconnectException"))
	require.NoError(t, h.agent.Start())
	h.waitConnected(t)
	h.tick(t, 1)

	require.Eventually(t, func() bool { return h.agent.State() == StateDisconnected }, waitFor, time.Millisecond)
	require.Eventually(t, h.workerExited, waitFor, time.Millisecond)
	assert.False(t, h.agent.EnsureWorkerStarted())
	assert.Nil(t, h.agent.Run())
	assert.Error(t, h.agent.LastError())

	calls := len(h.srv.Calls())
	require.NoError(t, h.agent.Shutdown(context.Background()))
	assert.Len(t, h.srv.Calls(), calls, "no shutdown traffic after a forced disconnect")
	assert.Equal(t, StateDisconnected, h.agent.State())
}

func TestAgent_ForkedChildReconnects(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.agent.Start())
	h.waitConnected(t)
	require.Equal(t, 100, h.agent.Run().ConnectedPID)

	h.proc.fork(200, "app-worker")
	h.agent.RecordMetric(context.Background(), "Custom/child", 1)

	require.Eventually(t, func() bool {
		run := h.agent.Run()
		return run != nil && run.ConnectedPID == 200
	}, waitFor, time.Millisecond)
	assert.Equal(t, 2, h.srv.Count(collector.MethodStart))
	_, ok := h.agent.Buffers().Metrics.Get(buffer.MetricSpec{Name: "Custom/child"})
	assert.True(t, ok, "data recorded after an attempted connect is kept")
	assert.False(t, h.agent.EnsureWorkerStarted(), "worker for this pid is already running")
}

func TestAgent_SupervisorNeverConnects(t *testing.T) {
	h := newHarness(t, nil)
	h.proc.fork(100, "unicorn master")
	require.NoError(t, h.agent.Start())
	require.Eventually(t, h.workerExited, waitFor, time.Millisecond)
	assert.Equal(t, StateStopped, h.agent.State())
	assert.Empty(t, h.srv.Calls())

	h.agent.RecordMetric(context.Background(), "Custom/parent", 1)
	assert.Empty(t, h.srv.Calls(), "supervisor does not restart its worker")
	_, ok := h.agent.Buffers().Metrics.Get(buffer.MetricSpec{Name: "Custom/parent"})
	require.True(t, ok)

	h.proc.fork(200, "unicorn worker")
	require.True(t, h.agent.EnsureWorkerStarted())
	_, ok = h.agent.Buffers().Metrics.Get(buffer.MetricSpec{Name: "Custom/parent"})
	assert.False(t, ok, "inherited data from a never-connected parent is discarded")

	h.waitConnected(t)
	assert.Equal(t, 200, h.agent.Run().ConnectedPID)
	assert.Equal(t, 1, h.srv.Count(collector.MethodStart))
}

func TestAgent_ShutdownWithoutConnectionSendsNothing(t *testing.T) {
	t.Run("never started", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.agent.Shutdown(context.Background()))
		assert.Empty(t, h.srv.Calls())
	})
	t.Run("license rejected", func(t *testing.T) {
		h := newHarness(t, func(cfg *config.Config) { cfg.Agent.LicenseKey = "short" })
		require.NoError(t, h.agent.Start())
		require.Eventually(t, func() bool { return h.agent.State() == StateDisconnected }, waitFor, time.Millisecond)
		require.NoError(t, h.agent.Shutdown(context.Background()))
		assert.Empty(t, h.srv.Calls())
		assert.True(t, h.agent.Status().InvalidLicense)
	})
}

func TestAgent_ShutdownFlushesAndDisconnects(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Agent.ShutdownTimeout = "5s" })
	require.NoError(t, h.agent.Start())
	h.waitConnected(t)
	h.agent.RecordMetric(context.Background(), "Custom/orders", 2)

	before := len(h.srv.Calls())
	require.NoError(t, h.agent.Shutdown(context.Background()))

	after := h.srv.Methods()[before:]
	assert.Equal(t, []string{collector.MethodMetricData, collector.MethodShutdown}, after)
	assert.Equal(t, 5*time.Second, h.agent.client.Timeout())
	assert.Equal(t, StateStopped, h.agent.State())
	assert.False(t, h.agent.Started())

	shutdown := h.srv.CallsFor(collector.MethodShutdown)[0]
	assert.Equal(t, "1234", shutdown.RunID)
	require.Len(t, shutdown.Args, 2)
	assert.Equal(t, "1234", shutdown.Args[0])
}

func TestAgent_ShutdownInForkedChildSkipsShutdownCall(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.agent.Start())
	h.waitConnected(t)

	h.proc.fork(200, "app-worker")
	require.NoError(t, h.agent.Shutdown(context.Background()))
	assert.Equal(t, 1, h.srv.Count(collector.MethodMetricData))
	assert.Zero(t, h.srv.Count(collector.MethodShutdown))
}

type panicPreparer struct{}

func (panicPreparer) Prepare([]*buffer.Trace, buffer.PrepareOptions) []*buffer.Trace {
	panic("sql obfuscator blew up")
}

func TestAgent_WorkerPanicIsContained(t *testing.T) {
	h := newHarness(t, nil, WithPreparer(panicPreparer{}))
	require.NoError(t, h.agent.Start())
	h.waitConnected(t)

	h.agent.RecordTrace(context.Background(), &buffer.Trace{Name: "WebTransaction/slow", Duration: 5 * time.Second})
	h.tick(t, 1)

	require.Eventually(t, func() bool { return h.agent.State() == StateDisconnected }, waitFor, time.Millisecond)
	require.Error(t, h.agent.LastError())
	assert.Contains(t, h.agent.LastError().Error(), "panic")
	assert.False(t, h.agent.EnsureWorkerStarted())
}

func TestAgent_ManualStartAndStop(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.agent.ManualStart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, connect.ResultConnected, res)
	h.waitConnected(t)
	assert.Equal(t, 1, h.srv.Count(collector.MethodStart), "worker reuses the manual session")

	res, err = h.agent.ManualStart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, connect.ResultAlreadyConnected, res)

	require.NoError(t, h.agent.ManualStop(context.Background()))
	assert.Equal(t, 1, h.srv.Count(collector.MethodShutdown))
}

func TestAgent_ManualStartAfterForceDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.Enqueue(collector.MethodMetricData, exception("ForceDisconnectException"))
	require.NoError(t, h.agent.Start())
	h.waitConnected(t)
	h.tick(t, 1)
	require.Eventually(t, func() bool { return h.agent.State() == StateDisconnected }, waitFor, time.Millisecond)
	require.Eventually(t, h.workerExited, waitFor, time.Millisecond)

	res, err := h.agent.ManualStart(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrDisabled)
	assert.Equal(t, connect.ResultFailed, res)
	assert.Equal(t, 1, h.srv.Count(collector.MethodStart), "no handshake after a forced disconnect")
	assert.Nil(t, h.agent.Run())
	assert.Equal(t, StateDisconnected, h.agent.State())

	calls := len(h.srv.Calls())
	require.NoError(t, h.agent.Shutdown(context.Background()))
	assert.Len(t, h.srv.Calls(), calls)
}

func TestAgent_ManualStartRespectsDisabledAndLicense(t *testing.T) {
	t.Run("monitor mode off", func(t *testing.T) {
		h := newHarness(t, func(cfg *config.Config) { cfg.Agent.MonitorMode = false })
		res, err := h.agent.ManualStart(context.Background())
		assert.ErrorIs(t, err, perrors.ErrDisabled)
		assert.Equal(t, connect.ResultFailed, res)
		assert.Empty(t, h.srv.Calls())
		assert.Nil(t, h.agent.Run())
		assert.False(t, h.agent.Started())
	})
	t.Run("agent disabled", func(t *testing.T) {
		h := newHarness(t, func(cfg *config.Config) { cfg.Agent.Enabled = false })
		_, err := h.agent.ManualStart(context.Background())
		assert.ErrorIs(t, err, perrors.ErrDisabled)
		assert.Empty(t, h.srv.Calls())
	})
	t.Run("license rejected", func(t *testing.T) {
		h := newHarness(t, func(cfg *config.Config) { cfg.Agent.LicenseKey = "short" })
		res, err := h.agent.ManualStart(context.Background())
		require.Error(t, err)
		assert.Equal(t, connect.ResultLicenseRejected, res)

		res, err = h.agent.ManualStart(context.Background())
		assert.ErrorIs(t, err, perrors.ErrDisabled)
		assert.Equal(t, connect.ResultLicenseRejected, res)
		assert.Empty(t, h.srv.Calls())
		assert.False(t, h.agent.Started())
	})
}

func TestAgent_LicenseResolvedFromSecretStore(t *testing.T) {
	store := secrets.NewStaticStore(map[string]string{"license_key": testLicense})
	h := newHarness(t, func(cfg *config.Config) { cfg.Agent.LicenseKey = "vault:license_key" }, WithSecretStore(store))
	require.NoError(t, h.agent.Start())
	h.waitConnected(t)
	assert.Equal(t, 1, h.srv.Count(collector.MethodStart))

	cfg := config.Default()
	cfg.Agent.LicenseKey = "vault:missing"
	_, err := New(cfg, WithSecretStore(store))
	assert.Error(t, err)
}

func TestAgent_StartDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Agent.MonitorMode = false })
	assert.ErrorIs(t, h.agent.Start(), perrors.ErrDisabled)
	assert.False(t, h.agent.Started())
	assert.Empty(t, h.srv.Calls())
}

type orderError struct{ id int }

func (e *orderError) Error() string { return fmt.Sprintf("order %d failed", e.id) }

func TestAgent_TransactionAPI(t *testing.T) {
	h := newHarness(t, nil)
	a := h.agent

	ctx, tx := a.StartTransaction(context.Background(), "Controller/orders/show")
	tx.SetParam("order_id", 42)
	a.RecordMetric(ctx, "Datastore/all", 0.5)
	assert.True(t, a.NoticeError(ctx, &orderError{id: 42}, map[string]any{"retry": true}))
	h.clock.Advance(3 * time.Second)
	a.EndTransaction(ctx)
	a.EndTransaction(ctx)

	stats, ok := a.Buffers().Metrics.Get(buffer.MetricSpec{Name: "WebTransaction/Controller/orders/show"})
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.CallCount)
	assert.InDelta(t, 3.0, stats.Total, 1e-9)

	_, ok = a.Buffers().Metrics.Get(buffer.MetricSpec{Name: "Datastore/all", Scope: "WebTransaction/Controller/orders/show"})
	assert.True(t, ok)
	errCount, ok := a.Buffers().Metrics.Get(buffer.MetricSpec{Name: MetricErrorsAll})
	require.True(t, ok)
	assert.Equal(t, int64(1), errCount.CallCount)

	errs := a.Buffers().Errors.Swap()
	require.Len(t, errs, 1)
	assert.Equal(t, "apm.orderError", errs[0].Class)
	assert.Equal(t, "WebTransaction/Controller/orders/show", errs[0].Path)
	assert.Equal(t, map[string]any{"order_id": 42, "retry": true}, errs[0].Params)

	assert.Equal(t, 1, a.Buffers().Traces.Len())
	assert.Empty(t, h.srv.Calls(), "nothing is sent before Start")
}

func TestAgent_UntracedScopeSkipsTraces(t *testing.T) {
	h := newHarness(t, nil)
	a := h.agent
	ctx, _ := a.StartTransaction(txn.WithTracing(context.Background(), false), "Controller/health")
	a.EndTransaction(ctx)
	assert.Zero(t, a.Buffers().Traces.Len())
	assert.False(t, a.RecordTrace(ctx, &buffer.Trace{Name: "x"}))
	assert.False(t, a.NoticeError(ctx, nil, nil))
}

func TestAgent_ParamsRedactedBeforeBuffering(t *testing.T) {
	h := newHarness(t, nil)
	a := h.agent

	ctx, tx := a.StartTransaction(context.Background(), "Controller/login")
	tx.SetParam("password", "hunter2")
	tx.SetParam("user", "ada")
	h.clock.Advance(time.Second)
	require.True(t, a.NoticeError(ctx, &orderError{id: 1}, map[string]any{"Authorization": "Bearer x"}))
	a.EndTransaction(ctx)

	errs := a.Buffers().Errors.Swap()
	require.Len(t, errs, 1)
	assert.Equal(t, redaction.Redacted, errs[0].Params["password"])
	assert.Equal(t, redaction.Redacted, errs[0].Params["Authorization"])
	assert.Equal(t, "ada", errs[0].Params["user"])

	traces := a.Buffers().Traces.Harvest(0)
	require.Len(t, traces, 1)
	assert.Equal(t, redaction.Redacted, traces[0].Params["password"])
	assert.Equal(t, "hunter2", tx.Params()["password"], "transaction keeps the raw value")
}
