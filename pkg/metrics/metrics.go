package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 agentd 暴露 agent 自身的运行指标
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		HarvestDuration, RemoteCallsTotal, PayloadBytes,
		ConnectAttemptsTotal, DroppedTotal, AgentState,
	)
}

// HarvestDuration 单个 harvest 子周期耗时（秒）
var HarvestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "apm_agent_harvest_duration_seconds",
		Help:    "harvest 子周期耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"cycle"}, // metrics | traces | errors
)

// RemoteCallsTotal 对 collector 的调用次数（按方法与结果）
var RemoteCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "apm_agent_remote_calls_total",
		Help: "collector 调用次数",
	},
	[]string{"method", "outcome"}, // outcome: ok | 控制错误分类名
)

// PayloadBytes 发出的请求体大小（压缩后）
var PayloadBytes = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "apm_agent_payload_bytes",
		Help:    "请求体大小（字节，压缩后）",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	},
	[]string{"encoding"},
)

// ConnectAttemptsTotal 握手尝试次数
var ConnectAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "apm_agent_connect_attempts_total",
		Help: "握手尝试次数",
	},
	[]string{"outcome"}, // connected | failed | license_rejected
)

// DroppedTotal 因载荷过大、缓冲区满或限流而丢弃的记录数
var DroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "apm_agent_dropped_total",
		Help: "被丢弃的记录数",
	},
	[]string{"kind", "reason"}, // kind: metric | trace | error
)

// AgentState 当前生命周期状态（对应状态取值为 1，其余为 0）
var AgentState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "apm_agent_state",
		Help: "agent 生命周期状态",
	},
	[]string{"state"},
)

// SetState 将 state 置 1，all 中的其他状态置 0
func SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		AgentState.WithLabelValues(s).Set(v)
	}
}

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
