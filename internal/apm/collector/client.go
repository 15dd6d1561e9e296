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

package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"

	"apm-agent/internal/apm/codec"
	"apm-agent/internal/apm/control"
	"apm-agent/pkg/log"
	"apm-agent/pkg/metrics"
	"apm-agent/pkg/tracing"
)

// ProtocolVersion collector 协议版本
const ProtocolVersion = 8

// collector 远程方法
const (
	MethodStart                 = "start"
	MethodGetRedirectHost       = "get_redirect_host"
	MethodGetDataReportPeriod   = "get_data_report_period"
	MethodShouldCollectSamples  = "should_collect_samples"
	MethodSamplingRate          = "sampling_rate"
	MethodShouldCollectErrors   = "should_collect_errors"
	MethodMetricData            = "metric_data"
	MethodTransactionSampleData = "transaction_sample_data"
	MethodErrorData             = "error_data"
	MethodShutdown              = "shutdown"
)

// DefaultTimeout 单次请求默认超时
const DefaultTimeout = 120 * time.Second

// Invoker 对 collector 发起一次远程调用；connect 与 harvest 只依赖该接口
type Invoker interface {
	Invoke(ctx context.Context, method, runID string, out any, args ...any) error
}

// Config Client 配置
type Config struct {
	Endpoint   Endpoint
	LicenseKey string
	Timeout    time.Duration
	Codec      *codec.Codec
	// HTTPClient 为空时使用 resty 默认 transport
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client 基于 resty 的 collector 客户端
type Client struct {
	http    *resty.Client
	codec   *codec.Codec
	license string
	logger  *log.Logger

	mu       sync.RWMutex
	endpoint Endpoint
	timeout  time.Duration
}

// NewClient 创建 collector 客户端
func NewClient(cfg Config) *Client {
	if cfg.Codec == nil {
		cfg.Codec = codec.New(nil, 0)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	return &Client{
		http:     rc,
		codec:    cfg.Codec,
		license:  cfg.LicenseKey,
		logger:   log.OrNop(cfg.Logger),
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
	}
}

// Endpoint 当前生效的 collector 地址
func (c *Client) Endpoint() Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// SetEndpoint 切换 collector 地址（redirect）
func (c *Client) SetEndpoint(e Endpoint) {
	c.mu.Lock()
	c.endpoint = e
	c.mu.Unlock()
}

// Timeout 当前请求超时
func (c *Client) Timeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout
}

// SetTimeout 调整请求超时（shutdown 时缩短）
func (c *Client) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Codec 载荷编解码器
func (c *Client) Codec() *codec.Codec { return c.codec }

// MethodPath /agent_listener/<version>/<license>/<method>[?run_id=]
func (c *Client) MethodPath(method, runID string) string {
	path := fmt.Sprintf("/agent_listener/%d/%s/%s", ProtocolVersion, c.license, method)
	if runID != "" {
		path += "?run_id=" + runID
	}
	return path
}

// Invoke 编码 args 并 POST 到 collector，解码 return_value 到 out（out 可为 nil）。
// 超时基于脱离调用方取消的 context，shutdown 不会打断进行中的请求。
func (c *Client) Invoke(ctx context.Context, method, runID string, out any, args ...any) (err error) {
	endpoint := c.Endpoint()
	ctx, span := tracing.StartRemoteCallSpan(ctx, method, endpoint.String())
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = control.KindOf(err).String()
		}
		metrics.RemoteCallsTotal.WithLabelValues(method, outcome).Inc()
		tracing.EndSpan(span, err)
	}()

	if args == nil {
		args = []any{}
	}
	body, encoding, err := c.codec.Encode(args)
	if err != nil {
		var tooBig *control.PayloadTooLargeError
		if errors.As(err, &tooBig) {
			metrics.DroppedTotal.WithLabelValues(method, "payload_too_large").Inc()
			c.logger.Warn("载荷超过上传上限", "method", method,
				"size", humanize.Bytes(uint64(tooBig.Size)), "limit", humanize.Bytes(uint64(tooBig.Limit)))
		}
		return err
	}
	metrics.PayloadBytes.WithLabelValues(encoding).Observe(float64(len(body)))

	timeout := c.Timeout()
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	url := endpoint.BaseURL() + c.MethodPath(method, runID)
	c.logger.Debug("调用 collector", "method", method, "endpoint", endpoint.String(),
		"encoding", encoding, "size", humanize.Bytes(uint64(len(body))))

	resp, err := c.http.R().
		SetContext(reqCtx).
		SetDoNotParseResponse(true).
		SetHeader("Content-Encoding", encoding).
		SetHeader("Accept-Encoding", "gzip, deflate").
		SetHeader("Content-Type", c.codec.ContentType()).
		SetBody(body).
		Post(url)
	if resp != nil && resp.RawBody() != nil {
		defer resp.RawBody().Close()
	}
	if err != nil {
		if isTimeout(err) {
			c.logger.Warn("collector 请求超时", "method", method, "timeout", timeout.String())
			return &control.TimeoutError{Message: fmt.Sprintf("%s timed out after %s", method, timeout), Err: err}
		}
		return &control.ServerConnectionError{Message: "recoverable error connecting to collector", Err: err}
	}

	raw, err := io.ReadAll(resp.RawBody())
	if err != nil {
		if isTimeout(err) {
			return &control.TimeoutError{Message: "reading " + method + " response", Err: err}
		}
		return &control.ServerConnectionError{Status: resp.StatusCode(), Message: "read response body", Err: err}
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusServiceUnavailable:
		return &control.ServerConnectionError{Status: status, Message: "service unavailable: " + snippet(raw, resp.Status())}
	case status == http.StatusGatewayTimeout:
		c.logger.Debug("collector 网关超时", "method", method)
		return &control.TimeoutError{Message: resp.Status()}
	case status < 200 || status > 299:
		return &control.ServerConnectionError{Status: status, Message: "unexpected response from collector: " + snippet(raw, resp.Status())}
	}

	return c.codec.Decode(raw, resp.Header().Get("Content-Encoding"), out)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func snippet(body []byte, fallback string) string {
	const limit = 256
	if len(body) == 0 {
		return fallback
	}
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}
