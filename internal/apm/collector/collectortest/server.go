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

// Package collectortest 提供可编排响应的假 collector，供各包测试使用
package collectortest

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"apm-agent/internal/apm/codec"
	"apm-agent/internal/apm/collector"
)

// Call 一次被记录的远程调用
type Call struct {
	Method   string
	License  string
	RunID    string
	Encoding string
	Host     string
	Args     []any
	Size     int
}

// Response 对某次调用的编排响应
type Response struct {
	Status      int // 0 表示 200
	ReturnValue any
	Exception   *codec.ServerException
	Delay       time.Duration
	Gzip        bool
	RawBody     []byte
}

// Server 假 collector
type Server struct {
	*httptest.Server
	Serializer codec.Serializer

	mu       sync.Mutex
	calls    []Call
	scripted map[string][]Response
	defaults map[string]Response
}

// NewServer 启动假 collector，内置握手各步骤的默认响应
func NewServer() *Server {
	s := &Server{
		Serializer: codec.JSON{},
		scripted:   make(map[string][]Response),
		defaults: map[string]Response{
			collector.MethodStart:                {ReturnValue: 1234},
			collector.MethodGetDataReportPeriod:  {ReturnValue: 60},
			collector.MethodShouldCollectSamples: {ReturnValue: true},
			collector.MethodSamplingRate:         {ReturnValue: 10},
			collector.MethodShouldCollectErrors:  {ReturnValue: true},
			collector.MethodMetricData:           {ReturnValue: []any{}},
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	s.defaults[collector.MethodGetRedirectHost] = Response{ReturnValue: s.Endpoint().Host}
	return s
}

// Endpoint 指向本假 collector 的地址
func (s *Server) Endpoint() collector.Endpoint {
	u, _ := url.Parse(s.URL)
	port, _ := strconv.Atoi(u.Port())
	return collector.Endpoint{Host: u.Hostname(), Port: port, Scheme: u.Scheme}
}

// Enqueue 为 method 追加一次性响应（按顺序消费，耗尽后回落到默认响应）
func (s *Server) Enqueue(method string, rs ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted[method] = append(s.scripted[method], rs...)
}

// SetDefault 设置 method 的默认响应
func (s *Server) SetDefault(method string, r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[method] = r
}

// Calls 返回全部调用记录（拷贝）
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor 仅返回 method 的调用记录
func (s *Server) CallsFor(method string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count method 被调用的次数
func (s *Server) Count(method string) int {
	return len(s.CallsFor(method))
}

// Methods 按顺序返回被调用的方法名
func (s *Server) Methods() []string {
	calls := s.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

func (s *Server) next(method string) Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.scripted[method]; len(q) > 0 {
		s.scripted[method] = q[1:]
		return q[0]
	}
	return s.defaults[method]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	// /agent_listener/<version>/<license>/<method>
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "agent_listener" {
		http.NotFound(w, r)
		return
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r.Body)
	encoding := r.Header.Get("Content-Encoding")
	call := Call{
		Method:   parts[3],
		License:  parts[2],
		RunID:    r.URL.Query().Get("run_id"),
		Encoding: encoding,
		Host:     r.Host,
		Size:     buf.Len(),
	}
	if raw, err := codec.Decompress(buf.Bytes(), encoding); err == nil {
		_ = s.Serializer.Unmarshal(raw, &call.Args)
	}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()

	resp := s.next(call.Method)
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	body := resp.RawBody
	if body == nil && status == http.StatusOK {
		body, _ = s.Serializer.Marshal(codec.Envelope{ReturnValue: resp.ReturnValue, Exception: resp.Exception})
	}
	if resp.Gzip {
		var zb bytes.Buffer
		zw := gzip.NewWriter(&zb)
		_, _ = zw.Write(body)
		_ = zw.Close()
		body = zb.Bytes()
		w.Header().Set("Content-Encoding", "gzip")
	}
	w.Header().Set("Content-Type", s.Serializer.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
