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

package envinfo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"apm-agent/internal/apm/buffer"
	"apm-agent/pkg/log"
)

// MaxValueLength 元数据单个值的最大字节数
const MaxValueLength = 255

var validChar = regexp.MustCompile(`^[0-9a-zA-Z_ ./-]$`)

// Vendor 一个云厂商的元数据接口描述
type Vendor struct {
	Name     string
	Endpoint string
	Headers  map[string]string
	Keys     []string
}

// AWS EC2 instance identity document
func AWS(endpoint string) Vendor {
	if endpoint == "" {
		endpoint = "http://169.254.169.254/2016-09-02/dynamic/instance-identity/document"
	}
	return Vendor{
		Name:     "aws",
		Endpoint: endpoint,
		Keys:     []string{"instanceId", "instanceType", "availabilityZone"},
	}
}

// GCP compute metadata
func GCP(endpoint string) Vendor {
	if endpoint == "" {
		endpoint = "http://metadata.google.internal/computeMetadata/v1/instance/?recursive=true"
	}
	return Vendor{
		Name:     "gcp",
		Endpoint: endpoint,
		Headers:  map[string]string{"Metadata-Flavor": "Google"},
		Keys:     []string{"id", "machineType", "name", "zone"},
	}
}

// MetricRecorder 记录 supportability metric
type MetricRecorder interface {
	Record(spec buffer.MetricSpec, value float64)
}

// Detector 探测运行所在的云厂商
type Detector struct {
	http    *resty.Client
	vendors []Vendor
	metrics MetricRecorder
	logger  *log.Logger
}

// NewDetector 创建探测器；timeout 为单个元数据请求的超时
func NewDetector(vendors []Vendor, timeout time.Duration, metrics MetricRecorder, logger *log.Logger) *Detector {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Detector{
		http:    resty.New().SetTimeout(timeout),
		vendors: vendors,
		metrics: metrics,
		logger:  log.OrNop(logger),
	}
}

// Utilization 汇总所有探测成功的厂商，形如 {"vendors": {"aws": {...}}}；都失败时返回 nil
func (d *Detector) Utilization(ctx context.Context) map[string]any {
	vendors := make(map[string]any)
	for _, v := range d.vendors {
		if md, ok := d.Detect(ctx, v); ok {
			vendors[v.Name] = md
		}
	}
	if len(vendors) == 0 {
		return nil
	}
	return map[string]any{"vendors": vendors}
}

// Detect 请求单个厂商的元数据。非 200 视为不在该厂商上；请求出错或数据非法时记录 supportability metric
func (d *Detector) Detect(ctx context.Context, v Vendor) (map[string]string, bool) {
	resp, err := d.http.R().
		SetContext(ctx).
		SetHeaders(v.Headers).
		Get(v.Endpoint)
	if err != nil {
		d.logger.Debug("获取云厂商元数据失败", "vendor", v.Name, "error", err)
		d.recordError(v)
		return nil, false
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		d.logger.Error("云厂商元数据解析失败", "vendor", v.Name, "error", err)
		d.recordError(v)
		return nil, false
	}

	out := make(map[string]string, len(v.Keys))
	for _, key := range v.Keys {
		value, ok := Normalize(doc[key])
		if !ok {
			d.logger.Warn("云厂商元数据取值非法", "vendor", v.Name, "key", key)
			d.recordError(v)
			return nil, false
		}
		out[key] = value
	}
	return out, true
}

func (d *Detector) recordError(v Vendor) {
	if d.metrics == nil {
		return
	}
	d.metrics.Record(buffer.MetricSpec{Name: fmt.Sprintf("Supportability/utilization/%s/error", v.Name)}, 1)
}

// Normalize 校验并规整单个元数据取值：必须是字符串（或数字），去首尾空白后不超过 255 字节，
// 字符限于 [0-9a-zA-Z_ ./-] 或非 ASCII
func Normalize(raw any) (string, bool) {
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	if !utf8.ValidString(s) || len(s) > MaxValueLength {
		return "", false
	}
	for _, r := range s {
		if r >= 0x80 {
			continue
		}
		if !validChar.MatchString(string(r)) {
			return "", false
		}
	}
	return s, true
}
