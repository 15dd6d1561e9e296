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
	"fmt"
	"net"
	"strconv"
)

// Endpoint collector 地址；只有连接管理器可以修改当前生效的 Endpoint
type Endpoint struct {
	Host   string
	Port   int
	Scheme string
}

// String host:port 形式
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BaseURL scheme://host:port
func (e Endpoint) BaseURL() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, e.String())
}

// WithHost 返回替换 host 后的 Endpoint（端口与协议保持不变）
func (e Endpoint) WithHost(host string) Endpoint {
	e.Host = host
	return e
}

// ParseEndpoint 解析 "host" 或 "host:port"，缺省端口取 defaultPort
func ParseEndpoint(hostport, scheme string, defaultPort int) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{Host: hostport, Port: defaultPort, Scheme: scheme}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid collector port %q: %w", portStr, err)
	}
	return Endpoint{Host: host, Port: port, Scheme: scheme}, nil
}
