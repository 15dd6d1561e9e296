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
	"os"
	"runtime"
	"strings"
)

// Snapshot 随 start 上报的本地环境信息，保持有序的 [名称, 值] 列表
func Snapshot(appNames []string, agentVersion string) [][2]any {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return [][2]any{
		{"Go version", runtime.Version()},
		{"OS", runtime.GOOS},
		{"Arch", runtime.GOARCH},
		{"Processors", runtime.NumCPU()},
		{"GOMAXPROCS", runtime.GOMAXPROCS(0)},
		{"Hostname", host},
		{"App Name", strings.Join(appNames, ";")},
		{"Agent version", agentVersion},
	}
}
