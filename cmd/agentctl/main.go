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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("apm-agent agentctl " + version)
	case "status":
		runStatus()
	case "metrics":
		runMetrics()
	case "connect":
		runConnect()
	case "notice-error":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: agentctl notice-error <message> [class] [path]\n")
			os.Exit(1)
		}
		runNoticeError(args)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: agentctl <command> [args]")
	fmt.Println("  version                            - 显示版本")
	fmt.Println("  status                             - 显示 agent 会话与缓冲区状态")
	fmt.Println("  metrics                            - 输出 agent 自身的 Prometheus 指标")
	fmt.Println("  connect                            - 立即尝试一次握手")
	fmt.Println("  notice-error <message> [class] [path] - 推送一条错误")
}

func runStatus() {
	st, err := getStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取状态失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(st))
}

func runMetrics() {
	out, err := getMetrics()
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取指标失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(out)
}

func runConnect() {
	out, err := connectAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "连接失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runNoticeError(args []string) {
	message, class, path := parseNoticeArgs(args)
	accepted, err := noticeError(message, class, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "推送失败: %v\n", err)
		os.Exit(1)
	}
	if !accepted {
		fmt.Println("dropped (error collection disabled, ignored or rate limited)")
		return
	}
	fmt.Println("accepted")
}

// parseNoticeArgs message 必填；class 默认 "Error"
func parseNoticeArgs(args []string) (message, class, path string) {
	message = strings.TrimSpace(args[0])
	class = "Error"
	if len(args) > 1 && args[1] != "" {
		class = args[1]
	}
	if len(args) > 2 {
		path = args[2]
	}
	return message, class, path
}

func prettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
