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
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"apm-agent/internal/app"
	"apm-agent/internal/app/agentd"
	"apm-agent/pkg/config"
)

var version = "dev"

func loadConfig() (*config.Config, error) {
	path := os.Getenv("APM_CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat("configs/agent.yaml"); err != nil {
			return config.Default(), nil
		}
		path = "configs/agent.yaml"
	}
	return config.LoadConfig(path)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	bootstrap, err := app.NewBootstrap(cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	application, err := agentd.NewApp(bootstrap, version)
	if err != nil {
		log.Fatalf("创建 agentd 失败: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port)
	go func() {
		if err := application.Run(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("agentd 异常退出: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		log.Printf("关闭失败: %v", err)
	}
	log.Println("agentd 已关闭")
}
