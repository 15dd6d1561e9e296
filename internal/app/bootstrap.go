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

package app

import (
	"context"
	"fmt"

	"apm-agent/internal/apm"
	"apm-agent/pkg/config"
	"apm-agent/pkg/log"
	"apm-agent/pkg/secrets"
)

// Bootstrap 统一初始化：供 agentd 与嵌入方复用，避免在 cmd 内组装 agent
type Bootstrap struct {
	Config  *config.Config
	Logger  *log.Logger
	Secrets secrets.Getter
	Agent   *apm.Agent
}

// NewBootstrap 根据配置创建 Bootstrap（Logger/Secrets/Agent）
func NewBootstrap(cfg *config.Config, opts ...apm.Option) (*Bootstrap, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志failed: %w", err)
	}

	store, err := secrets.NewStore(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store failed: %w", err)
	}

	opts = append([]apm.Option{apm.WithLogger(logger), apm.WithSecretStore(store)}, opts...)
	agent, err := apm.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("初始化 agent failed: %w", err)
	}

	return &Bootstrap{
		Config:  cfg,
		Logger:  logger,
		Secrets: store,
		Agent:   agent,
	}, nil
}

// Close 关闭 agent（最后一次 flush + shutdown）
func (b *Bootstrap) Close(ctx context.Context) error {
	if b.Agent == nil {
		return nil
	}
	return b.Agent.Shutdown(ctx)
}
