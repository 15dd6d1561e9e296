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

package worker

import (
	"context"
	"sync"
	"time"

	"apm-agent/internal/apm/clock"
	"apm-agent/internal/apm/control"
	"apm-agent/pkg/log"
)

// Task 每个周期执行的工作
type Task func(ctx context.Context) error

// Loop 按固定周期执行 Task 的后台循环；RunTask 提供立即执行一次的入口，与周期执行互斥
type Loop struct {
	task   Task
	clock  clock.Clock
	logger *log.Logger

	runMu    sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLoop 创建循环；c 为 nil 时使用真实时钟
func NewLoop(task Task, c clock.Clock, logger *log.Logger) *Loop {
	if c == nil {
		c = clock.Real()
	}
	return &Loop{
		task:   task,
		clock:  c,
		logger: log.OrNop(logger),
		stopCh: make(chan struct{}),
	}
}

// Run 每隔 period 执行一次 Task，直到 Stop、ctx 结束或 Task 返回控制指令（原样返回）。
// 普通错误只记日志。Stop 不会打断正在执行的 Task，但会阻止下一次开始。
func (l *Loop) Run(ctx context.Context, period time.Duration) error {
	for {
		if l.Stopped() {
			return nil
		}
		select {
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(period):
		}
		if l.Stopped() {
			return nil
		}
		if err := l.RunTask(ctx); err != nil {
			if control.IsDirective(err) {
				return err
			}
			l.logger.Warn("周期任务失败", "error", err)
		}
	}
}

// RunTask 立即执行一次 Task
func (l *Loop) RunTask(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	return l.task(ctx)
}

// Stop 停止循环，可重复调用
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Stopped 是否已停止
func (l *Loop) Stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}
