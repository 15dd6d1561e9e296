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

// Package clock 为后台上报循环提供可替换的时间源：生产使用真实时间，测试使用 Fake 推进时间，退避与周期等待不产生真实延迟。
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock 时间源
type Clock interface {
	Now() time.Time
	// After 在 d 之后向返回的 channel 发送当前时间
	After(d time.Duration) <-chan time.Time
	// Sleep 等待 d；ctx 取消时提前返回 ctx.Err()
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// Real 返回基于 time 包的时钟
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake 测试用时钟。Sleep 立即返回并记录时长（同时推进当前时间）；After 返回的 channel 仅在 Advance 越过截止时间后触发。
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	waiters []*waiter
	// onSleep 可选，每次 Sleep 时回调（测试中用于在第 N 次退避时改变外部条件）
	onSleep func(d time.Duration)
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake 创建从 start 开始的假时钟
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now 当前假时间
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After 注册一个在假时间到达 now+d 时触发的等待者
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &waiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

// Sleep 记录时长并立即推进假时间
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	hook := f.onSleep
	f.mu.Unlock()
	f.Advance(d)
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

// OnSleep 设置 Sleep 回调
func (f *Fake) OnSleep(fn func(d time.Duration)) {
	f.mu.Lock()
	f.onSleep = fn
	f.mu.Unlock()
}

// Sleeps 返回已记录的 Sleep 时长副本
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

// Waiters 当前尚未触发的 After 数量
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// Advance 推进假时间并触发所有到期的 After
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	sort.Slice(f.waiters, func(i, j int) bool { return f.waiters[i].deadline.Before(f.waiters[j].deadline) })
	var fired []*waiter
	pending := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(now) {
			fired = append(fired, w)
		} else {
			pending = append(pending, w)
		}
	}
	f.waiters = pending
	f.mu.Unlock()
	for _, w := range fired {
		w.ch <- now
	}
}
