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

package connect

import "time"

// Backoff 第 attempt 次（从 1 开始）握手失败后的等待时长：
// 1-2 次 60s，3-5 次 120s，之后 300s
func Backoff(attempt int) time.Duration {
	switch {
	case attempt <= 2:
		return time.Minute
	case attempt <= 5:
		return 2 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// RetryState 当前这一轮重连的失败计数；握手成功后归零
type RetryState struct {
	Attempts    int
	LastBackoff time.Duration
}

func (r *RetryState) next() time.Duration {
	r.Attempts++
	r.LastBackoff = Backoff(r.Attempts)
	return r.LastBackoff
}

func (r *RetryState) reset() {
	*r = RetryState{}
}
