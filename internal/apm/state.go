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

package apm

import "apm-agent/pkg/metrics"

// State agent 生命周期状态
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateConnected
	StateReconnecting
	// StateDisconnected 终止态：license 被拒、collector 要求断开或后台异常
	StateDisconnected
)

var allStates = []string{
	StateStopped.String(),
	StateStarting.String(),
	StateConnected.String(),
	StateReconnecting.String(),
	StateDisconnected.String(),
}

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.setStateLocked(s)
	a.mu.Unlock()
}

func (a *Agent) setStateLocked(s State) {
	if a.state == s {
		return
	}
	a.logger.Debug("agent 状态变更", "from", a.state.String(), "to", s.String())
	a.state = s
	metrics.SetState(s.String(), allStates)
}

// State 当前状态
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
