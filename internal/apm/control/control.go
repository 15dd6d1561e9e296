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

// Package control 定义 collector 下发的控制信号与传输失败的类型化错误，供连接管理、Harvest 与生命周期控制共用。
package control

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RestartDelay ForceRestart 之后重新握手前的固定等待
const RestartDelay = 30 * time.Second

// Kind 控制错误分类
type Kind int

const (
	KindNone Kind = iota
	KindInvalidLicense
	KindForceRestart
	KindForceDisconnect
	KindServerConnection
	KindPayloadTooLarge
	KindTimeout
	// KindUnknown 非本包定义的错误
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalidLicense:
		return "invalid_license"
	case KindForceRestart:
		return "force_restart"
	case KindForceDisconnect:
		return "force_disconnect"
	case KindServerConnection:
		return "server_connection"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// LicenseError collector 拒绝 license，终止且不重试
type LicenseError struct {
	Message string
}

func (e *LicenseError) Error() string {
	if e.Message == "" {
		return "invalid license key"
	}
	return "invalid license key: " + e.Message
}

// ForceRestartError collector 要求重置会话
type ForceRestartError struct {
	Message string
}

func (e *ForceRestartError) Error() string {
	return "collector requested restart: " + e.Message
}

// ForceDisconnectError collector 要求本进程永久停止上报
type ForceDisconnectError struct {
	Message string
}

func (e *ForceDisconnectError) Error() string {
	return "collector requested disconnect: " + e.Message
}

// ServerConnectionError 临时性的网络或协议失败；Status 为 0 表示未拿到 HTTP 响应
type ServerConnectionError struct {
	Status  int
	Message string
	Err     error
}

func (e *ServerConnectionError) Error() string {
	var b strings.Builder
	b.WriteString("server connection failed")
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ServerConnectionError) Unwrap() error { return e.Err }

// PayloadTooLargeError 序列化后的载荷超过配置上限，未发起网络请求
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload too large: %d bytes exceeds limit %d", e.Size, e.Limit)
}

// TimeoutError 请求超过时限（含 collector 返回的 504）
type TimeoutError struct {
	Message string
	Err     error
}

func (e *TimeoutError) Error() string {
	msg := "request timed out"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// KindOf 返回 err 所属的分类；err 为 nil 时返回 KindNone
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		le *LicenseError
		re *ForceRestartError
		de *ForceDisconnectError
		pe *PayloadTooLargeError
		te *TimeoutError
		se *ServerConnectionError
	)
	switch {
	case errors.As(err, &le):
		return KindInvalidLicense
	case errors.As(err, &re):
		return KindForceRestart
	case errors.As(err, &de):
		return KindForceDisconnect
	case errors.As(err, &pe):
		return KindPayloadTooLarge
	case errors.As(err, &te):
		return KindTimeout
	case errors.As(err, &se):
		return KindServerConnection
	}
	return KindUnknown
}

// IsDirective 是否为需要生命周期控制器处理的指令（重启、断开、license 无效）
func IsDirective(err error) bool {
	switch KindOf(err) {
	case KindInvalidLicense, KindForceRestart, KindForceDisconnect:
		return true
	}
	return false
}

// IsTimeout 是否为超时
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsPayloadTooLarge 是否为载荷过大
func IsPayloadTooLarge(err error) bool { return KindOf(err) == KindPayloadTooLarge }

// FromServerException 将 collector 返回的异常对象映射为类型化错误。
// 只认异常类名的最后一段，兼容 "NewRelic::Agent::ForceRestartException" 这类带命名空间的写法。
func FromServerException(errorType, message string) error {
	name := errorType
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "LicenseException", "InvalidLicenseException":
		return &LicenseError{Message: message}
	case "ForceRestartException":
		return &ForceRestartError{Message: message}
	case "ForceDisconnectException":
		return &ForceDisconnectError{Message: message}
	case "PostTooBigException":
		return &PayloadTooLargeError{}
	default:
		return &ServerConnectionError{Message: strings.TrimSpace(errorType + ": " + message)}
	}
}
