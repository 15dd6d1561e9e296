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

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ServerException collector 在响应体中返回的异常对象
type ServerException struct {
	ErrorType string `json:"error_type" cbor:"error_type"`
	Message   string `json:"message" cbor:"message"`
}

// Envelope collector 响应信封：要么是返回值，要么是异常
type Envelope struct {
	ReturnValue any              `json:"return_value,omitempty" cbor:"return_value,omitempty"`
	Exception   *ServerException `json:"exception,omitempty" cbor:"exception,omitempty"`
}

// Serializer 载荷序列化格式
type Serializer interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// UnmarshalEnvelope 解析响应信封；collector 返回异常时 out 不被写入
	UnmarshalEnvelope(data []byte, out any) (*ServerException, error)
}

// NewSerializer 按名称创建序列化器：json（默认）| cbor
func NewSerializer(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return CBOR{}, nil
	default:
		return nil, fmt.Errorf("unsupported serialization: %s", name)
	}
}

// JSON encoding/json 序列化
type JSON struct{}

func (JSON) Name() string        { return "json" }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSON) UnmarshalEnvelope(data []byte, out any) (*ServerException, error) {
	var env struct {
		ReturnValue json.RawMessage  `json:"return_value"`
		Exception   *ServerException `json:"exception"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode json envelope: %w", err)
	}
	if env.Exception != nil {
		return env.Exception, nil
	}
	if out == nil || len(env.ReturnValue) == 0 || bytes.Equal(env.ReturnValue, []byte("null")) {
		return nil, nil
	}
	if err := json.Unmarshal(env.ReturnValue, out); err != nil {
		return nil, fmt.Errorf("decode return value: %w", err)
	}
	return nil, nil
}

// CBOR 二进制序列化，结构体未标 cbor tag 时沿用 json tag
type CBOR struct{}

func (CBOR) Name() string        { return "cbor" }
func (CBOR) ContentType() string { return "application/cbor" }

func (CBOR) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (CBOR) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

func (CBOR) UnmarshalEnvelope(data []byte, out any) (*ServerException, error) {
	var env struct {
		ReturnValue cbor.RawMessage  `cbor:"return_value"`
		Exception   *ServerException `cbor:"exception"`
	}
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode cbor envelope: %w", err)
	}
	if env.Exception != nil {
		return env.Exception, nil
	}
	// 0xf6 为 CBOR null
	if out == nil || len(env.ReturnValue) == 0 || bytes.Equal(env.ReturnValue, []byte{0xf6}) {
		return nil, nil
	}
	if err := cbor.Unmarshal(env.ReturnValue, out); err != nil {
		return nil, fmt.Errorf("decode return value: %w", err)
	}
	return nil, nil
}
