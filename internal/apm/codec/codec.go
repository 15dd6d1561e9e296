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

// Package codec 负责上报载荷的序列化与自适应压缩，以及 collector 响应的解压与解码。
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"apm-agent/internal/apm/control"
)

// Content-Encoding 取值
const (
	EncodingIdentity = "identity"
	EncodingDeflate  = "deflate"
	EncodingGzip     = "gzip"
)

const (
	// CompressThreshold 小于该字节数的载荷不压缩
	CompressThreshold = 2000
	// BestCompressionThreshold 大于等于该字节数时改用最高压缩比，尽量留在上传上限之内
	BestCompressionThreshold = 2000000
	// DefaultPostSizeLimit 默认上传上限（序列化后、压缩前）
	DefaultPostSizeLimit = 2 * 1024 * 1024
)

// Compression 压缩策略
type Compression int

const (
	CompressionNone Compression = iota
	// CompressionFast 中等载荷：省 CPU
	CompressionFast
	// CompressionBest 大载荷：省体积
	CompressionBest
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionFast:
		return "fast"
	case CompressionBest:
		return "best"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Level 对应的 zlib 压缩级别
func (c Compression) Level() int {
	switch c {
	case CompressionFast:
		return zlib.BestSpeed
	case CompressionBest:
		return zlib.BestCompression
	default:
		return zlib.NoCompression
	}
}

// Classify 按序列化后的大小选择压缩策略
func Classify(size int) Compression {
	switch {
	case size < CompressThreshold:
		return CompressionNone
	case size < BestCompressionThreshold:
		return CompressionFast
	default:
		return CompressionBest
	}
}

// Codec 载荷编解码器
type Codec struct {
	serializer    Serializer
	postSizeLimit int
}

// New 创建 Codec；serializer 为 nil 时使用 JSON，postSizeLimit<=0 时使用 DefaultPostSizeLimit
func New(serializer Serializer, postSizeLimit int) *Codec {
	if serializer == nil {
		serializer = JSON{}
	}
	if postSizeLimit <= 0 {
		postSizeLimit = DefaultPostSizeLimit
	}
	return &Codec{serializer: serializer, postSizeLimit: postSizeLimit}
}

// Serializer 当前序列化器
func (c *Codec) Serializer() Serializer { return c.serializer }

// ContentType 请求体的 Content-Type
func (c *Codec) ContentType() string { return c.serializer.ContentType() }

// PostSizeLimit 上传上限
func (c *Codec) PostSizeLimit() int { return c.postSizeLimit }

// Encode 序列化 v 并按大小选择压缩；超过上限时返回 *control.PayloadTooLargeError，调用方不应再发请求
func (c *Codec) Encode(v any) ([]byte, string, error) {
	dump, err := c.serializer.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("serialize payload: %w", err)
	}
	if len(dump) >= c.postSizeLimit {
		return nil, "", &control.PayloadTooLargeError{Size: len(dump), Limit: c.postSizeLimit}
	}
	strategy := Classify(len(dump))
	if strategy == CompressionNone {
		return dump, EncodingIdentity, nil
	}
	compressed, err := deflate(dump, strategy.Level())
	if err != nil {
		return nil, "", err
	}
	return compressed, EncodingDeflate, nil
}

// Decode 按 Content-Encoding 解压后解析响应信封；collector 返回的异常以类型化错误返回，不写入 out
func (c *Codec) Decode(body []byte, contentEncoding string, out any) error {
	raw, err := Decompress(body, contentEncoding)
	if err != nil {
		return err
	}
	exc, err := c.serializer.UnmarshalEnvelope(raw, out)
	if err != nil {
		return err
	}
	if exc != nil {
		return control.FromServerException(exc.ErrorType, exc.Message)
	}
	return nil
}

// Decompress 按 Content-Encoding 解压；未知或空编码视为未压缩
func Decompress(body []byte, contentEncoding string) ([]byte, error) {
	var (
		r   io.ReadCloser
		err error
	)
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case EncodingGzip:
		r, err = gzip.NewReader(bytes.NewReader(body))
	case EncodingDeflate:
		r, err = zlib.NewReader(bytes.NewReader(body))
	default:
		return body, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", contentEncoding, err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress %s body: %w", contentEncoding, err)
	}
	return out, nil
}

func deflate(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("deflate payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flush deflate writer: %w", err)
	}
	return buf.Bytes(), nil
}
