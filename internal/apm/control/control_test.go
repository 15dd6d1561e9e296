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

package control

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromServerException(t *testing.T) {
	tests := []struct {
		errorType string
		want      Kind
	}{
		{"NewRelic::Agent::LicenseException", KindInvalidLicense},
		{"InvalidLicenseException", KindInvalidLicense},
		{"NewRelic::Agent::ForceRestartException", KindForceRestart},
		{"ForceDisconnectException", KindForceDisconnect},
		{"NewRelic::Agent::PostTooBigException", KindPayloadTooLarge},
		{"RuntimeError", KindServerConnection},
		{"", KindServerConnection},
	}
	for _, tc := range tests {
		t.Run(tc.errorType, func(t *testing.T) {
			err := FromServerException(tc.errorType, "msg")
			assert.Equal(t, tc.want, KindOf(err))
		})
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("harvest metrics: %w", &ForceRestartError{Message: "reset"})
	assert.Equal(t, KindForceRestart, KindOf(wrapped))
	assert.True(t, IsDirective(wrapped))

	timeout := &TimeoutError{Err: context.DeadlineExceeded}
	assert.True(t, IsTimeout(timeout))
	assert.True(t, errors.Is(timeout, context.DeadlineExceeded))
	assert.False(t, IsDirective(timeout))

	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.True(t, IsPayloadTooLarge(&PayloadTooLargeError{Size: 10, Limit: 5}))
}

func TestServerConnectionError_Message(t *testing.T) {
	err := &ServerConnectionError{Status: 500, Message: "Internal Server Error"}
	assert.Equal(t, "server connection failed (status 500): Internal Server Error", err.Error())
	assert.Equal(t, "force_disconnect", KindForceDisconnect.String())
}
