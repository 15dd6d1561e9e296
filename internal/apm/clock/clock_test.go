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

package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_SleepRecordsAndAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	require.NoError(t, f.Sleep(context.Background(), time.Minute))
	require.NoError(t, f.Sleep(context.Background(), 2*time.Minute))

	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, f.Sleeps())
	assert.Equal(t, start.Add(3*time.Minute), f.Now())
}

func TestFake_SleepCanceled(t *testing.T) {
	f := NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Sleep(ctx, time.Second), context.Canceled)
	assert.Empty(t, f.Sleeps())
}

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	f := NewFake(time.Now())
	ch := f.After(10 * time.Second)
	assert.Equal(t, 1, f.Waiters())

	f.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired too early")
	default:
	}

	f.Advance(5 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("expected After to fire")
	}
	assert.Equal(t, 0, f.Waiters())
}

func TestReal_SleepCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Real().Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
