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

package envinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apm-agent/internal/apm/buffer"
)

func TestSnapshot(t *testing.T) {
	snap := Snapshot([]string{"a", "b"}, "1.0.0")
	require.NotEmpty(t, snap)
	assert.Equal(t, "Go version", snap[0][0])
	found := false
	for _, kv := range snap {
		if kv[0] == "App Name" {
			found = true
			assert.Equal(t, "a;b", kv[1])
		}
	}
	assert.True(t, found)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   any
		want string
		ok   bool
	}{
		{"  i-1234 ", "i-1234", true},
		{"us-east-1a", "us-east-1a", true},
		{"projects/1/zones/us-central1-b", "projects/1/zones/us-central1-b", true},
		{"héllo wörld", "héllo wörld", true},
		{"bad;value", "", false},
		{strings.Repeat("x", 256), "", false},
		{strings.Repeat("x", 255), strings.Repeat("x", 255), true},
		{nil, "", false},
		{42.0, "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		assert.Equal(t, tc.ok, ok, "%v", tc.in)
		assert.Equal(t, tc.want, got, "%v", tc.in)
	}
}

func TestDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/aws":
			_, _ = w.Write([]byte(`{"instanceId":"i-08987","instanceType":"c4.large","availabilityZone":"us-west-2b","extra":1}`))
		case "/gcp":
			if r.Header.Get("Metadata-Flavor") != "Google" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = w.Write([]byte(`{"id":3161347020215157000,"machineType":"projects/492690098729/machineTypes/custom-1-1024","name":"aef-default","zone":"projects/492690098729/zones/us-central1-c"}`))
		case "/invalid":
			_, _ = w.Write([]byte(`{"instanceId":"i-1;drop","instanceType":"c4.large","availabilityZone":"us-west-2b"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	metrics := buffer.NewMetrics()
	d := NewDetector([]Vendor{AWS(srv.URL + "/aws"), GCP(srv.URL + "/gcp")}, time.Second, metrics, nil)

	u := d.Utilization(context.Background())
	require.NotNil(t, u)
	vendors := u["vendors"].(map[string]any)
	assert.Equal(t, map[string]string{"instanceId": "i-08987", "instanceType": "c4.large", "availabilityZone": "us-west-2b"}, vendors["aws"])
	gcp := vendors["gcp"].(map[string]string)
	assert.Equal(t, "3161347020215157000", gcp["id"])
	assert.Equal(t, 0, metrics.Len())

	_, ok := d.Detect(context.Background(), AWS(srv.URL+"/invalid"))
	assert.False(t, ok)
	_, recorded := metrics.Get(buffer.MetricSpec{Name: "Supportability/utilization/aws/error"})
	assert.True(t, recorded)

	_, ok = d.Detect(context.Background(), AWS(srv.URL+"/missing"))
	assert.False(t, ok)
	assert.Equal(t, 1, metrics.Len())
}
