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

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("APM_AGENTD_URL"); u != "" {
		return u
	}
	return "http://127.0.0.1:8089"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
}

func getStatus() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/agent/status")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /agent/status: %s", resp.String())
	}
	return out, nil
}

func getMetrics() (string, error) {
	resp, err := newClient().R().
		Get("/metrics")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("GET /metrics: %s", resp.String())
	}
	return resp.String(), nil
}

func connectAgent() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		SetError(&out).
		Post("/agent/connect")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return out, fmt.Errorf("POST /agent/connect: %s", resp.String())
	}
	return out, nil
}

func noticeError(message, class, path string) (bool, error) {
	var out struct {
		Accepted bool `json:"accepted"`
	}
	resp, err := newClient().R().
		SetBody(map[string]string{"message": message, "class": class, "path": path}).
		SetResult(&out).
		Post("/v1/errors")
	if err != nil {
		return false, err
	}
	if resp.StatusCode() != http.StatusAccepted {
		return false, fmt.Errorf("POST /v1/errors: %s", resp.String())
	}
	return out.Accepted, nil
}
