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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
agent:
  app_name: ["checkout"]
  license_key: "${APM_TEST_LICENSE}"
  host: "127.0.0.1"
  port: 9000
  timeout: "10s"
error_collector:
  max_errors: 5
log:
  level: "debug"
`
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	t.Setenv("APM_TEST_LICENSE", "0123456789012345678901234567890123456789")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.Port != 9000 || cfg.Agent.Host != "127.0.0.1" {
		t.Errorf("Agent endpoint: got %s:%d", cfg.Agent.Host, cfg.Agent.Port)
	}
	if cfg.Agent.LicenseKey != "0123456789012345678901234567890123456789" {
		t.Errorf("LicenseKey not expanded: %q", cfg.Agent.LicenseKey)
	}
	if cfg.ErrorCollector.MaxErrors != 5 {
		t.Errorf("MaxErrors: got %d", cfg.ErrorCollector.MaxErrors)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	// 未配置字段走默认值
	if cfg.Agent.ShutdownTimeout != "5s" || cfg.TransactionTracer.MaxSamples != 1 {
		t.Errorf("defaults not applied: %+v", cfg.Agent)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if !cfg.Agent.Enabled || cfg.Agent.PostSizeLimit != 2*1024*1024 {
		t.Errorf("unexpected defaults: %+v", cfg.Agent)
	}
	if Duration(cfg.Agent.Timeout, 0) != 120*time.Second {
		t.Errorf("timeout default: %q", cfg.Agent.Timeout)
	}
	if cfg.Agent.CollectorScheme() != "http" {
		t.Errorf("scheme: %s", cfg.Agent.CollectorScheme())
	}
	if !cfg.Redaction.Enable || len(cfg.Redaction.Keys) == 0 {
		t.Errorf("redaction defaults: %+v", cfg.Redaction)
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  timeout: \"soon\"\n"), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestDuration(t *testing.T) {
	if Duration("", time.Second) != time.Second || Duration("x", time.Second) != time.Second {
		t.Error("Duration fallback mismatch")
	}
	if Duration("250ms", 0) != 250*time.Millisecond {
		t.Error("Duration parse mismatch")
	}
}
