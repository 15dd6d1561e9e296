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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"apm-agent/pkg/redaction"
	"apm-agent/pkg/secrets"
)

// Config 应用配置结构体
type Config struct {
	Agent             AgentConfig             `mapstructure:"agent"`
	TransactionTracer TransactionTracerConfig `mapstructure:"transaction_tracer"`
	ErrorCollector    ErrorCollectorConfig    `mapstructure:"error_collector"`
	Utilization       UtilizationConfig       `mapstructure:"utilization"`
	Admin             AdminConfig             `mapstructure:"admin"`
	Secrets           secrets.Config          `mapstructure:"secrets"`
	Redaction         redaction.Config        `mapstructure:"redaction"`
	Log               LogConfig               `mapstructure:"log"`
	Monitoring        MonitoringConfig        `mapstructure:"monitoring"`
}

// AgentConfig 上报核心配置
type AgentConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	MonitorMode bool     `mapstructure:"monitor_mode"` // false 时不建立会话，仅本地累积
	AppName     []string `mapstructure:"app_name"`
	LicenseKey  string   `mapstructure:"license_key"` // 支持 ${VAR}、env:VAR、vault:key
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	SSL         bool     `mapstructure:"ssl"`
	// Timeout 单次 collector 请求超时，如 "120s"
	Timeout string `mapstructure:"timeout"`
	// ShutdownTimeout 退出前最后一次 harvest 使用的缩短超时
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
	PostSizeLimit   int    `mapstructure:"post_size_limit"`
	// StartupDelay 持续重试模式下首次握手前的等待
	StartupDelay        string `mapstructure:"startup_delay"`
	SendEnvironmentInfo bool   `mapstructure:"send_environment_info"`
	// SupervisorPattern 进程名匹配时视为 pre-fork 主进程，不建立会话
	SupervisorPattern string `mapstructure:"supervisor_pattern"`
	ValidateSeed      string `mapstructure:"validate_seed"`
	ValidateToken     string `mapstructure:"validate_token"`
	Serialization     string `mapstructure:"serialization"` // json | cbor
	AgentVersion      string `mapstructure:"agent_version"`
}

// TransactionTracerConfig 慢事务采样配置
type TransactionTracerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// TransactionThreshold 入选 harvest 的最小耗时，如 "2s"
	TransactionThreshold string `mapstructure:"transaction_threshold"`
	RandomSample         bool   `mapstructure:"random_sample"`
	MaxSamples           int    `mapstructure:"max_samples"`
	RecordSQL            string `mapstructure:"record_sql"` // off | obfuscated | raw
	ExplainThreshold     string `mapstructure:"explain_threshold"`
	StackTraceThreshold  string `mapstructure:"stack_trace_threshold"`
}

// ErrorCollectorConfig 错误采集配置
type ErrorCollectorConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	MaxErrors    int      `mapstructure:"max_errors"`     // 单个 harvest 周期内保留的错误数
	MaxPerSecond float64  `mapstructure:"max_per_second"` // NoticeError 限流，<=0 不限
	IgnoreErrors []string `mapstructure:"ignore_errors"`
}

// UtilizationConfig 云厂商元数据探测配置
type UtilizationConfig struct {
	DetectAWS bool   `mapstructure:"detect_aws"`
	DetectGCP bool   `mapstructure:"detect_gcp"`
	Timeout   string `mapstructure:"timeout"`
	// AWSEndpoint / GCPEndpoint 为空时使用各自默认元数据地址
	AWSEndpoint string `mapstructure:"aws_endpoint"`
	GCPEndpoint string `mapstructure:"gcp_endpoint"`
}

// AdminConfig agentd 管理/本地推送服务配置
type AdminConfig struct {
	Enable bool   `mapstructure:"enable"`
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.enabled", true)
	v.SetDefault("agent.monitor_mode", true)
	v.SetDefault("agent.app_name", []string{"Go Application"})
	v.SetDefault("agent.host", "collector.newrelic.com")
	v.SetDefault("agent.port", 80)
	v.SetDefault("agent.ssl", false)
	v.SetDefault("agent.timeout", "120s")
	v.SetDefault("agent.shutdown_timeout", "5s")
	v.SetDefault("agent.post_size_limit", 2*1024*1024)
	v.SetDefault("agent.startup_delay", "5s")
	v.SetDefault("agent.send_environment_info", true)
	v.SetDefault("agent.supervisor_pattern", `^(unicorn_rails master|unicorn master|gunicorn: master|supervisord)`)
	v.SetDefault("agent.serialization", "json")
	v.SetDefault("agent.agent_version", "1.0.0")

	v.SetDefault("transaction_tracer.enabled", true)
	v.SetDefault("transaction_tracer.transaction_threshold", "2s")
	v.SetDefault("transaction_tracer.random_sample", false)
	v.SetDefault("transaction_tracer.max_samples", 1)
	v.SetDefault("transaction_tracer.record_sql", "obfuscated")
	v.SetDefault("transaction_tracer.explain_threshold", "500ms")
	v.SetDefault("transaction_tracer.stack_trace_threshold", "500ms")

	v.SetDefault("error_collector.enabled", true)
	v.SetDefault("error_collector.max_errors", 20)
	v.SetDefault("error_collector.max_per_second", 50)

	v.SetDefault("utilization.detect_aws", true)
	v.SetDefault("utilization.detect_gcp", true)
	v.SetDefault("utilization.timeout", "1s")

	v.SetDefault("admin.enable", true)
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 8089)

	v.SetDefault("secrets.provider", "static")

	v.SetDefault("redaction.enable", true)
	v.SetDefault("redaction.keys", []string{"password", "passwd", "secret", "token", "authorization", "cookie"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("monitoring.prometheus.enable", true)
	v.SetDefault("monitoring.tracing.service_name", "apm-agent")
	v.SetDefault("monitoring.tracing.insecure", true)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("APM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default 不读取文件，仅使用默认值与 APM_ 环境变量
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// 默认值本身可解析，出错说明默认值写错了
		panic(err)
	}
	return cfg
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// 替换环境变量
	replaceEnvVars(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// replaceEnvVars 替换 ${VAR} 形式的环境变量引用
func replaceEnvVars(config *Config) {
	config.Agent.LicenseKey = expandEnv(config.Agent.LicenseKey)
	config.Agent.ValidateToken = expandEnv(config.Agent.ValidateToken)
	config.Secrets.Vault.Token = expandEnv(config.Secrets.Vault.Token)
}

func expandEnv(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		envVar := strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}")
		if val := os.Getenv(envVar); val != "" {
			return val
		}
	}
	return value
}

// Validate 校验时长字段可解析
func (c *Config) Validate() error {
	fields := map[string]string{
		"agent.timeout":                            c.Agent.Timeout,
		"agent.shutdown_timeout":                   c.Agent.ShutdownTimeout,
		"agent.startup_delay":                      c.Agent.StartupDelay,
		"transaction_tracer.transaction_threshold": c.TransactionTracer.TransactionThreshold,
		"transaction_tracer.explain_threshold":     c.TransactionTracer.ExplainThreshold,
		"utilization.timeout":                      c.Utilization.Timeout,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	return nil
}

// Duration 解析时长字符串，空或非法时返回 def
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// CollectorScheme 根据 ssl 选择 http/https
func (a AgentConfig) CollectorScheme() string {
	if a.SSL {
		return "https"
	}
	return "http"
}
