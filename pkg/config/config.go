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
)

// Config 应用配置结构体
type Config struct {
	Kernel     KernelConfig     `mapstructure:"kernel"`
	Persistor  PersistorConfig  `mapstructure:"persistor"`
	API        APIConfig        `mapstructure:"api"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	StatusSync StatusSyncConfig `mapstructure:"status_sync"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
}

// KernelConfig 单个 Kernel 实例的构造配置；tenant/job 在 HTTP 创建执行时会被请求覆盖
type KernelConfig struct {
	TenantID    string            `mapstructure:"tenant_id"`
	JobID       string            `mapstructure:"job_id"`
	Quotas      QuotaConfig       `mapstructure:"quotas"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Isolation   IsolationConfig   `mapstructure:"isolation"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
}

// QuotaConfig 配额上限；零值表示不限制
type QuotaConfig struct {
	MaxDuration time.Duration `mapstructure:"max_duration"`
	MaxMemory   uint64        `mapstructure:"max_memory"` // 堆内存字节数
	MaxEvents   int64         `mapstructure:"max_events"`
}

// PerformanceConfig 批量、缓存与自动快照
type PerformanceConfig struct {
	EnableBatching        bool               `mapstructure:"enable_batching"`
	EnableCaching         bool               `mapstructure:"enable_caching"`
	EnableLazyLoading     bool               `mapstructure:"enable_lazy_loading"` // false 时 restore 后预热缓存
	BatchSize             int                `mapstructure:"batch_size"`
	BatchTimeout          time.Duration      `mapstructure:"batch_timeout"`
	ContextUpdateDebounce time.Duration      `mapstructure:"context_update_debounce"`
	CacheSize             int                `mapstructure:"cache_size"`
	AutoSnapshot          AutoSnapshotConfig `mapstructure:"auto_snapshot"`
}

// AutoSnapshotConfig 自动快照：按时间间隔和/或按事件数触发
type AutoSnapshotConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	EventInterval int64         `mapstructure:"event_interval"`
	UseDelta      bool          `mapstructure:"use_delta"`
}

// IsolationConfig 租户/事件隔离与原子操作并发上限
type IsolationConfig struct {
	EnableTenantIsolation   bool `mapstructure:"enable_tenant_isolation"`
	EnableEventIsolation    bool `mapstructure:"enable_event_isolation"`
	MaxConcurrentOperations int  `mapstructure:"max_concurrent_operations"` // <=0 不限制
}

// IdempotencyConfig 幂等相关配置
type IdempotencyConfig struct {
	EnableOperationIdempotency bool          `mapstructure:"enable_operation_idempotency"`
	EnableEventIdempotency     bool          `mapstructure:"enable_event_idempotency"`
	OperationTimeout           time.Duration `mapstructure:"operation_timeout"`
}

// RuntimeConfig 事件 Runtime（队列、重试、DLQ、限流）配置
type RuntimeConfig struct {
	QueueSize      int      `mapstructure:"queue_size"`
	BatchSize      int      `mapstructure:"batch_size"`
	MaxRetries     int      `mapstructure:"max_retries"`
	MaxEmitRate    float64  `mapstructure:"max_emit_rate"` // 每秒事件数，<=0 不限流
	EmitBurst      int      `mapstructure:"emit_burst"`
	ManualAck      bool     `mapstructure:"manual_ack"`
	EnableDLQ      bool     `mapstructure:"enable_dlq"`
	CriticalEvents []string `mapstructure:"critical_events"` // 批量模式下强制立即 flush 的事件类型
}

// RecoveryConfig 死信恢复配置
type RecoveryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	ResetInterval   time.Duration `mapstructure:"reset_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	HighMemoryRatio float64       `mapstructure:"high_memory_ratio"` // 堆占用/MaxMemory 超过该比例视为高内存压力
}

// MonitorConfig 配额监控与定时器池
type MonitorConfig struct {
	MemoryCheckInterval time.Duration `mapstructure:"memory_check_interval"`
	TimerCapacity       int           `mapstructure:"timer_capacity"`
}

// PersistorConfig 快照存储配置
type PersistorConfig struct {
	Type          string `mapstructure:"type"` // memory | postgres | redis
	DSN           string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填；支持 secret: 引用
	Addr          string `mapstructure:"addr"` // Redis 地址，type=redis 时必填
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
	KeepSnapshots int    `mapstructure:"keep_snapshots"` // 每个执行保留的最近快照数
}

// APIConfig HTTP 管理面配置
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
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
	// ServerTracing 为 true 时由 HTTP 服务的 obs-opentelemetry provider 接管全局 TracerProvider，
	// 否则只为 Kernel 自身的 span 初始化 OTLP HTTP 导出
	ServerTracing bool `mapstructure:"server_tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// StatusSyncConfig 执行状态外部同步（webhook）
type StatusSyncConfig struct {
	Enable     bool          `mapstructure:"enable"`
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"` // 支持 secret: 引用
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

// SecretsConfig secret 解析后端
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // env | memory | vault
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 连接配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// DefaultKernelConfig 返回带默认值的 KernelConfig（与 LoadConfig 的默认值一致）
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		TenantID: "default",
		Performance: PerformanceConfig{
			EnableCaching:         true,
			EnableLazyLoading:     true,
			BatchSize:             10,
			BatchTimeout:          100 * time.Millisecond,
			ContextUpdateDebounce: 50 * time.Millisecond,
			CacheSize:             1000,
			AutoSnapshot: AutoSnapshotConfig{
				Interval:      5 * time.Minute,
				EventInterval: 100,
			},
		},
		Isolation: IsolationConfig{
			EnableTenantIsolation:   true,
			MaxConcurrentOperations: 10,
		},
		Idempotency: IdempotencyConfig{
			OperationTimeout: 30 * time.Second,
		},
		Runtime: RuntimeConfig{
			QueueSize:      10000,
			BatchSize:      10,
			MaxRetries:     3,
			EnableDLQ:      true,
			CriticalEvents: []string{"kernel.started", "kernel.paused", "kernel.completed", "quota.exceeded"},
		},
		Recovery: RecoveryConfig{
			Enabled:         true,
			Interval:        30 * time.Minute,
			ResetInterval:   time.Hour,
			MaxAttempts:     5,
			HighMemoryRatio: 0.8,
		},
		Monitor: MonitorConfig{
			MemoryCheckInterval: time.Second,
			TimerCapacity:       100,
		},
	}
}

// setDefaults 将 DefaultKernelConfig 等默认值注册到 viper，保证配置文件缺省字段有值
func setDefaults(v *viper.Viper) {
	d := DefaultKernelConfig()
	v.SetDefault("kernel.tenant_id", d.TenantID)
	v.SetDefault("kernel.performance.enable_caching", d.Performance.EnableCaching)
	v.SetDefault("kernel.performance.enable_lazy_loading", d.Performance.EnableLazyLoading)
	v.SetDefault("kernel.performance.batch_size", d.Performance.BatchSize)
	v.SetDefault("kernel.performance.batch_timeout", d.Performance.BatchTimeout)
	v.SetDefault("kernel.performance.context_update_debounce", d.Performance.ContextUpdateDebounce)
	v.SetDefault("kernel.performance.cache_size", d.Performance.CacheSize)
	v.SetDefault("kernel.performance.auto_snapshot.interval", d.Performance.AutoSnapshot.Interval)
	v.SetDefault("kernel.performance.auto_snapshot.event_interval", d.Performance.AutoSnapshot.EventInterval)
	v.SetDefault("kernel.isolation.enable_tenant_isolation", d.Isolation.EnableTenantIsolation)
	v.SetDefault("kernel.isolation.max_concurrent_operations", d.Isolation.MaxConcurrentOperations)
	v.SetDefault("kernel.idempotency.operation_timeout", d.Idempotency.OperationTimeout)
	v.SetDefault("kernel.runtime.queue_size", d.Runtime.QueueSize)
	v.SetDefault("kernel.runtime.batch_size", d.Runtime.BatchSize)
	v.SetDefault("kernel.runtime.max_retries", d.Runtime.MaxRetries)
	v.SetDefault("kernel.runtime.enable_dlq", d.Runtime.EnableDLQ)
	v.SetDefault("kernel.runtime.critical_events", d.Runtime.CriticalEvents)
	v.SetDefault("kernel.recovery.enabled", d.Recovery.Enabled)
	v.SetDefault("kernel.recovery.interval", d.Recovery.Interval)
	v.SetDefault("kernel.recovery.reset_interval", d.Recovery.ResetInterval)
	v.SetDefault("kernel.recovery.max_attempts", d.Recovery.MaxAttempts)
	v.SetDefault("kernel.recovery.high_memory_ratio", d.Recovery.HighMemoryRatio)
	v.SetDefault("kernel.monitor.memory_check_interval", d.Monitor.MemoryCheckInterval)
	v.SetDefault("kernel.monitor.timer_capacity", d.Monitor.TimerCapacity)

	v.SetDefault("persistor.type", "memory")
	v.SetDefault("persistor.key_prefix", "kernel:snapshot")
	v.SetDefault("persistor.keep_snapshots", 10)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8090)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.prometheus.enable", true)
	v.SetDefault("monitoring.tracing.service_name", "exec-kernel")
	v.SetDefault("status_sync.timeout", 5*time.Second)
	v.SetDefault("status_sync.retry_count", 2)
	v.SetDefault("secrets.provider", "env")
}

// LoadConfig 加载配置文件；configPath 为空时仅使用默认值与环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("KERNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

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

// Validate 校验互相依赖的字段
func (c *Config) Validate() error {
	switch c.Persistor.Type {
	case "", "memory":
	case "postgres":
		if c.Persistor.DSN == "" {
			return fmt.Errorf("persistor.dsn is required when persistor.type=postgres")
		}
	case "redis":
		if c.Persistor.Addr == "" {
			return fmt.Errorf("persistor.addr is required when persistor.type=redis")
		}
	default:
		return fmt.Errorf("unsupported persistor type: %s", c.Persistor.Type)
	}
	if c.StatusSync.Enable && c.StatusSync.URL == "" {
		return fmt.Errorf("status_sync.url is required when status_sync.enable=true")
	}
	if c.Kernel.Recovery.MaxAttempts < 0 {
		return fmt.Errorf("kernel.recovery.max_attempts must be >= 0")
	}
	return nil
}

// replaceEnvVars 替换 ${VAR} 形式的环境变量引用
func replaceEnvVars(config *Config) {
	config.Persistor.DSN = expandEnv(config.Persistor.DSN)
	config.Persistor.Password = expandEnv(config.Persistor.Password)
	config.StatusSync.Token = expandEnv(config.StatusSync.Token)
	config.Secrets.Vault.Token = expandEnv(config.Secrets.Vault.Token)
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	envVar := strings.TrimPrefix(strings.TrimSuffix(s, "}"), "${")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

// LoadKernelConfig 加载 configs/kernel.yaml
func LoadKernelConfig() (*Config, error) {
	return LoadConfig("configs/kernel.yaml")
}
