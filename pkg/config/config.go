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

// Config 应用配置结构体（server 与 worker 共用，按进程加载不同文件）
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Store    StoreConfig    `mapstructure:"store"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Keychain KeychainConfig `mapstructure:"keychain"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Limits   LimitsConfig   `mapstructure:"rate_limits"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Host       string           `mapstructure:"host"`
	Port       int              `mapstructure:"port"`
	BaseURL    string           `mapstructure:"base_url"` // worker/cli 访问 server 的地址
	Timeout    string           `mapstructure:"timeout"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth         bool   `mapstructure:"auth"`
	RateLimit    bool   `mapstructure:"rate_limit"`
	RateLimitRPS int    `mapstructure:"rate_limit_rps"`
	JWTKey       string `mapstructure:"jwt_key"`
	JWTTimeout   string `mapstructure:"jwt_timeout"` // 如 "1h"
}

// StoreConfig 事件/目录/密钥链存储配置
type StoreConfig struct {
	Type     string `mapstructure:"type"` // memory | postgres
	DSN      string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
	PoolSize int    `mapstructure:"pool_size"`
	ShardID  int64  `mapstructure:"shard_id"` // Snowflake 节点号；多副本时必须互异
}

// QueueConfig 队列语义配置
type QueueConfig struct {
	LeaseDuration string `mapstructure:"lease_duration"` // 租约时长，如 "30s"，空则默认 30s
	SweepInterval string `mapstructure:"sweep_interval"` // 过期租约回收间隔，如 "10s"
	MaxAttempts   int    `mapstructure:"max_attempts"`   // 默认最大执行次数（含首次），<=0 时默认 3
}

// BrokerConfig Broker 评估配置
type BrokerConfig struct {
	PlaybookCacheTTL string `mapstructure:"playbook_cache_ttl"` // 解析后剧本缓存 TTL，如 "60s"
}

// WorkerConfig Worker 进程配置
type WorkerConfig struct {
	ID           string   `mapstructure:"id"`            // 空则生成 worker-<uuid>
	Concurrency  int      `mapstructure:"concurrency"`   // 并发执行任务数，<=0 使用默认 2
	PollInterval string   `mapstructure:"poll_interval"` // 无任务时轮询间隔，如 "2s"
	Lease        string   `mapstructure:"lease"`         // 租约时长，如 "30s"
	Kinds        []string `mapstructure:"kinds"`         // 可执行的任务插件列表；空表示全部内建插件
	PythonBin    string   `mapstructure:"python_bin"`    // python 插件解释器路径，默认 "python3"
}

// KeychainConfig 密钥链配置
type KeychainConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"` // AES-256 key（hex 或 ${ENV}）
	CacheTTL      string `mapstructure:"cache_ttl"`      // Worker 侧备忘缓存 TTL，上限 60s
	RenewBuffer   string `mapstructure:"renew_buffer"`   // 过期前提前续期窗口，如 "5m"
	Vault         VaultConfig
}

// VaultConfig Vault 后端配置（可选）
type VaultConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// CacheConfig 内容缓存配置（catalog 解析缓存等）
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MetricsConfig Prometheus 配置
type MetricsConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LimitsConfig 按任务插件维度的派发限流配置
type LimitsConfig struct {
	Kinds map[string]KindLimitConfig `mapstructure:"kinds"`
}

// KindLimitConfig 单个插件的限流配置
type KindLimitConfig struct {
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// replaceEnvVars 替换配置中的 ${VAR} 环境变量（DSN、密钥等敏感项）
func replaceEnvVars(config *Config) {
	config.Store.DSN = expandEnv(config.Store.DSN)
	config.Keychain.EncryptionKey = expandEnv(config.Keychain.EncryptionKey)
	config.Keychain.Vault.Token = expandEnv(config.Keychain.Vault.Token)
	config.API.Middleware.JWTKey = expandEnv(config.API.Middleware.JWTKey)
	config.Cache.Password = expandEnv(config.Cache.Password)
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}")); val != "" {
			return val
		}
	}
	return v
}

// Duration 解析配置中的时长字符串，空或非法时返回 fallback
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LoadServerConfig 加载 Server 配置（仅 configs/server.yaml）
func LoadServerConfig() (*Config, error) {
	return LoadConfig("configs/server.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（仅 configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
