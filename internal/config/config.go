// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supervisor configures how the cast runtime binary is invoked.
type Supervisor struct {
	Interpreter string `mapstructure:"interpreter"` // optional; empty means exec CLIPath directly
	CLIPath     string `mapstructure:"cli_path"`
}

// ObservabilityConfig configures the ambient logging/metrics side-channel.
type ObservabilityConfig struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

// Audit configures tenant-audit.jsonl rotation.
type Audit struct {
	RotateMaxSizeMB  int `mapstructure:"rotate_max_size_mb"`
	RotateMaxBackups int `mapstructure:"rotate_max_backups"`
	RotateMaxAgeDays int `mapstructure:"rotate_max_age_days"`
}

// Retention configures the safety-net cron sweep in addition to the
// boot-time and terminal-transition triggers.
type Retention struct {
	SweepCron string `mapstructure:"sweep_cron"`
}

type Config struct {
	Port      int    `mapstructure:"port"`
	SpellHome string `mapstructure:"spell_home"`

	RegistryPath string `mapstructure:"registry_path"`

	RequestBodyLimitBytes int64         `mapstructure:"request_body_limit_bytes"`
	ExecutionTimeoutMs    int64         `mapstructure:"execution_timeout_ms"`

	RateLimitWindowMs    int64 `mapstructure:"rate_limit_window_ms"`
	RateLimitMaxRequests int   `mapstructure:"rate_limit_max_requests"`

	TenantRateLimitWindowMs    int64 `mapstructure:"tenant_rate_limit_window_ms"`
	TenantRateLimitMaxRequests int   `mapstructure:"tenant_rate_limit_max_requests"`

	MaxConcurrentExecutions       int `mapstructure:"max_concurrent_executions"`
	TenantMaxConcurrentExecutions int `mapstructure:"tenant_max_concurrent_executions"`

	AuthTokens []string `mapstructure:"auth_tokens"`
	AuthKeys   []string `mapstructure:"auth_keys"`

	LogRetentionDays int `mapstructure:"log_retention_days"`
	LogMaxFiles      int `mapstructure:"log_max_files"`

	ForceRequireSignature bool `mapstructure:"force_require_signature"`

	Supervisor    Supervisor    `mapstructure:"supervisor"`
	Observability Observability `mapstructure:"observability"`
	Audit         Audit         `mapstructure:"audit"`
	Retention     Retention     `mapstructure:"retention"`
}

// ExecutionTimeout returns ExecutionTimeoutMs as a time.Duration.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutMs) * time.Millisecond
}

// RateLimitWindow returns RateLimitWindowMs as a time.Duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMs) * time.Millisecond
}

// TenantRateLimitWindow returns TenantRateLimitWindowMs as a time.Duration.
func (c *Config) TenantRateLimitWindow() time.Duration {
	return time.Duration(c.TenantRateLimitWindowMs) * time.Millisecond
}

// LogsDir is where index.json, tenant-audit.jsonl, and runtime receipts live.
func (c *Config) LogsDir() string {
	return c.SpellHome + "/logs"
}

func defaultConfig() *Config {
	return &Config{
		Port:                          8080,
		SpellHome:                     ".",
		RegistryPath:                  "buttons.yaml",
		RequestBodyLimitBytes:         1 << 20, // 1MB
		ExecutionTimeoutMs:            5 * 60 * 1000,
		RateLimitWindowMs:             60_000,
		RateLimitMaxRequests:          60,
		TenantRateLimitWindowMs:       60_000,
		TenantRateLimitMaxRequests:    300,
		MaxConcurrentExecutions:       16,
		TenantMaxConcurrentExecutions: 4,
		LogRetentionDays:              30,
		LogMaxFiles:                   5000,
		ForceRequireSignature:         false,
		Supervisor: Supervisor{
			CLIPath: "cast",
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
		Audit: Audit{
			RotateMaxSizeMB:  50,
			RotateMaxBackups: 10,
			RotateMaxAgeDays: 90,
		},
		Retention: Retention{
			SweepCron: "@every 10m",
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SPELL_DISPATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("port", def.Port)
	v.SetDefault("spell_home", def.SpellHome)
	v.SetDefault("registry_path", def.RegistryPath)
	v.SetDefault("request_body_limit_bytes", def.RequestBodyLimitBytes)
	v.SetDefault("execution_timeout_ms", def.ExecutionTimeoutMs)
	v.SetDefault("rate_limit_window_ms", def.RateLimitWindowMs)
	v.SetDefault("rate_limit_max_requests", def.RateLimitMaxRequests)
	v.SetDefault("tenant_rate_limit_window_ms", def.TenantRateLimitWindowMs)
	v.SetDefault("tenant_rate_limit_max_requests", def.TenantRateLimitMaxRequests)
	v.SetDefault("max_concurrent_executions", def.MaxConcurrentExecutions)
	v.SetDefault("tenant_max_concurrent_executions", def.TenantMaxConcurrentExecutions)
	v.SetDefault("log_retention_days", def.LogRetentionDays)
	v.SetDefault("log_max_files", def.LogMaxFiles)
	v.SetDefault("force_require_signature", def.ForceRequireSignature)
	v.SetDefault("supervisor.interpreter", def.Supervisor.Interpreter)
	v.SetDefault("supervisor.cli_path", def.Supervisor.CLIPath)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("audit.rotate_max_size_mb", def.Audit.RotateMaxSizeMB)
	v.SetDefault("audit.rotate_max_backups", def.Audit.RotateMaxBackups)
	v.SetDefault("audit.rotate_max_age_days", def.Audit.RotateMaxAgeDays)
	v.SetDefault("retention.sweep_cron", def.Retention.SweepCron)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
// The auth_tokens/auth_keys exclusivity rule enforces that opaque bearer
// tokens and tenant:role keyed credentials are never configured together.
func Validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be 1..65535")
	}
	if cfg.SpellHome == "" {
		return fmt.Errorf("spell_home must be set")
	}
	if cfg.RequestBodyLimitBytes <= 0 {
		return fmt.Errorf("request_body_limit_bytes must be > 0")
	}
	if cfg.ExecutionTimeoutMs <= 0 {
		return fmt.Errorf("execution_timeout_ms must be > 0")
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("max_concurrent_executions must be > 0")
	}
	if cfg.TenantMaxConcurrentExecutions <= 0 {
		return fmt.Errorf("tenant_max_concurrent_executions must be > 0")
	}
	if len(cfg.AuthTokens) > 0 && len(cfg.AuthKeys) > 0 {
		return fmt.Errorf("auth_tokens and auth_keys are mutually exclusive auth modes; configure exactly one")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
