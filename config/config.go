// Package config defines the typed configuration for the mcp-nexus core
// and loads it with viper, mirroring the teacher's config/config.go
// (env-backed struct with defaults) but promoted to viper + cobra flag
// binding the way zjrosen-perles and 88lin-divinesense wire their CLIs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Debugging holds CDB adapter timing and startup configuration (§6).
type Debugging struct {
	CommandTimeoutMs        int `mapstructure:"command_timeout_ms"`
	ComplexCommandTimeoutMs int `mapstructure:"complex_command_timeout_ms"`
	OutputReadingTimeoutMs  int `mapstructure:"output_reading_timeout_ms"`
	IdleTimeoutMs           int `mapstructure:"idle_timeout_ms"`
	StartupDelayMs          int `mapstructure:"startup_delay_ms"`
	StartupTimeoutMs        int `mapstructure:"startup_timeout_ms"`

	SymbolServerTimeoutMs  int    `mapstructure:"symbol_server_timeout_ms"`
	SymbolServerMaxRetries int    `mapstructure:"symbol_server_max_retries"`
	SymbolSearchPath       string `mapstructure:"symbol_search_path"`

	CdbPath string `mapstructure:"cdb_path"`

	EnableAdaptiveTimeouts bool    `mapstructure:"enable_adaptive_timeouts"`
	PerformanceMultiplier  float64 `mapstructure:"performance_multiplier"`
}

// Sessions holds session-manager lifecycle configuration (§6).
type Sessions struct {
	MaxConcurrentSessions       int           `mapstructure:"max_concurrent_sessions"`
	SessionTimeout              time.Duration `mapstructure:"session_timeout"`
	CleanupInterval             time.Duration `mapstructure:"cleanup_interval"`
	DisposalTimeout             time.Duration `mapstructure:"disposal_timeout"`
	DefaultCommandTimeout       time.Duration `mapstructure:"default_command_timeout"`
	MemoryCleanupThresholdBytes int64         `mapstructure:"memory_cleanup_threshold_bytes"`
}

// Batching holds batch-processor configuration (§6).
type Batching struct {
	Enabled                bool     `mapstructure:"enabled"`
	MaxBatchSize           int      `mapstructure:"max_batch_size"`
	BatchWaitTimeoutMs     int      `mapstructure:"batch_wait_timeout_ms"`
	BatchTimeoutMultiplier float64  `mapstructure:"batch_timeout_multiplier"`
	MaxBatchTimeoutMinutes int      `mapstructure:"max_batch_timeout_minutes"`
	ExcludedCommands       []string `mapstructure:"excluded_commands"`
}

// Config is the top-level typed configuration for the service.
type Config struct {
	Env       string    `mapstructure:"env"`
	Debugging Debugging `mapstructure:"debugging"`
	Sessions  Sessions  `mapstructure:"sessions"`
	Batching  Batching  `mapstructure:"batching"`
}

// IsDevelopment reports whether the process is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// DefaultExcludedCommands is the default batch exclusion prefix list (§4.4).
var DefaultExcludedCommands = []string{
	"!analyze", "!dump", "!heap", "!memusage", "!runaway", "~*k", "!locks", "!cs", "!gchandles",
}

// SetDefaults registers every default value from §5/§6 onto v, so that a
// fresh viper instance produces a valid Config even with no config file,
// env vars, or flags set.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("debugging.command_timeout_ms", 600_000)
	v.SetDefault("debugging.complex_command_timeout_ms", 1_800_000)
	v.SetDefault("debugging.output_reading_timeout_ms", 60_000)
	v.SetDefault("debugging.idle_timeout_ms", 300_000)
	v.SetDefault("debugging.startup_delay_ms", 2_000)
	v.SetDefault("debugging.startup_timeout_ms", 30_000)
	v.SetDefault("debugging.symbol_server_timeout_ms", 30_000)
	v.SetDefault("debugging.symbol_server_max_retries", 3)
	v.SetDefault("debugging.symbol_search_path", "")
	v.SetDefault("debugging.cdb_path", "")
	v.SetDefault("debugging.enable_adaptive_timeouts", false)
	v.SetDefault("debugging.performance_multiplier", 1.0)

	v.SetDefault("sessions.max_concurrent_sessions", 8)
	v.SetDefault("sessions.session_timeout", 30*time.Minute)
	v.SetDefault("sessions.cleanup_interval", 5*time.Minute)
	v.SetDefault("sessions.disposal_timeout", 10*time.Second)
	v.SetDefault("sessions.default_command_timeout", 600*time.Second)
	v.SetDefault("sessions.memory_cleanup_threshold_bytes", int64(512*1024*1024))

	v.SetDefault("batching.enabled", true)
	v.SetDefault("batching.max_batch_size", 5)
	v.SetDefault("batching.batch_wait_timeout_ms", 2_000)
	v.SetDefault("batching.batch_timeout_multiplier", 1.0)
	v.SetDefault("batching.max_batch_timeout_minutes", 10)
	v.SetDefault("batching.excluded_commands", DefaultExcludedCommands)
}

// Load configures the caller's Viper instance (defaults, env prefix
// MCP_NEXUS with "." mapped to "_" in env names), reads an optional config
// file, and unmarshals into a Config. It does not validate — call Validate() separately so callers can
// surface ConfigurationInvalid distinctly from a load/parse failure.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("MCP_NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ConfigurationInvalidError reports a single out-of-range or malformed
// configuration field (§6, §7).
type ConfigurationInvalidError struct {
	Field  string
	Reason string
}

func (e *ConfigurationInvalidError) Error() string {
	return fmt.Sprintf("configuration invalid: %s: %s", e.Field, e.Reason)
}

// Validate enforces the bounds called out in §6 (batching.maxBatchSize
// 1..10, batchWaitTimeoutMs 100..10000, batchTimeoutMultiplier 0.1..5.0,
// maxBatchTimeoutMinutes 1..60) plus basic sanity on the timing fields.
func (c *Config) Validate() error {
	d := c.Debugging
	if d.CommandTimeoutMs <= 0 {
		return &ConfigurationInvalidError{"debugging.command_timeout_ms", "must be positive"}
	}
	if d.ComplexCommandTimeoutMs <= 0 {
		return &ConfigurationInvalidError{"debugging.complex_command_timeout_ms", "must be positive"}
	}
	if d.IdleTimeoutMs <= 0 {
		return &ConfigurationInvalidError{"debugging.idle_timeout_ms", "must be positive"}
	}
	if d.PerformanceMultiplier <= 0 {
		return &ConfigurationInvalidError{"debugging.performance_multiplier", "must be positive"}
	}

	s := c.Sessions
	if s.MaxConcurrentSessions <= 0 {
		return &ConfigurationInvalidError{"sessions.max_concurrent_sessions", "must be positive"}
	}
	if s.SessionTimeout <= 0 {
		return &ConfigurationInvalidError{"sessions.session_timeout", "must be positive"}
	}
	if s.CleanupInterval <= 0 {
		return &ConfigurationInvalidError{"sessions.cleanup_interval", "must be positive"}
	}

	b := c.Batching
	if b.Enabled {
		if b.MaxBatchSize < 1 || b.MaxBatchSize > 10 {
			return &ConfigurationInvalidError{"batching.max_batch_size", "must be in [1, 10]"}
		}
		if b.BatchWaitTimeoutMs < 100 || b.BatchWaitTimeoutMs > 10_000 {
			return &ConfigurationInvalidError{"batching.batch_wait_timeout_ms", "must be in [100, 10000]"}
		}
		if b.BatchTimeoutMultiplier < 0.1 || b.BatchTimeoutMultiplier > 5.0 {
			return &ConfigurationInvalidError{"batching.batch_timeout_multiplier", "must be in [0.1, 5.0]"}
		}
		if b.MaxBatchTimeoutMinutes < 1 || b.MaxBatchTimeoutMinutes > 60 {
			return &ConfigurationInvalidError{"batching.max_batch_timeout_minutes", "must be in [1, 60]"}
		}
	}
	return nil
}

// BatchingEffectivelyEnabled reports whether batching is actually active,
// per §4.4: disabled by the feature flag OR by a non-positive size/timeout.
func (b *Batching) BatchingEffectivelyEnabled() bool {
	return b.Enabled && b.MaxBatchSize > 0 && b.BatchWaitTimeoutMs > 0
}
