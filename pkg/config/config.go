// Package config provides the unified configuration system for xmlsink.
// It defines the runtime Config consumed by the CLI and runner, and the
// Mapping model that binds XML documents to destination warehouse tables.
//
// The runtime configuration is organized into logical sections:
//   - Input: where candidate documents come from
//   - Database: the warehouse connection
//   - Performance: worker counts, queue capacities, content limits
//   - Reliability: retry behaviour and the stop-on-error switch
//   - Observability: logging and metrics
//
// Example usage:
//
//	cfg := config.NewConfig()
//	cfg.Performance.Workers = 8
//	cfg.Reliability.StopOnError = true
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Config is the runtime configuration for one xmlsink run.
type Config struct {
	// Input controls document discovery
	Input InputConfig `yaml:"input" json:"input" mapstructure:"input"`

	// Database configures the warehouse connection
	Database DatabaseConfig `yaml:"database" json:"database" mapstructure:"database"`

	// Performance settings control throughput and resource usage
	Performance PerformanceConfig `yaml:"performance" json:"performance" mapstructure:"performance"`

	// Reliability settings for error handling and resilience
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability" mapstructure:"reliability"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`

	// MappingPaths lists mapping files to load for this run
	MappingPaths []string `yaml:"mappings" json:"mappings" mapstructure:"mappings"`
}

// InputConfig controls where candidate documents come from.
type InputConfig struct {
	// Path is a file, directory, or archive to read documents from
	Path string `yaml:"path" json:"path" mapstructure:"path"`
	// Pattern filters document names (path.Match syntax, e.g. "*.xml")
	Pattern string `yaml:"pattern" json:"pattern" mapstructure:"pattern"`
}

// DatabaseConfig configures the warehouse connection pool.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string
	DSN string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	// MaxConns caps the connection pool size
	MaxConns int32 `yaml:"max_conns" json:"max_conns" mapstructure:"max_conns"`
	// ConnectTimeout bounds pool construction
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`
}

// PerformanceConfig contains throughput and resource settings.
type PerformanceConfig struct {
	// Workers bounds the number of documents processed concurrently
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers"`
	// QueueCapacity bounds each per-table row queue (backpressure)
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity" mapstructure:"queue_capacity"`
	// MaxContentBytes caps accumulated text per element before truncation
	MaxContentBytes int `yaml:"max_content_bytes" json:"max_content_bytes" mapstructure:"max_content_bytes"`
	// ProgressInterval controls how often processed/skipped counts are logged
	ProgressInterval int `yaml:"progress_interval" json:"progress_interval" mapstructure:"progress_interval"`
}

// ReliabilityConfig contains retry behaviour and failure policy.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts for transient database failures
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts" mapstructure:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" mapstructure:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier" mapstructure:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay" mapstructure:"max_retry_delay"`
	// StopOnError aborts the whole run on the first document failure
	StopOnError bool `yaml:"stop_on_error" json:"stop_on_error" mapstructure:"stop_on_error"`
}

// ObservabilityConfig contains monitoring settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	// EnableMetrics activates the Prometheus collector
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
	// MetricsAddr serves /metrics when non-empty
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
}

// NewConfig creates a Config with production-ready defaults.
func NewConfig() *Config {
	return &Config{
		Input: InputConfig{
			Pattern: "*.xml",
		},
		Database: DatabaseConfig{
			MaxConns:       10,
			ConnectTimeout: 10 * time.Second,
		},
		Performance: PerformanceConfig{
			Workers:          runtime.NumCPU(),
			QueueCapacity:    1024,
			MaxContentBytes:  10 * 1024 * 1024,
			ProgressInterval: 10000,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   60 * time.Second,
			StopOnError:     false,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			EnableMetrics: true,
		},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Input.Path == "" {
		return fmt.Errorf("input.path is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if len(c.MappingPaths) == 0 {
		return fmt.Errorf("at least one mapping file is required")
	}
	if c.Performance.Workers <= 0 {
		return fmt.Errorf("performance.workers must be positive")
	}
	if c.Performance.QueueCapacity <= 0 {
		return fmt.Errorf("performance.queue_capacity must be positive")
	}
	if c.Performance.MaxContentBytes <= 0 {
		return fmt.Errorf("performance.max_content_bytes must be positive")
	}
	if c.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("reliability.retry_attempts cannot be negative")
	}
	return nil
}
