// Copyright 2025 Tom Barlow
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

// Package config loads pipeline configuration from a YAML file with
// environment variable overrides, following the same precedence order
// throughout: built-in defaults, then file, then environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pipelineerrors "github.com/harborline/ingestpipe/pkg/errors"
)

// Config is the complete pipeline configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Queue   QueueConfig   `yaml:"queue"`
	Cache   CacheConfig   `yaml:"cache"`
	Worker  WorkerConfig  `yaml:"worker"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig holds the log level and format read from the config file and
// environment. The process logger built in internal/cli is configured by
// internal/log's FromEnv instead and does not read these fields.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// StoreConfig selects and configures the state repository backend.
type StoreConfig struct {
	// Driver is one of "postgres", "sqlite", or "memory".
	Driver string `yaml:"driver,omitempty"`

	// DSN is the driver-specific connection string. Ignored for memory.
	DSN string `yaml:"dsn,omitempty"`

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// QueueConfig selects and configures the FIFO work queue.
type QueueConfig struct {
	// Driver is one of "sqs" or "memory".
	Driver string `yaml:"driver,omitempty"`

	// RunQueueName, StreamQueueName, and DataQueueName are the three SQS
	// FIFO queue names (must end in ".fifo") backing the three message
	// types. A deployment may point all three at the same queue name;
	// the dispatcher tells messages apart by type regardless.
	RunQueueName    string `yaml:"run_queue_name,omitempty"`
	StreamQueueName string `yaml:"stream_queue_name,omitempty"`
	DataQueueName   string `yaml:"data_queue_name,omitempty"`

	// Endpoint overrides the SQS endpoint, for local testing against
	// localstack or a similar emulator.
	Endpoint string `yaml:"endpoint,omitempty"`

	Region string `yaml:"region,omitempty"`

	VisibilityTimeout time.Duration `yaml:"visibility_timeout,omitempty"`
	WaitTime          time.Duration `yaml:"wait_time,omitempty"`
	MaxMessages       int32         `yaml:"max_messages,omitempty"`
}

// CacheConfig selects and configures the per-run TTL cache.
type CacheConfig struct {
	// Driver is one of "redis" or "memory".
	Driver string `yaml:"driver,omitempty"`

	Addr string        `yaml:"addr,omitempty"`
	DB   int           `yaml:"db,omitempty"`
	TTL  time.Duration `yaml:"ttl,omitempty"`
}

// WorkerConfig mirrors worker.Config plus concurrency and sweep knobs.
type WorkerConfig struct {
	MaxConcurrentMessages int           `yaml:"max_concurrent_messages,omitempty"`
	MaxStreamRetries      int           `yaml:"max_stream_retries,omitempty"`
	MaxDataRetries        int           `yaml:"max_data_retries,omitempty"`
	RetryBackoffUnit      time.Duration `yaml:"retry_backoff_unit,omitempty"`

	SweepInterval  time.Duration `yaml:"sweep_interval,omitempty"`
	SweepBatchSize int           `yaml:"sweep_batch_size,omitempty"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr,omitempty"`
}

// Default returns the configuration used when no file and no environment
// overrides are present: an all-in-memory single-process deployment.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Queue: QueueConfig{
			Driver:            "memory",
			VisibilityTimeout: 30 * time.Second,
			WaitTime:          20 * time.Second,
			MaxMessages:       10,
		},
		Cache: CacheConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
		},
		Worker: WorkerConfig{
			MaxConcurrentMessages: 10,
			MaxStreamRetries:      5,
			MaxDataRetries:        5,
			RetryBackoffUnit:      15 * time.Minute,
			SweepInterval:         30 * time.Second,
			SweepBatchSize:        100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load reads configPath (falling back to the XDG default location when
// empty and present), applies environment overrides, fills in any zero
// fields with defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &pipelineerrors.ConfigError{Key: "config_file", Reason: fmt.Sprintf("failed to load %s", configPath), Cause: err}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &pipelineerrors.ConfigError{Key: "validation", Reason: "configuration validation failed", Cause: err}
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero-valued fields so a minimal file (e.g. just a
// DSN override) still produces a fully populated Config.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = d.Store.MaxOpenConns
	}
	if c.Store.MaxIdleConns == 0 {
		c.Store.MaxIdleConns = d.Store.MaxIdleConns
	}
	if c.Store.ConnMaxLifetime == 0 {
		c.Store.ConnMaxLifetime = d.Store.ConnMaxLifetime
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = d.Queue.Driver
	}
	if c.Queue.VisibilityTimeout == 0 {
		c.Queue.VisibilityTimeout = d.Queue.VisibilityTimeout
	}
	if c.Queue.WaitTime == 0 {
		c.Queue.WaitTime = d.Queue.WaitTime
	}
	if c.Queue.MaxMessages == 0 {
		c.Queue.MaxMessages = d.Queue.MaxMessages
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = d.Cache.Driver
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = d.Cache.TTL
	}
	if c.Worker.MaxConcurrentMessages == 0 {
		c.Worker.MaxConcurrentMessages = d.Worker.MaxConcurrentMessages
	}
	if c.Worker.MaxStreamRetries == 0 {
		c.Worker.MaxStreamRetries = d.Worker.MaxStreamRetries
	}
	if c.Worker.MaxDataRetries == 0 {
		c.Worker.MaxDataRetries = d.Worker.MaxDataRetries
	}
	if c.Worker.RetryBackoffUnit == 0 {
		c.Worker.RetryBackoffUnit = d.Worker.RetryBackoffUnit
	}
	if c.Worker.SweepInterval == 0 {
		c.Worker.SweepInterval = d.Worker.SweepInterval
	}
	if c.Worker.SweepBatchSize == 0 {
		c.Worker.SweepBatchSize = d.Worker.SweepBatchSize
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = d.Metrics.Addr
	}
}

// loadFromEnv overrides fields from PIPELINE_* environment variables.
// Environment variables always win over file configuration.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("PIPELINE_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("PIPELINE_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("PIPELINE_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("PIPELINE_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("PIPELINE_QUEUE_DRIVER"); v != "" {
		c.Queue.Driver = v
	}
	if v := os.Getenv("PIPELINE_QUEUE_REGION"); v != "" {
		c.Queue.Region = v
	}
	if v := os.Getenv("PIPELINE_RUN_QUEUE_NAME"); v != "" {
		c.Queue.RunQueueName = v
	}
	if v := os.Getenv("PIPELINE_STREAM_QUEUE_NAME"); v != "" {
		c.Queue.StreamQueueName = v
	}
	if v := os.Getenv("PIPELINE_DATA_QUEUE_NAME"); v != "" {
		c.Queue.DataQueueName = v
	}
	if v := os.Getenv("PIPELINE_QUEUE_ENDPOINT"); v != "" {
		c.Queue.Endpoint = v
	}
	if v := os.Getenv("PIPELINE_CACHE_DRIVER"); v != "" {
		c.Cache.Driver = v
	}
	if v := os.Getenv("PIPELINE_CACHE_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("PIPELINE_MAX_CONCURRENT_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.MaxConcurrentMessages = n
		}
	}
	if v := os.Getenv("PIPELINE_MAX_STREAM_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.MaxStreamRetries = n
		}
	}
	if v := os.Getenv("PIPELINE_MAX_DATA_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.MaxDataRetries = n
		}
	}
	if v := os.Getenv("PIPELINE_RETRY_BACKOFF_UNIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Worker.RetryBackoffUnit = d
		}
	}
	if v := os.Getenv("PIPELINE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

// Validate checks for configuration combinations the rest of the system
// cannot recover from at runtime.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return &pipelineerrors.ValidationError{
			Field:   "store.driver",
			Message: fmt.Sprintf("unsupported %q", c.Store.Driver),
			Hint:    "set store.driver to one of: memory, sqlite, postgres",
		}
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return &pipelineerrors.ValidationError{
			Field:   "store.dsn",
			Message: fmt.Sprintf("required for driver %q", c.Store.Driver),
			Hint:    "set store.dsn to a connection string, or switch store.driver to memory for local runs",
		}
	}

	switch c.Queue.Driver {
	case "memory", "sqs":
	default:
		return &pipelineerrors.ValidationError{
			Field:   "queue.driver",
			Message: fmt.Sprintf("unsupported %q", c.Queue.Driver),
			Hint:    "set queue.driver to one of: memory, sqs",
		}
	}
	if c.Queue.Driver == "sqs" && (c.Queue.RunQueueName == "" || c.Queue.StreamQueueName == "" || c.Queue.DataQueueName == "") {
		return &pipelineerrors.ValidationError{
			Field:   "queue",
			Message: `run_queue_name, stream_queue_name, and data_queue_name are required for driver "sqs"`,
			Hint:    "set queue.run_queue_name, queue.stream_queue_name, and queue.data_queue_name to the three FIFO queue names",
		}
	}

	switch c.Cache.Driver {
	case "memory", "redis":
	default:
		return &pipelineerrors.ValidationError{
			Field:   "cache.driver",
			Message: fmt.Sprintf("unsupported %q", c.Cache.Driver),
			Hint:    "set cache.driver to one of: memory, redis",
		}
	}
	if c.Cache.Driver == "redis" && c.Cache.Addr == "" {
		return &pipelineerrors.ValidationError{
			Field:   "cache.addr",
			Message: `required for driver "redis"`,
			Hint:    "set cache.addr to the redis host:port",
		}
	}

	if c.Worker.MaxConcurrentMessages <= 0 {
		return &pipelineerrors.ValidationError{
			Field:   "worker.max_concurrent_messages",
			Message: "must be positive",
		}
	}
	if c.Worker.MaxStreamRetries < 0 || c.Worker.MaxDataRetries < 0 {
		return &pipelineerrors.ValidationError{
			Field:   "worker",
			Message: "retry budgets must not be negative",
		}
	}
	return nil
}
