// Package config loads relay configuration from YAML files with RELAY_*
// environment overrides, and watches the file for routing changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syntor/relay/pkg/dispatch"
	"github.com/syntor/relay/pkg/events"
	"github.com/syntor/relay/pkg/logging"
	"github.com/syntor/relay/pkg/resilience"
	"github.com/syntor/relay/pkg/router"
	"github.com/syntor/relay/pkg/snapshot"
)

// Config holds the complete relay configuration
type Config struct {
	Server   router.Config  `yaml:"server" json:"server"`
	Breaker  BreakerConfig  `yaml:"breaker" json:"breaker"`
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Admin    AdminConfig    `yaml:"admin" json:"admin"`
	Events   EventsConfig   `yaml:"events" json:"events"`
	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`
	Agents   []AgentConfig  `yaml:"agents" json:"agents"`
}

// BreakerConfig holds the defaults for every agent's circuit breaker
type BreakerConfig struct {
	FailureThreshold         int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold         int           `yaml:"success_threshold" json:"success_threshold"`
	Timeout                  time.Duration `yaml:"timeout" json:"timeout"`
	WindowSize               int           `yaml:"window_size" json:"window_size"`
	ErrorThresholdPercentage float64       `yaml:"error_threshold_percentage" json:"error_threshold_percentage"`
	HalfOpenMaxCalls         int           `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// CircuitBreakerConfig converts to the resilience form
func (b BreakerConfig) CircuitBreakerConfig() resilience.CircuitBreakerConfig {
	c := resilience.DefaultCircuitBreakerConfig("")
	c.FailureThreshold = b.FailureThreshold
	c.SuccessThreshold = b.SuccessThreshold
	c.Timeout = b.Timeout
	c.WindowSize = b.WindowSize
	c.ErrorThresholdPercentage = b.ErrorThresholdPercentage
	c.HalfOpenMaxCalls = b.HalfOpenMaxCalls
	return c
}

// DispatchConfig holds dispatcher settings and keyword routing rules
type DispatchConfig struct {
	dispatch.Config `yaml:",inline"`
	Retry           RetryConfig     `yaml:"retry" json:"retry"`
	Rules           []dispatch.Rule `yaml:"rules" json:"rules"`
}

// RetryConfig holds the dispatcher retry policy for retryable failures
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
}

// DispatcherConfig converts to the dispatch form
func (d DispatchConfig) DispatcherConfig() dispatch.Config {
	c := d.Config
	c.Retry = resilience.RetryConfig{
		MaxAttempts:  d.Retry.MaxAttempts,
		InitialDelay: d.Retry.InitialDelay,
		MaxDelay:     d.Retry.MaxDelay,
		Multiplier:   d.Retry.Multiplier,
		Jitter:       0.1,
	}
	return c
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, console
}

// LoggerConfig converts to the logging form
func (l LoggingConfig) LoggerConfig() logging.Config {
	c := logging.DefaultConfig()
	c.Level = logging.ParseLevel(l.Level)
	if l.Format != "" {
		c.Format = l.Format
	}
	return c
}

// AdminConfig holds the admin HTTP server settings
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// EventsConfig holds the event publishing settings
type EventsConfig struct {
	Enabled    bool               `yaml:"enabled" json:"enabled"`
	BufferSize int                `yaml:"buffer_size" json:"buffer_size"`
	Kafka      events.KafkaConfig `yaml:"kafka" json:"kafka"`
}

// SnapshotConfig holds the Redis stats snapshot settings
type SnapshotConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"-"`
	DB       int           `yaml:"db" json:"db"`
	Prefix   string        `yaml:"prefix" json:"prefix"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// StoreConfig converts to the snapshot form
func (s SnapshotConfig) StoreConfig() snapshot.Config {
	return snapshot.Config{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
		Prefix:   s.Prefix,
		TTL:      s.TTL,
	}
}

// AgentConfig declares a built-in agent to register at startup
type AgentConfig struct {
	ID        string        `yaml:"id" json:"id"`
	Kind      string        `yaml:"kind" json:"kind"` // echo, upper, reverse, slow, flaky
	Delay     time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	FailEvery int           `yaml:"fail_every,omitempty" json:"fail_every,omitempty"`
}

// Default returns the default configuration for local use
func Default() *Config {
	breaker := resilience.DefaultCircuitBreakerConfig("")
	retry := resilience.DefaultRetryConfig()

	return &Config{
		Server: router.DefaultConfig(),
		Breaker: BreakerConfig{
			FailureThreshold:         breaker.FailureThreshold,
			SuccessThreshold:         breaker.SuccessThreshold,
			Timeout:                  breaker.Timeout,
			WindowSize:               breaker.WindowSize,
			ErrorThresholdPercentage: breaker.ErrorThresholdPercentage,
			HalfOpenMaxCalls:         breaker.HalfOpenMaxCalls,
		},
		Dispatch: DispatchConfig{
			Config: func() dispatch.Config {
				c := dispatch.DefaultConfig()
				c.DefaultTarget = "echo"
				return c
			}(),
			Retry: RetryConfig{
				MaxAttempts:  retry.MaxAttempts,
				InitialDelay: retry.InitialDelay,
				MaxDelay:     retry.MaxDelay,
				Multiplier:   retry.Multiplier,
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Admin:   AdminConfig{Enabled: true, Addr: "127.0.0.1:8420"},
		Events: EventsConfig{
			BufferSize: 1024,
			Kafka:      events.DefaultKafkaConfig(),
		},
		Snapshot: SnapshotConfig{
			Addr:     "localhost:6379",
			Prefix:   "relay:",
			Interval: 10 * time.Second,
			TTL:      time.Minute,
		},
		Agents: []AgentConfig{
			{ID: "echo", Kind: "echo"},
		},
	}
}

// ConfigPaths returns the global and project config directories
func ConfigPaths() (globalDir, projectDir string) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".relay"), ".relay"
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	globalDir, _ := ConfigPaths()
	return filepath.Join(globalDir, "config.yaml")
}

// ProjectConfigPath returns the path to the project config file
func ProjectConfigPath() string {
	_, projectDir := ConfigPaths()
	return filepath.Join(projectDir, "config.yaml")
}

// Load reads path over the defaults. With an empty path the global config is
// read first and the project config overrides it; missing files are skipped.
// Environment overrides are applied last and the result is validated.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		if err := loadYAML(path, config); err != nil {
			return nil, err
		}
	} else {
		for _, p := range []string{GlobalConfigPath(), ProjectConfigPath()} {
			if err := loadYAML(p, config); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Parse reads YAML bytes over the defaults without environment overrides
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadYAML(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Save writes config to path as YAML
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides applies RELAY_* environment variables
func applyEnvOverrides(config *Config) error {
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("RELAY_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}
	if v := os.Getenv("RELAY_ADMIN_ADDR"); v != "" {
		config.Admin.Addr = v
	}
	config.Admin.Enabled = GetEnvBool("RELAY_ADMIN_ENABLED", config.Admin.Enabled)
	config.Server.QueueSize = GetEnvInt("RELAY_QUEUE_SIZE", config.Server.QueueSize)
	if v := os.Getenv("RELAY_DEFAULT_TARGET"); v != "" {
		config.Dispatch.DefaultTarget = v
	}
	if v := os.Getenv("RELAY_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RELAY_CALL_TIMEOUT: %w", err)
		}
		config.Server.DefaultCallTimeout = d
	}

	config.Events.Enabled = GetEnvBool("RELAY_EVENTS_ENABLED", config.Events.Enabled)
	if v := os.Getenv("RELAY_KAFKA_BROKERS"); v != "" {
		config.Events.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("RELAY_KAFKA_TOPIC"); v != "" {
		config.Events.Kafka.Topic = v
	}

	config.Snapshot.Enabled = GetEnvBool("RELAY_SNAPSHOT_ENABLED", config.Snapshot.Enabled)
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		config.Snapshot.Addr = v
	}
	if v := os.Getenv("RELAY_REDIS_PASSWORD"); v != "" {
		config.Snapshot.Password = v
	}
	return nil
}

// Validate checks the configuration for values the components cannot use
func (c *Config) Validate() error {
	var errs []error

	if c.Server.QueueSize <= 0 {
		errs = append(errs, errors.New("server.queue_size must be positive"))
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}
	if c.Breaker.SuccessThreshold <= 0 {
		errs = append(errs, errors.New("breaker.success_threshold must be positive"))
	}
	if c.Breaker.Timeout <= 0 {
		errs = append(errs, errors.New("breaker.timeout must be positive"))
	}
	if p := c.Breaker.ErrorThresholdPercentage; p < 0 || p > 100 {
		errs = append(errs, fmt.Errorf("breaker.error_threshold_percentage must be within 0-100, got %v", p))
	}
	if c.Dispatch.RateLimit < 0 {
		errs = append(errs, errors.New("dispatch.rate_limit must not be negative"))
	}

	for i, rule := range c.Dispatch.Rules {
		if len(rule.Keywords) == 0 {
			errs = append(errs, fmt.Errorf("dispatch.rules[%d]: keywords are required", i))
		}
		if len(rule.Targets) == 0 {
			errs = append(errs, fmt.Errorf("dispatch.rules[%d]: targets are required", i))
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of json, console", c.Logging.Format))
	}

	if c.Events.Enabled && len(c.Events.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("events.kafka.brokers are required when events are enabled"))
	}
	if c.Snapshot.Enabled && c.Snapshot.Addr == "" {
		errs = append(errs, errors.New("snapshot.addr is required when snapshots are enabled"))
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		errs = append(errs, errors.New("admin.addr is required when the admin server is enabled"))
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
		case seen[a.ID]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
	}

	return errors.Join(errs...)
}

// GetEnv retrieves an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves an environment variable as int with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if err := json.Unmarshal([]byte(value), &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GetEnvBool retrieves an environment variable as bool with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
