// Package config handles daemon configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (FLEETMON_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	storage:
//	  backend: badger
//	  path: /var/lib/fleetmon
//	  retention: 168h
//
//	collector:
//	  workers: 10
//	  probe_timeout: 10s
//	  rate_per_second: 5
//
//	buffer:
//	  redis_url: redis://localhost:6379/0
//
//	alerting:
//	  webhook_url: https://hooks.example.net/fleetmon
//
//	devices:
//	  - id: core-01
//	    type: router
//	    interval: 30s
//	    enabled: true
//	    tags:
//	      site: nyc
//
//	rules:
//	  - id: high-cpu
//	    name: High CPU
//	    severity: warning
//	    cooldown: 5m
//	    channels: [log]
//	    enabled: true
//	    conditions:
//	      - metric: cpu_usage
//	        op: gt
//	        threshold: 90
//
//	api:
//	  listen: :8080
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// Duration wraps time.Duration so YAML can carry "30s" style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete daemon configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Collector CollectorConfig `yaml:"collector"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`

	// Fleet definition; can also be managed at runtime through the manager.
	Devices []DeviceConfig `yaml:"devices,omitempty"`
	Metrics []MetricConfig `yaml:"metrics,omitempty"`
	Rules   []RuleConfig   `yaml:"rules,omitempty"`
}

// StorageConfig selects and tunes the metric store backend.
type StorageConfig struct {
	Backend   string   `yaml:"backend"` // "memory", "badger", "postgres"
	Path      string   `yaml:"path,omitempty"`
	DSN       string   `yaml:"dsn,omitempty"` // postgres connection URL
	Retention Duration `yaml:"retention"`

	// RetentionInterval is how often the pruning loop runs.
	RetentionInterval Duration `yaml:"retention_interval"`

	SyncWrites bool `yaml:"sync_writes,omitempty"`
}

// CollectorConfig tunes the polling engine.
type CollectorConfig struct {
	Workers       int      `yaml:"workers"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	GracePeriod   Duration `yaml:"grace_period"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	RateBurst     int      `yaml:"rate_burst"`

	// Breaker
	FailureThreshold int      `yaml:"failure_threshold"`
	BreakerCooldown  Duration `yaml:"breaker_cooldown"`
	BreakerMaxWait   Duration `yaml:"breaker_max_wait"`

	// Retry
	RetryAttempts  int      `yaml:"retry_attempts"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`

	// Degradation
	FailureRateThreshold float64  `yaml:"failure_rate_threshold"`
	FailureWindow        Duration `yaml:"failure_window"`
	CPUCeiling           float64  `yaml:"cpu_ceiling"`
	DegradeFactor        float64  `yaml:"degrade_factor"`
}

// BufferConfig tunes the storage-error spill buffer.
type BufferConfig struct {
	// RedisURL enables the Redis-backed buffer; empty uses in-memory.
	RedisURL string `yaml:"redis_url,omitempty"`
	Capacity int    `yaml:"capacity"`
}

// AlertingConfig tunes notification delivery.
type AlertingConfig struct {
	WebhookURL    string   `yaml:"webhook_url,omitempty"`
	NotifyTimeout Duration `yaml:"notify_timeout"`
}

// APIConfig tunes the read-only HTTP surface.
type APIConfig struct {
	Listen string `yaml:"listen"`

	// Enabled defaults to true; set false to run headless.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DeviceConfig is the YAML shape of a monitored device.
type DeviceConfig struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name,omitempty"`
	Type     string            `yaml:"type"`
	Address  string            `yaml:"address,omitempty"`
	Interval Duration          `yaml:"interval"`
	Enabled  bool              `yaml:"enabled"`
	Tags     map[string]string `yaml:"tags,omitempty"`
}

// Device converts to the runtime type.
func (d DeviceConfig) Device() types.Device {
	return types.Device{
		ID:       d.ID,
		Name:     d.Name,
		Type:     d.Type,
		Address:  d.Address,
		Interval: d.Interval.Std(),
		Enabled:  d.Enabled,
		Tags:     d.Tags,
	}
}

// MetricConfig is the YAML shape of a metric definition.
type MetricConfig struct {
	Name        string   `yaml:"name"`
	Command     string   `yaml:"command"`
	ValueType   string   `yaml:"value_type,omitempty"` // "number" (default) or "string"
	Unit        string   `yaml:"unit,omitempty"`
	DeviceTypes []string `yaml:"device_types,omitempty"`
}

// Definition converts to the runtime type.
func (m MetricConfig) Definition() types.MetricDefinition {
	kind := types.ValueKind(m.ValueType)
	if m.ValueType == "" {
		kind = types.ValueNumber
	}
	return types.MetricDefinition{
		Name:        m.Name,
		Command:     m.Command,
		ValueType:   kind,
		Unit:        m.Unit,
		DeviceTypes: m.DeviceTypes,
	}
}

// ConditionConfig is the YAML shape of one alert condition. Threshold takes
// a bare scalar: numbers become numeric thresholds, anything else a string.
type ConditionConfig struct {
	Metric    string   `yaml:"metric"`
	Op        string   `yaml:"op"`
	Threshold any      `yaml:"threshold"`
	DeviceIDs []string `yaml:"device_ids,omitempty"`
}

// Condition converts to the runtime type.
func (c ConditionConfig) Condition() types.Condition {
	var threshold types.Value
	switch v := c.Threshold.(type) {
	case int:
		threshold = types.NumberValue(float64(v))
	case int64:
		threshold = types.NumberValue(float64(v))
	case float64:
		threshold = types.NumberValue(v)
	case string:
		threshold = types.StringValue(v)
	}
	return types.Condition{
		Metric:    c.Metric,
		Op:        types.ConditionOp(c.Op),
		Threshold: threshold,
		DeviceIDs: c.DeviceIDs,
	}
}

// RuleConfig is the YAML shape of an alert rule.
type RuleConfig struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Conditions []ConditionConfig `yaml:"conditions"`
	Operator   string            `yaml:"operator,omitempty"` // "and" (default) or "or"
	Severity   string            `yaml:"severity"`
	Cooldown   Duration          `yaml:"cooldown,omitempty"`
	Channels   []string          `yaml:"channels,omitempty"`
	GroupBy    []string          `yaml:"group_by,omitempty"`
	Enabled    bool              `yaml:"enabled"`
}

// Rule converts to the runtime type.
func (r RuleConfig) Rule() types.AlertRule {
	conditions := make([]types.Condition, len(r.Conditions))
	for i, c := range r.Conditions {
		conditions[i] = c.Condition()
	}
	op := types.BoolOp(r.Operator)
	if r.Operator == "" {
		op = types.BoolAnd
	}
	return types.AlertRule{
		ID:         r.ID,
		Name:       r.Name,
		Conditions: conditions,
		Operator:   op,
		Severity:   types.Severity(r.Severity),
		Cooldown:   r.Cooldown.Std(),
		Channels:   r.Channels,
		GroupBy:    r.GroupBy,
		Enabled:    r.Enabled,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:           "memory",
			Path:              "./data",
			Retention:         Duration(7 * 24 * time.Hour),
			RetentionInterval: Duration(10 * time.Minute),
		},
		Collector: CollectorConfig{
			Workers:              10,
			ProbeTimeout:         Duration(10 * time.Second),
			GracePeriod:          Duration(30 * time.Second),
			RatePerSecond:        5,
			RateBurst:            5,
			FailureThreshold:     5,
			BreakerCooldown:      Duration(30 * time.Second),
			BreakerMaxWait:       Duration(5 * time.Minute),
			RetryAttempts:        3,
			RetryBaseDelay:       Duration(500 * time.Millisecond),
			RetryMaxDelay:        Duration(10 * time.Second),
			FailureRateThreshold: 0.5,
			FailureWindow:        Duration(5 * time.Minute),
			CPUCeiling:           85,
			DegradeFactor:        2,
		},
		Buffer: BufferConfig{
			Capacity: 100000,
		},
		Alerting: AlertingConfig{
			NotifyTimeout: Duration(30 * time.Second),
		},
		API: APIConfig{
			Listen: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "badger", "postgres":
	default:
		return fmt.Errorf("storage.backend must be memory, badger, or postgres, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres backend")
	}
	if c.Storage.Backend == "badger" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the badger backend")
	}
	if c.Collector.Workers <= 0 {
		return fmt.Errorf("collector.workers must be positive")
	}
	for i, d := range c.Devices {
		dev := d.Device()
		if err := dev.Validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}
	for i, r := range c.Rules {
		rule := r.Rule()
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the FLEETMON_ prefix:
// - FLEETMON_STORAGE_BACKEND
// - FLEETMON_STORAGE_PATH
// - FLEETMON_STORAGE_DSN
// - FLEETMON_BUFFER_REDIS_URL
// - FLEETMON_ALERTING_WEBHOOK_URL
// - FLEETMON_API_LISTEN
// - FLEETMON_LOG_LEVEL
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FLEETMON_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("FLEETMON_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("FLEETMON_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("FLEETMON_BUFFER_REDIS_URL"); v != "" {
		c.Buffer.RedisURL = v
	}
	if v := os.Getenv("FLEETMON_ALERTING_WEBHOOK_URL"); v != "" {
		c.Alerting.WebhookURL = v
	}
	if v := os.Getenv("FLEETMON_API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("FLEETMON_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// APIEnabled reports whether the HTTP surface should start.
func (c *Config) APIEnabled() bool {
	return c.API.Enabled == nil || *c.API.Enabled
}
