// Package config loads and validates the runtime configuration.
//
// Configuration is read from a YAML file and can be overridden with
// NAVIGATOR_* environment variables (NAVIGATOR_DATAROOT, NAVIGATOR_SHARDCOUNT,
// and so on, one variable per field).
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all recognized runtime settings.
type Config struct {
	// DataRoot is the directory holding snapshots, event logs and system files.
	DataRoot string `yaml:"data_root"`

	// ShardCount partitions the instance registry and the cache by tenant hash.
	ShardCount int `yaml:"shard_count"`

	// CacheMemoryThresholdBytes triggers a cleanup pass when the cache's
	// estimated footprint exceeds it.
	CacheMemoryThresholdBytes int64 `yaml:"cache_memory_threshold_bytes"`

	// EntryTTLSeconds is the default cache entry lifetime.
	EntryTTLSeconds int `yaml:"entry_ttl_seconds"`

	// CleanupIntervalMs is the cache sweep period.
	CleanupIntervalMs int `yaml:"cleanup_interval_ms"`

	// EffectWorkerPool bounds concurrent blocking effect work per process.
	EffectWorkerPool int `yaml:"effect_worker_pool"`

	// SubscriberDeadlineMs bounds each subscriber callback.
	SubscriberDeadlineMs int `yaml:"subscriber_deadline_ms"`

	// RetryDefault is applied when a retry node omits options.
	RetryDefault RetryConfig `yaml:"retry_default"`

	// Log configures the runtime logger.
	Log LogConfig `yaml:"log"`

	// Diagnostics configures the ambient HTTP diagnostics server.
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`

	// TelemetryMirror optionally mirrors telemetry events to NATS subjects.
	TelemetryMirror MirrorConfig `yaml:"telemetry_mirror"`
}

// RetryConfig mirrors the retry effect options.
type RetryConfig struct {
	Attempts int    `yaml:"attempts"`
	Backoff  string `yaml:"backoff"` // constant | linear | exponential
	BaseMs   int    `yaml:"base_ms"`
	Jitter   bool   `yaml:"jitter"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// DiagnosticsConfig configures the /metrics, /healthz, /kinds server.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MirrorConfig configures the optional NATS telemetry mirror.
type MirrorConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Prefix  string `yaml:"prefix"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		DataRoot:                  "./data",
		ShardCount:                10,
		CacheMemoryThresholdBytes: 268_435_456,
		EntryTTLSeconds:           3600,
		CleanupIntervalMs:         30_000,
		EffectWorkerPool:          64,
		SubscriberDeadlineMs:      1000,
		RetryDefault: RetryConfig{
			Attempts: 3,
			Backoff:  "exponential",
			BaseMs:   100,
			Jitter:   true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		TelemetryMirror: MirrorConfig{
			Prefix: "navigator",
		},
	}
}

// Load reads YAML from path on top of the defaults, then applies environment
// overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if err := ApplyEnvOverrides("NAVIGATOR", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data_root is required")
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("shard_count must be >= 1, got %d", c.ShardCount)
	}
	if c.CacheMemoryThresholdBytes < 1 {
		return fmt.Errorf("cache_memory_threshold_bytes must be positive")
	}
	if c.EntryTTLSeconds < 1 {
		return fmt.Errorf("entry_ttl_seconds must be positive")
	}
	if c.CleanupIntervalMs < 1 {
		return fmt.Errorf("cleanup_interval_ms must be positive")
	}
	if c.EffectWorkerPool < 1 {
		return fmt.Errorf("effect_worker_pool must be >= 1")
	}
	if c.SubscriberDeadlineMs < 1 {
		return fmt.Errorf("subscriber_deadline_ms must be positive")
	}
	if c.RetryDefault.Attempts < 1 {
		return fmt.Errorf("retry_default.attempts must be >= 1")
	}
	switch c.RetryDefault.Backoff {
	case "constant", "linear", "exponential":
	default:
		return fmt.Errorf("retry_default.backoff must be constant, linear or exponential")
	}
	return nil
}

// ApplyEnvOverrides applies PREFIX_FIELD[_SUBFIELD] environment variables to
// the config struct via reflection.
func ApplyEnvOverrides(prefix string, target interface{}) error {
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}
	return applyEnvToStruct(prefix, val.Elem())
}

func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if !field.CanSet() {
			continue
		}

		envKey := prefix + "_" + strings.ToUpper(fieldType.Name)
		envKey = strings.ReplaceAll(envKey, "-", "_")

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(envKey, field); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("invalid value for %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldFromEnv(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
