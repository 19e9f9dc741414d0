// Package config provides configuration management for the runtime:
// YAML loading, struct-tag validation, environment overrides and dotted-path
// override application.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Environment string      `yaml:"environment" validate:"required,oneof=development staging production"`
	Server      Server      `yaml:"server"`
	Flight      Flight      `yaml:"flight"`
	Store       StoreConfig `yaml:"store"`
	Cache       Cache       `yaml:"cache"`
	Auth        Auth        `yaml:"auth"`
	Telemetry   Telemetry   `yaml:"telemetry"`
	Defaults    Defaults    `yaml:"defaults"`
	TaskHistory TaskHistory `yaml:"task_history"`

	Datasets []Dataset `yaml:"datasets" validate:"dive"`
	Catalogs []Catalog `yaml:"catalogs" validate:"dive"`
}

// Server configures the HTTP surface.
type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=0,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Flight configures the Arrow RPC surface.
type Flight struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=0,max=65535"`
}

// StoreConfig configures the accelerated local store.
type StoreConfig struct {
	// Path of the store database file; empty runs in memory.
	Path string `yaml:"path"`
}

// Cache configures the results cache.
type Cache struct {
	Enabled      bool          `yaml:"enabled"`
	TTL          time.Duration `yaml:"ttl"`
	MaxSizeBytes int64         `yaml:"max_size_bytes"`
	MaxEntries   int           `yaml:"max_entries"`
	Policy       string        `yaml:"eviction_policy" validate:"omitempty,oneof=lru lfu random"`
}

// Auth configures API keys and the write rate limit.
type Auth struct {
	// APIKeys are basic-auth keys; a `:rw` suffix grants write access.
	APIKeys []string `yaml:"api_keys"`
	// WritesPerMinute is the global write-surface token bucket rate.
	WritesPerMinute int `yaml:"writes_per_minute"`
}

// Telemetry configures metrics and tracing.
type Telemetry struct {
	MetricsNamespace string `yaml:"metrics_namespace"`
	TracingEndpoint  string `yaml:"tracing_endpoint"`
}

// Defaults names the default catalog and schema for bare table references.
type Defaults struct {
	Catalog string `yaml:"catalog"`
	Schema  string `yaml:"schema"`
}

// TaskHistory configures per-query telemetry retention.
type TaskHistory struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention" validate:"omitempty,min=60s"`
}

// Dataset configures one dataset.
type Dataset struct {
	Name   string            `yaml:"name" validate:"required"`
	From   string            `yaml:"from" validate:"required"`
	Params map[string]string `yaml:"params"`

	TimeColumn          string `yaml:"time_column"`
	TimeFormat          string `yaml:"time_format"`
	PartitionColumn     string `yaml:"partition_column"`
	PartitionTimeFormat string `yaml:"partition_time_format"`

	Acceleration *Acceleration `yaml:"acceleration"`
}

// Acceleration configures a dataset's local mirror.
type Acceleration struct {
	Enabled            bool          `yaml:"enabled"`
	RefreshMode        string        `yaml:"refresh_mode" validate:"omitempty,oneof=full append changes"`
	RefreshSQL         string        `yaml:"refresh_sql"`
	RefreshInterval    time.Duration `yaml:"refresh_check_interval"`
	InitialLoadTimeout time.Duration `yaml:"initial_load_timeout"`
	KeyColumns         []string      `yaml:"key_columns"`
}

// Catalog configures one external catalog attachment.
type Catalog struct {
	Name            string            `yaml:"name" validate:"required"`
	From            string            `yaml:"from" validate:"required"`
	Include         string            `yaml:"include"`
	Params          map[string]string `yaml:"params"`
	RefreshInterval time.Duration     `yaml:"refresh_interval"`
}

// Default returns the configuration defaults applied before file load.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Flight: Flight{Host: "0.0.0.0", Port: 50051},
		Cache: Cache{
			Enabled:      true,
			TTL:          1 * time.Minute,
			MaxSizeBytes: 128 << 20,
			MaxEntries:   4096,
			Policy:       "lru",
		},
		Auth:      Auth{WritesPerMinute: 100},
		Telemetry: Telemetry{MetricsNamespace: "helios"},
		Defaults:  Defaults{Catalog: "helios", Schema: "public"},
		TaskHistory: TaskHistory{
			Enabled:   true,
			Retention: 8 * time.Hour,
		},
	}
}

// Load reads the configuration file, applies HELIOS__-prefixed environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if err := applyEnvOverrides(doc); err != nil {
			return nil, err
		}
		merged, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to re-serialize config: %w", err)
		}
		if err := yaml.Unmarshal(merged, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct-tag constraints.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	seen := map[string]bool{}
	for _, d := range cfg.Datasets {
		if seen[d.Name] {
			return fmt.Errorf("invalid configuration: duplicate dataset name %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// applyEnvOverrides applies HELIOS__section__key=value environment variables
// as dotted-path overrides onto the raw document.
func applyEnvOverrides(doc map[string]any) error {
	const prefix = "HELIOS__"
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(env, prefix), "=", 2)
		if len(kv) != 2 {
			continue
		}
		path := strings.Split(strings.ToLower(kv[0]), "__")
		// Decode the value as a YAML scalar so numbers and booleans keep
		// their type when the document is decoded into Config.
		var value any = kv[1]
		var typed any
		if err := yaml.Unmarshal([]byte(kv[1]), &typed); err == nil && typed != nil {
			value = typed
		}
		if err := ApplyOverride(doc, path, value); err != nil {
			return err
		}
	}
	return nil
}

// ApplyOverride sets a dotted-path value in a raw document. A non-final path
// component that exists but is not a mapping is an error, never coerced.
func ApplyOverride(doc map[string]any, path []string, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("override path is empty")
	}
	cur := doc
	for _, part := range path[:len(path)-1] {
		next, ok := cur[part]
		if !ok {
			m := map[string]any{}
			cur[part] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("override path component %q exists but is not a mapping", part)
		}
		cur = m
	}
	cur[path[len(path)-1]] = value
	return nil
}
