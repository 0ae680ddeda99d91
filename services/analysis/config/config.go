// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the analysis service configuration.
//
// Configuration comes from an optional YAML file layered over defaults;
// the cmd entrypoint applies flag overrides on top. Durations use Go
// duration syntax ("30m", "24h") in YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
//
// Thread Safety: safe to read concurrently; not safe to modify after
// creation.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `json:"server" yaml:"server"`

	// Dataset contains dataset and artifact locations.
	Dataset DatasetConfig `json:"dataset" yaml:"dataset"`

	// Cache contains artifact cache tier settings.
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Storage contains the embedded BadgerDB settings.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Dispatcher contains tool execution settings.
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`

	// Sessions contains session scoping settings.
	Sessions SessionConfig `json:"sessions" yaml:"sessions"`

	// Logging contains log output settings.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the bind address, e.g. ":8080".
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" validate:"required"`

	// ShutdownGrace bounds graceful shutdown.
	ShutdownGrace Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// DatasetConfig contains dataset and artifact locations.
type DatasetConfig struct {
	// DefaultPath is the dataset directory used when a load request has
	// no explicit path.
	DefaultPath string `json:"default_path" yaml:"default_path" validate:"required"`

	// ArtifactsDir is the root directory for chart and report files.
	ArtifactsDir string `json:"artifacts_dir" yaml:"artifacts_dir" validate:"required"`
}

// CacheConfig contains artifact cache tier settings.
type CacheConfig struct {
	// MemoryMaxEntries bounds the hot tier entry count.
	MemoryMaxEntries int `json:"memory_max_entries" yaml:"memory_max_entries" validate:"gt=0"`

	// MemoryMaxBytes bounds the hot tier byte size.
	MemoryMaxBytes int64 `json:"memory_max_bytes" yaml:"memory_max_bytes" validate:"gt=0"`

	// MemoryTTL is the hot tier entry lifetime.
	MemoryTTL Duration `json:"memory_ttl" yaml:"memory_ttl"`

	// DiskTTL is the warm tier artifact lifetime.
	DiskTTL Duration `json:"disk_ttl" yaml:"disk_ttl"`

	// SweepInterval is how often expired disk artifacts are removed.
	SweepInterval Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// StorageConfig contains the embedded BadgerDB settings.
type StorageConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `json:"path" yaml:"path"`

	// InMemory disables persistence; artifacts die with the process.
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	// GCInterval is the value-log GC cadence. 0 disables GC.
	GCInterval Duration `json:"gc_interval" yaml:"gc_interval"`

	// GCDiscardRatio is the minimum garbage ratio before GC runs.
	GCDiscardRatio float64 `json:"gc_discard_ratio" yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// DispatcherConfig contains tool execution settings.
type DispatcherConfig struct {
	// MaxConcurrent bounds simultaneous tool invocations.
	MaxConcurrent int64 `json:"max_concurrent" yaml:"max_concurrent" validate:"gt=0"`

	// Timeout bounds one invocation end to end.
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// SessionConfig contains session scoping settings.
type SessionConfig struct {
	// Scoped routes each session to its own execution context. When
	// false every request shares the default context.
	Scoped bool `json:"scoped" yaml:"scoped"`

	// TTL expires idle sessions; 0 keeps them forever.
	TTL Duration `json:"ttl" yaml:"ttl"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Dir is the log file directory; empty disables file logging.
	Dir string `json:"dir" yaml:"dir"`

	// JSON switches the stderr handler to JSON output.
	JSON bool `json:"json" yaml:"json"`
}

// Duration wraps time.Duration for "30m"-style YAML values.
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
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

// MarshalYAML renders Go duration syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:    ":8080",
			ShutdownGrace: Duration(15 * time.Second),
		},
		Dataset: DatasetConfig{
			DefaultPath:  "data/pbmc3k",
			ArtifactsDir: "artifacts",
		},
		Cache: CacheConfig{
			MemoryMaxEntries: 256,
			MemoryMaxBytes:   512 << 20,
			MemoryTTL:        Duration(30 * time.Minute),
			DiskTTL:          Duration(24 * time.Hour),
			SweepInterval:    Duration(10 * time.Minute),
		},
		Storage: StorageConfig{
			Path:           "data/cache.db",
			SyncWrites:     true,
			GCInterval:     Duration(5 * time.Minute),
			GCDiscardRatio: 0.5,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrent: 8,
			Timeout:       Duration(10 * time.Minute),
		},
		Sessions: SessionConfig{
			Scoped: true,
			TTL:    Duration(12 * time.Hour),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path (when non-empty) over the defaults and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks structural constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("invalid configuration: storage.path is required unless storage.in_memory")
	}
	return nil
}
