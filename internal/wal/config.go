// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package wal

import (
	"time"

	"github.com/tomtom215/threadline/internal/config"
)

// Config holds WAL settings. Application code builds it with FromConfig;
// tests usually start from DefaultConfig and shrink the intervals.
type Config struct {
	// Path is the BadgerDB directory. Should be on a durable filesystem.
	Path string

	// SyncWrites forces fsync after every write.
	SyncWrites bool

	// RetryInterval is the time between retry loop iterations.
	RetryInterval time.Duration

	// RetryBackoff is the base of the per-entry exponential backoff.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the per-entry backoff.
	MaxRetryBackoff time.Duration

	// MaxRetries is the number of publish attempts before an entry is dropped.
	MaxRetries int

	// EntryTTL bounds how long an unconfirmed entry is kept. Badger also
	// expires the key natively after this long.
	EntryTTL time.Duration

	// CompactInterval is the time between compaction runs.
	CompactInterval time.Duration

	MemTableSize     int64
	ValueLogFileSize int64
	NumCompactors    int
	Compression      bool
	GCRatio          float64
	CloseTimeout     time.Duration
}

// DefaultConfig returns durable defaults.
func DefaultConfig() Config {
	return Config{
		Path:             "/data/wal",
		SyncWrites:       true,
		RetryInterval:    30 * time.Second,
		RetryBackoff:     5 * time.Second,
		MaxRetryBackoff:  5 * time.Minute,
		MaxRetries:       100,
		EntryTTL:         24 * time.Hour,
		CompactInterval:  10 * time.Minute,
		MemTableSize:     16 * 1024 * 1024,
		ValueLogFileSize: 64 * 1024 * 1024,
		NumCompactors:    2,
		Compression:      true,
		GCRatio:          0.5,
		CloseTimeout:     30 * time.Second,
	}
}

// FromConfig maps the application's wal section onto Config.
func FromConfig(c config.WALConfig) Config {
	cfg := DefaultConfig()
	cfg.Path = c.Path
	cfg.SyncWrites = c.SyncWrites
	if c.RetryInterval > 0 {
		cfg.RetryInterval = c.RetryInterval
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.EntryTTL > 0 {
		cfg.EntryTTL = c.EntryTTL
	}
	if c.GCInterval > 0 {
		cfg.CompactInterval = c.GCInterval
	}
	return cfg
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Path == "" {
		return &ConfigError{Field: "Path", Message: "WAL path is required"}
	}
	if c.RetryInterval < time.Second {
		return &ConfigError{Field: "RetryInterval", Message: "must be at least 1 second"}
	}
	if c.RetryBackoff <= 0 || c.MaxRetryBackoff < c.RetryBackoff {
		return &ConfigError{Field: "RetryBackoff", Message: "must satisfy 0 < RetryBackoff <= MaxRetryBackoff"}
	}
	if c.MaxRetries < 1 {
		return &ConfigError{Field: "MaxRetries", Message: "must be at least 1"}
	}
	if c.EntryTTL < time.Minute {
		return &ConfigError{Field: "EntryTTL", Message: "must be at least 1 minute"}
	}
	if c.CompactInterval < time.Second {
		return &ConfigError{Field: "CompactInterval", Message: "must be at least 1 second"}
	}
	// Badger rejects memtables whose batch limit falls below its value threshold.
	if c.MemTableSize < 8*1024*1024 {
		return &ConfigError{Field: "MemTableSize", Message: "must be at least 8MB"}
	}
	if c.ValueLogFileSize < 1024*1024 {
		return &ConfigError{Field: "ValueLogFileSize", Message: "must be at least 1MB"}
	}
	if c.NumCompactors < 2 {
		return &ConfigError{Field: "NumCompactors", Message: "must be at least 2 (BadgerDB requirement)"}
	}
	return nil
}

// ConfigError is a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "WAL config error: " + e.Field + ": " + e.Message
}
