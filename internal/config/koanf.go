// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when no explicit path is given.
var DefaultConfigPaths = []string{
	"threadline.yaml",
	"threadline.yml",
	"/etc/threadline/config.yaml",
}

const (
	// ConfigPathEnvVar overrides the config file path.
	ConfigPathEnvVar = "CONFIG_PATH"

	// EnvPrefix is stripped from environment variables: THREADLINE_NATS_URL -> nats.url.
	EnvPrefix = "THREADLINE_"
)

func defaultConfig() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "threadline"
	}
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			InstanceID:      host,
		},
		Database: DatabaseConfig{
			Driver:          "duckdb",
			DSN:             "/data/threadline.duckdb",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		NATS: NATSConfig{
			URL:                       "nats://127.0.0.1:4222",
			EmbeddedServer:            true,
			EmbeddedPort:              4222,
			StoreDir:                  "/data/nats/jetstream",
			MaxMemory:                 256 << 20,
			MaxStore:                  4 << 30,
			StreamName:                "THREADLINE",
			StreamMaxAge:              7 * 24 * time.Hour,
			DuplicateWindow:           2 * time.Minute,
			DurablePrefix:             "threadline",
			AckWait:                   30 * time.Second,
			CloseTimeout:              30 * time.Second,
			CircuitBreakerMaxFailures: 5,
			CircuitBreakerTimeout:     30 * time.Second,
		},
		Redis: RedisConfig{},
		Realtime: RealtimeConfig{
			Emitter:      "local",
			EmitTimeout:  5 * time.Second,
			InboundRate:  20,
			InboundBurst: 40,
			SendBuffer:   256,
		},
		Dispatch: DispatchConfig{
			PoolSize: 16,
		},
		Retry: RetryConfig{
			BaseBackoff: 30 * time.Second,
			MaxBackoff:  10 * time.Minute,
			MaxAttempts: 8,
		},
		Sweep: SweepConfig{
			Enabled:             true,
			UnpublishedInterval: 30 * time.Second,
			StaleInterval:       time.Minute,
			GracePeriod:         time.Minute,
			BatchSize:           500,
			LockTTL:             2 * time.Minute,
		},
		Catchup: CatchupConfig{
			PageSize: 100,
		},
		Security: SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		WAL: WALConfig{
			Enabled:       true,
			Path:          "/data/wal",
			SyncWrites:    true,
			RetryInterval: 30 * time.Second,
			MaxRetries:    100,
			EntryTTL:      24 * time.Hour,
			GCInterval:    10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from defaults, the file at path (or a discovered
// file when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sectionNames lists top-level keys; the first underscore after one of these
// becomes the path separator, the rest stay in the leaf name.
var sectionNames = []string{
	"server", "database", "nats", "redis", "realtime", "dispatch",
	"retry", "sweep", "catchup", "security", "wal", "logging",
}

// envTransformFunc maps THREADLINE_SWEEP_STALE_INTERVAL to sweep.stale_interval.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	for _, section := range sectionNames {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return key
}

var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields splits comma-separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
