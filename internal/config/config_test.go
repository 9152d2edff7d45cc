// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Dispatch.PoolSize != 16 {
		t.Errorf("Dispatch.PoolSize = %d, want 16", cfg.Dispatch.PoolSize)
	}
	if cfg.Realtime.EmitTimeout != 5*time.Second {
		t.Errorf("Realtime.EmitTimeout = %v, want 5s", cfg.Realtime.EmitTimeout)
	}
	if cfg.Retry.BaseBackoff != 30*time.Second || cfg.Retry.MaxBackoff != 10*time.Minute || cfg.Retry.MaxAttempts != 8 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Sweep.GracePeriod != time.Minute {
		t.Errorf("Sweep.GracePeriod = %v, want 1m", cfg.Sweep.GracePeriod)
	}
	if cfg.Catchup.PageSize != 100 {
		t.Errorf("Catchup.PageSize = %d, want 100", cfg.Catchup.PageSize)
	}
	if cfg.NATS.StreamName != "THREADLINE" {
		t.Errorf("NATS.StreamName = %q, want THREADLINE", cfg.NATS.StreamName)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"THREADLINE_NATS_URL", "nats.url"},
		{"THREADLINE_SWEEP_STALE_INTERVAL", "sweep.stale_interval"},
		{"THREADLINE_DISPATCH_POOL_SIZE", "dispatch.pool_size"},
		{"THREADLINE_SECURITY_JWT_SECRET", "security.jwt_secret"},
		{"THREADLINE_WAL_ENTRY_TTL", "wal.entry_ttl"},
		{"THREADLINE_UNKNOWN", "unknown"},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.env); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "threadline.yaml")
	yaml := `
database:
  driver: memory
dispatch:
  pool_size: 4
security:
  jwt_secret: "file-secret-file-secret-file-secret"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("THREADLINE_DISPATCH_POOL_SIZE", "8")
	t.Setenv("THREADLINE_SECURITY_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("THREADLINE_RETRY_BASE_BACKOFF", "10s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "memory" {
		t.Errorf("file value lost: driver = %q", cfg.Database.Driver)
	}
	if cfg.Dispatch.PoolSize != 8 {
		t.Errorf("env should override file: pool_size = %d", cfg.Dispatch.PoolSize)
	}
	if len(cfg.Security.CORSOrigins) != 2 || cfg.Security.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors origins = %v", cfg.Security.CORSOrigins)
	}
	if cfg.Retry.BaseBackoff != 10*time.Second {
		t.Errorf("base backoff = %v, want 10s", cfg.Retry.BaseBackoff)
	}
	if cfg.Catchup.PageSize != 100 {
		t.Errorf("default lost: page_size = %d", cfg.Catchup.PageSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.Security.JWTSecret = "short" }, "jwt_secret"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" }, "database.dsn"},
		{"redis emitter without addr", func(c *Config) { c.Realtime.Emitter = "redis" }, "redis.addr"},
		{"zero pool", func(c *Config) { c.Dispatch.PoolSize = 0 }, "pool_size"},
		{"inverted backoff", func(c *Config) { c.Retry.MaxBackoff = time.Second }, "backoff"},
		{"bad nats url", func(c *Config) { c.NATS.URL = "http://x" }, "nats.url"},
		{"bad stream name", func(c *Config) { c.NATS.StreamName = "a.b" }, "stream_name"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Security.JWTSecret = testSecret
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
