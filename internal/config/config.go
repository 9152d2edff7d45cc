// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

// Package config loads Threadline configuration from struct defaults, an
// optional YAML file and THREADLINE_ prefixed environment variables, in that
// order of precedence.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	NATS     NATSConfig     `koanf:"nats"`
	Redis    RedisConfig    `koanf:"redis"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Retry    RetryConfig    `koanf:"retry"`
	Sweep    SweepConfig    `koanf:"sweep"`
	Catchup  CatchupConfig  `koanf:"catchup"`
	Security SecurityConfig `koanf:"security"`
	WAL      WALConfig      `koanf:"wal"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// InstanceID names this process in websocket_sessions rows. Defaults to the hostname.
	InstanceID string `koanf:"instance_id"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	// Driver is postgres, duckdb or memory.
	Driver string `koanf:"driver"`

	// DSN is the postgres connection string or the duckdb file path.
	DSN string `koanf:"dsn"`

	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`

	// AutoMigrate applies the schema on startup.
	AutoMigrate bool `koanf:"auto_migrate"`
}

// NATSConfig configures the JetStream broker.
type NATSConfig struct {
	URL string `koanf:"url"`

	// EmbeddedServer starts an in-process nats-server with JetStream.
	EmbeddedServer bool `koanf:"embedded_server"`

	// EmbeddedPort is the embedded server's client port; -1 picks a free one.
	EmbeddedPort int    `koanf:"embedded_port"`
	StoreDir     string `koanf:"store_dir"`
	MaxMemory    int64  `koanf:"max_memory"`
	MaxStore     int64  `koanf:"max_store"`

	StreamName      string        `koanf:"stream_name"`
	StreamMaxAge    time.Duration `koanf:"stream_max_age"`
	DuplicateWindow time.Duration `koanf:"duplicate_window"`

	// DurablePrefix names the JetStream consumers shared by dispatcher instances.
	DurablePrefix string        `koanf:"durable_prefix"`
	AckWait       time.Duration `koanf:"ack_wait"`
	CloseTimeout  time.Duration `koanf:"close_timeout"`

	CircuitBreakerMaxFailures uint32        `koanf:"circuit_breaker_max_failures"`
	CircuitBreakerTimeout     time.Duration `koanf:"circuit_breaker_timeout"`
}

// RedisConfig configures cross-instance room fan-out and the sweep lock.
type RedisConfig struct {
	// Addr empty disables Redis; the sweep lock and fan-out then stay in process.
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// RealtimeConfig configures the room emitter.
type RealtimeConfig struct {
	// Emitter is local, redis or nats.
	Emitter     string        `koanf:"emitter"`
	EmitTimeout time.Duration `koanf:"emit_timeout"`

	// InboundRate and InboundBurst bound client events per connection.
	InboundRate  float64 `koanf:"inbound_rate"`
	InboundBurst int     `koanf:"inbound_burst"`
	SendBuffer   int     `koanf:"send_buffer"`
}

// DispatchConfig sizes the dispatcher worker pool.
type DispatchConfig struct {
	PoolSize int `koanf:"pool_size"`

	// ThrottlePerSecond caps handled intents per second per router; 0 disables.
	ThrottlePerSecond int64 `koanf:"throttle_per_second"`
}

// RetryConfig is the redelivery backoff policy.
type RetryConfig struct {
	BaseBackoff time.Duration `koanf:"base_backoff"`
	MaxBackoff  time.Duration `koanf:"max_backoff"`
	MaxAttempts int           `koanf:"max_attempts"`
}

// SweepConfig schedules the repair sweeps.
type SweepConfig struct {
	Enabled             bool          `koanf:"enabled"`
	UnpublishedInterval time.Duration `koanf:"unpublished_interval"`
	StaleInterval       time.Duration `koanf:"stale_interval"`
	GracePeriod         time.Duration `koanf:"grace_period"`
	BatchSize           int           `koanf:"batch_size"`
	LockTTL             time.Duration `koanf:"lock_ttl"`
}

// CatchupConfig bounds open_thread catch-up.
type CatchupConfig struct {
	PageSize int `koanf:"page_size"`
}

// SecurityConfig holds token verification and HTTP protection settings.
type SecurityConfig struct {
	JWTSecret       string        `koanf:"jwt_secret"`
	JWTIssuer       string        `koanf:"jwt_issuer"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// AuthzPolicyPath overrides the embedded thread role policy.
	AuthzPolicyPath string `koanf:"authz_policy_path"`
}

// WALConfig configures the gateway's intent write-ahead log.
type WALConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Path          string        `koanf:"path"`
	SyncWrites    bool          `koanf:"sync_writes"`
	RetryInterval time.Duration `koanf:"retry_interval"`
	MaxRetries    int           `koanf:"max_retries"`
	EntryTTL      time.Duration `koanf:"entry_ttl"`
	GCInterval    time.Duration `koanf:"gc_interval"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return joinHostPort(s.Host, s.Port)
}
