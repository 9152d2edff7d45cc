// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateNATS(); err != nil {
		return err
	}
	if err := c.validateRealtime(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateSweep(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "postgres", "duckdb":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be postgres, duckdb or memory, got %q", c.Database.Driver)
	}
	return nil
}

func (c *Config) validateNATS() error {
	if c.NATS.EmbeddedServer && c.NATS.StoreDir == "" {
		return fmt.Errorf("nats.store_dir is required when nats.embedded_server is true")
	}
	u, err := url.Parse(c.NATS.URL)
	if err != nil || (u.Scheme != "nats" && u.Scheme != "tls") || u.Host == "" {
		return fmt.Errorf("nats.url is invalid: %q", c.NATS.URL)
	}
	if c.NATS.StreamName == "" || strings.ContainsAny(c.NATS.StreamName, ".*> ") {
		return fmt.Errorf("nats.stream_name %q is not a valid stream name", c.NATS.StreamName)
	}
	return nil
}

func (c *Config) validateRealtime() error {
	switch c.Realtime.Emitter {
	case "local", "nats":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when realtime.emitter is redis")
		}
	default:
		return fmt.Errorf("realtime.emitter must be local, redis or nats, got %q", c.Realtime.Emitter)
	}
	if c.Realtime.EmitTimeout <= 0 {
		return fmt.Errorf("realtime.emit_timeout must be positive")
	}
	return nil
}

func (c *Config) validateDispatch() error {
	if c.Dispatch.PoolSize < 1 {
		return fmt.Errorf("dispatch.pool_size must be at least 1, got %d", c.Dispatch.PoolSize)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.BaseBackoff {
		return fmt.Errorf("retry backoff must satisfy 0 < base_backoff <= max_backoff")
	}
	if c.Catchup.PageSize < 1 {
		return fmt.Errorf("catchup.page_size must be at least 1, got %d", c.Catchup.PageSize)
	}
	return nil
}

func (c *Config) validateSweep() error {
	if !c.Sweep.Enabled {
		return nil
	}
	if c.Sweep.UnpublishedInterval <= 0 || c.Sweep.StaleInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	if c.Sweep.BatchSize < 1 {
		return fmt.Errorf("sweep.batch_size must be at least 1")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "disabled":
	default:
		return fmt.Errorf("logging.level %q is not recognised", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
