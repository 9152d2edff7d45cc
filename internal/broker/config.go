// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package broker

import (
	"time"

	"github.com/tomtom215/threadline/internal/config"
	"github.com/tomtom215/threadline/internal/models"
)

// Binding is one durable consumer: a name and the subject pattern it matches.
type Binding struct {
	Name    string
	Pattern string
}

// Dispatcher bindings.
var (
	BindingMessage      = Binding{Name: "message", Pattern: "event.message.>"}
	BindingConversation = Binding{Name: "conversation", Pattern: "event.conversation.>"}
	BindingUser         = Binding{Name: "user", Pattern: "event.user.>"}
	BindingRetry        = Binding{Name: "retry", Pattern: "event.retry.>"}
)

// AckBindings cover acknowledgment subjects of two to five tokens before the
// suffix. NATS wildcards match whole tokens, so one pattern per depth.
var AckBindings = []Binding{
	{Name: "ack-1", Pattern: "event.*" + models.AckSuffix},
	{Name: "ack-2", Pattern: "event.*.*" + models.AckSuffix},
	{Name: "ack-3", Pattern: "event.*.*.*" + models.AckSuffix},
	{Name: "ack-4", Pattern: "event.*.*.*.*" + models.AckSuffix},
}

// DurableName is the consumer and queue group name for prefix. JetStream
// durable names may not contain '.', '*' or '>'.
func (b Binding) DurableName(prefix string) string {
	return prefix + "-" + b.Name
}

// ServerConfig configures the embedded nats-server.
type ServerConfig struct {
	Host              string
	Port              int
	StoreDir          string
	JetStreamMaxMem   int64
	JetStreamMaxStore int64
}

// DefaultServerConfig returns single-node defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "127.0.0.1",
		Port:              4222,
		StoreDir:          "/data/nats/jetstream",
		JetStreamMaxMem:   256 << 20,
		JetStreamMaxStore: 4 << 30,
	}
}

// ServerConfigFrom maps the nats section onto ServerConfig.
func ServerConfigFrom(c config.NATSConfig) ServerConfig {
	cfg := DefaultServerConfig()
	if c.EmbeddedPort != 0 {
		cfg.Port = c.EmbeddedPort
	}
	if c.StoreDir != "" {
		cfg.StoreDir = c.StoreDir
	}
	if c.MaxMemory > 0 {
		cfg.JetStreamMaxMem = c.MaxMemory
	}
	if c.MaxStore > 0 {
		cfg.JetStreamMaxStore = c.MaxStore
	}
	return cfg
}

// PublisherConfig holds NATS connection settings for publishing.
type PublisherConfig struct {
	URL              string
	MaxReconnects    int
	ReconnectWait    time.Duration
	ReconnectBuffer  int
	EnableTrackMsgID bool // nolint:revive // ID is correct per Go conventions
	CircuitBreaker   CircuitBreakerConfig
}

// DefaultPublisherConfig returns production defaults for url.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:              url,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		ReconnectBuffer:  8 * 1024 * 1024,
		EnableTrackMsgID: true,
		CircuitBreaker:   DefaultCircuitBreakerConfig("intent-publisher"),
	}
}

// PublisherConfigFrom maps the nats section onto PublisherConfig.
func PublisherConfigFrom(c config.NATSConfig) PublisherConfig {
	cfg := DefaultPublisherConfig(c.URL)
	if c.CircuitBreakerMaxFailures > 0 {
		cfg.CircuitBreaker.FailureThreshold = c.CircuitBreakerMaxFailures
	}
	if c.CircuitBreakerTimeout > 0 {
		cfg.CircuitBreaker.Timeout = c.CircuitBreakerTimeout
	}
	return cfg
}

// SubscriberConfig configures one durable consumer.
type SubscriberConfig struct {
	URL              string
	StreamName       string
	DurablePrefix    string
	SubscribersCount int
	AckWaitTimeout   time.Duration

	// MaxDeliver is 1: failed intents are dead-lettered, never redelivered.
	MaxDeliver int

	// MaxAckPending matches the dispatch pool so JetStream stops handing
	// out intents while every slot is busy.
	MaxAckPending int

	CloseTimeout  time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultSubscriberConfig returns dispatcher defaults for url.
func DefaultSubscriberConfig(url string) SubscriberConfig {
	return SubscriberConfig{
		URL:              url,
		StreamName:       "THREADLINE",
		DurablePrefix:    "threadline",
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		MaxDeliver:       1,
		MaxAckPending:    16,
		CloseTimeout:     30 * time.Second,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
	}
}

// SubscriberConfigFrom maps the nats and dispatch sections onto SubscriberConfig.
func SubscriberConfigFrom(c config.NATSConfig, d config.DispatchConfig) SubscriberConfig {
	cfg := DefaultSubscriberConfig(c.URL)
	if c.StreamName != "" {
		cfg.StreamName = c.StreamName
	}
	if c.DurablePrefix != "" {
		cfg.DurablePrefix = c.DurablePrefix
	}
	if c.AckWait > 0 {
		cfg.AckWaitTimeout = c.AckWait
	}
	if c.CloseTimeout > 0 {
		cfg.CloseTimeout = c.CloseTimeout
	}
	if d.PoolSize > 0 {
		cfg.MaxAckPending = d.PoolSize
	}
	return cfg
}

// StreamConfig describes the JetStream stream holding every intent.
type StreamConfig struct {
	Name            string
	Subjects        []string
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
	Replicas        int
}

// DefaultStreamConfig returns the THREADLINE stream definition.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:            "THREADLINE",
		Subjects:        []string{"event.>", "deadletter.>"},
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        -1,
		MaxMsgs:         -1,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
	}
}

// StreamConfigFrom maps the nats section onto StreamConfig.
func StreamConfigFrom(c config.NATSConfig) StreamConfig {
	cfg := DefaultStreamConfig()
	if c.StreamName != "" {
		cfg.Name = c.StreamName
	}
	if c.StreamMaxAge > 0 {
		cfg.MaxAge = c.StreamMaxAge
	}
	if c.DuplicateWindow > 0 {
		cfg.DuplicateWindow = c.DuplicateWindow
	}
	return cfg
}

// CircuitBreakerConfig configures the publish circuit breaker.
type CircuitBreakerConfig struct {
	Name             string
	MaxRequests      uint32        // Allowed in half-open state
	Interval         time.Duration // Reset interval for counts
	Timeout          time.Duration // Time to stay open
	FailureThreshold uint32        // Consecutive failures before opening
}

// DefaultCircuitBreakerConfig returns defaults for a breaker called name.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// RouterConfig configures the dispatcher router.
type RouterConfig struct {
	CloseTimeout time.Duration

	// ThrottlePerSecond caps handled intents per second; 0 disables.
	ThrottlePerSecond int64

	PoisonQueueTopic string
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:     30 * time.Second,
		PoisonQueueTopic: models.DeadLetterSubject,
	}
}

// RouterConfigFrom maps the nats and dispatch sections onto RouterConfig.
func RouterConfigFrom(c config.NATSConfig, d config.DispatchConfig) RouterConfig {
	cfg := DefaultRouterConfig()
	if c.CloseTimeout > 0 {
		cfg.CloseTimeout = c.CloseTimeout
	}
	cfg.ThrottlePerSecond = d.ThrottlePerSecond
	return cfg
}
