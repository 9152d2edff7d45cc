// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package websocket

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
)

// RedisChannelPrefix prefixes the pub/sub channel of every room.
const RedisChannelPrefix = "threadline:room:"

// RedisChannel returns the pub/sub channel for room.
func RedisChannel(room string) string {
	return RedisChannelPrefix + room
}

// RedisEmitter publishes emits on Redis pub/sub. Every gateway, including
// the emitting one, receives them through its RedisBridge.
type RedisEmitter struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisEmitter creates an emitter over client.
func NewRedisEmitter(client redis.UniversalClient, timeout time.Duration) *RedisEmitter {
	if timeout <= 0 {
		timeout = DefaultEmitTimeout
	}
	return &RedisEmitter{client: client, timeout: timeout}
}

// Emit implements Emitter.
func (e *RedisEmitter) Emit(ctx context.Context, room, event string, data interface{}) error {
	payload, err := encodeEnvelope(room, event, data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	err = e.client.Publish(ctx, RedisChannel(room), payload).Err()
	metrics.RecordEmit(EmitterRedis, err)
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", room, err)
	}
	return nil
}

// RedisBridge forwards room emits from Redis to the local hub.
type RedisBridge struct {
	client redis.UniversalClient
	hub    *Hub

	mu      sync.Mutex
	running bool
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewRedisBridge creates a bridge into hub.
func NewRedisBridge(client redis.UniversalClient, hub *Hub) *RedisBridge {
	return &RedisBridge{client: client, hub: hub}
}

// Start subscribes and returns once Redis confirmed the subscription.
func (b *RedisBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	pubsub := b.client.PSubscribe(ctx, RedisChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.pubsub = pubsub
	b.cancel = cancel
	b.doneCh = make(chan struct{})
	b.running = true

	go b.forward(runCtx, pubsub.Channel(), b.doneCh)

	logging.Info().Msg("Redis to WebSocket bridge started")
	return nil
}

// Stop unsubscribes and waits for the forwarder to exit.
func (b *RedisBridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.cancel()
	_ = b.pubsub.Close()
	done := b.doneCh
	b.mu.Unlock()

	<-done
	logging.Info().Msg("Redis to WebSocket bridge stopped")
}

// IsRunning reports whether the bridge is subscribed.
func (b *RedisBridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *RedisBridge) forward(ctx context.Context, messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if !strings.HasPrefix(msg.Channel, RedisChannelPrefix) {
				continue
			}
			deliver(ctx, b.hub, []byte(msg.Payload))
		}
	}
}

// deliver hands an encoded envelope to the hub.
func deliver(ctx context.Context, hub *Hub, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		logging.Warn().Err(err).Msg("dropping undecodable room emit")
		return
	}
	emitCtx, cancel := context.WithTimeout(ctx, DefaultEmitTimeout)
	defer cancel()
	if err := hub.EmitRaw(emitCtx, env.Room, env.Event, env.Data); err != nil {
		logging.Warn().Err(err).Str("room", env.Room).Str("event", env.Event).Msg("local hub rejected bridged emit")
	}
}
