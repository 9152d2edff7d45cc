// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package websocket

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/metrics"
)

// Emitter delivers a client event to every connection in a room, on every
// gateway instance. An error means the realtime layer was unreachable; it
// says nothing about whether any client was connected.
type Emitter interface {
	Emit(ctx context.Context, room, event string, data interface{}) error
}

// Emitter backends.
const (
	EmitterLocal = "local"
	EmitterRedis = "redis"
	EmitterNATS  = "nats"
)

// DefaultEmitTimeout bounds a single Emit.
const DefaultEmitTimeout = 5 * time.Second

// Envelope is the cross-instance wire form of an emit.
type Envelope struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encodeEnvelope(room, event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Room: room, Event: event, Data: raw})
}

func decodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Room == "" || env.Event == "" {
		return env, fmt.Errorf("decode envelope: missing room or event")
	}
	return env, nil
}

// LocalEmitter emits to the hub of this process only. It serves the
// single-instance deployment where gateway and dispatchers share a process.
type LocalEmitter struct {
	hub     *Hub
	timeout time.Duration
}

// NewLocalEmitter creates an emitter over hub.
func NewLocalEmitter(hub *Hub, timeout time.Duration) *LocalEmitter {
	if timeout <= 0 {
		timeout = DefaultEmitTimeout
	}
	return &LocalEmitter{hub: hub, timeout: timeout}
}

// Emit implements Emitter.
func (e *LocalEmitter) Emit(ctx context.Context, room, event string, data interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	err := e.hub.EmitLocal(ctx, room, event, data)
	metrics.RecordEmit(EmitterLocal, err)
	return err
}
