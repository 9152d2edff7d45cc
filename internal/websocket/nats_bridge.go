// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
)

// NATSRoomPrefix prefixes the core NATS subject of every room. Room emits
// are not persisted in JetStream.
const NATSRoomPrefix = "rooms."

// NATSSubject returns the subject for room.
func NATSSubject(room string) string {
	return NATSRoomPrefix + room
}

// NATSEmitter publishes emits on core NATS.
type NATSEmitter struct {
	conn    *natsgo.Conn
	timeout time.Duration
}

// NewNATSEmitter creates an emitter over conn.
func NewNATSEmitter(conn *natsgo.Conn, timeout time.Duration) *NATSEmitter {
	if timeout <= 0 {
		timeout = DefaultEmitTimeout
	}
	return &NATSEmitter{conn: conn, timeout: timeout}
}

// Emit implements Emitter. The publish is flushed so an unreachable server
// surfaces as an error.
func (e *NATSEmitter) Emit(ctx context.Context, room, event string, data interface{}) error {
	payload, err := encodeEnvelope(room, event, data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	err = e.conn.Publish(NATSSubject(room), payload)
	if err == nil {
		err = e.conn.FlushWithContext(ctx)
	}
	metrics.RecordEmit(EmitterNATS, err)
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", room, err)
	}
	return nil
}

// RoomFeed is a source of encoded room emits. It lets NATSBridge run against
// any transport.
type RoomFeed interface {
	Subscribe(ctx context.Context, subject string) (<-chan []byte, error)
	Close() error
}

// NATSFeed is a RoomFeed over a core NATS connection.
type NATSFeed struct {
	conn *natsgo.Conn

	mu   sync.Mutex
	subs []*natsgo.Subscription
}

// NewNATSFeed creates a feed on conn.
func NewNATSFeed(conn *natsgo.Conn) *NATSFeed {
	return &NATSFeed{conn: conn}
}

// Subscribe implements RoomFeed.
func (f *NATSFeed) Subscribe(ctx context.Context, subject string) (<-chan []byte, error) {
	out := make(chan []byte, 256)
	sub, err := f.conn.Subscribe(subject, func(msg *natsgo.Msg) {
		select {
		case out <- msg.Data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := f.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}

	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return out, nil
}

// Close unsubscribes everything.
func (f *NATSFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		_ = sub.Unsubscribe()
	}
	f.subs = nil
	return nil
}

// NATSBridge forwards room emits from a RoomFeed to the local hub.
type NATSBridge struct {
	hub     *Hub
	feed    RoomFeed
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewNATSBridge creates a bridge into hub.
func NewNATSBridge(hub *Hub, feed RoomFeed) *NATSBridge {
	return &NATSBridge{hub: hub, feed: feed}
}

// Start subscribes to every room subject.
func (s *NATSBridge) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	messages, err := s.feed.Subscribe(ctx, NATSRoomPrefix+">")
	if err != nil {
		return err
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	go s.processMessages(ctx, messages, s.stopCh, s.doneCh)

	logging.Info().Msg("NATS to WebSocket bridge started")
	return nil
}

// Stop stops the bridge and releases the feed's subscriptions.
func (s *NATSBridge) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	_ = s.feed.Close()
	logging.Info().Msg("NATS to WebSocket bridge stopped")
}

// IsRunning reports whether the bridge is subscribed.
func (s *NATSBridge) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *NATSBridge) processMessages(ctx context.Context, messages <-chan []byte, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case data, ok := <-messages:
			if !ok {
				return
			}
			deliver(ctx, s.hub, data)
		}
	}
}
