// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package websocket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

func TestEnvelope(t *testing.T) {
	t.Parallel()

	b, err := encodeEnvelope("user-1", "message_created", map[string]int{"id": 3})
	if err != nil {
		t.Fatalf("encodeEnvelope() error = %v", err)
	}
	env, err := decodeEnvelope(b)
	if err != nil {
		t.Fatalf("decodeEnvelope() error = %v", err)
	}
	if env.Room != "user-1" || env.Event != "message_created" || string(env.Data) != `{"id":3}` {
		t.Errorf("envelope = %+v", env)
	}

	for _, bad := range []string{`nope`, `{"room":"user-1"}`, `{"event":"x"}`} {
		if _, err := decodeEnvelope([]byte(bad)); err == nil {
			t.Errorf("decodeEnvelope(%s) succeeded", bad)
		}
	}
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisBridge_DeliversEmits(t *testing.T) {
	t.Parallel()
	hub := setupHub(t)
	_, rdb := setupRedis(t)
	ctx := context.Background()

	bridge := NewRedisBridge(rdb, hub)
	if err := bridge.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(bridge.Stop)
	if !bridge.IsRunning() {
		t.Fatal("bridge not running")
	}

	c := registerClient(t, hub, 7, 8)
	join(t, hub, c, "user-7")

	emitter := NewRedisEmitter(rdb, time.Second)
	if err := emitter.Emit(ctx, "user-7", "reaction_added", map[string]string{"emoji_hex": "1f600"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	msg := receive(t, c)
	if msg.Type != "reaction_added" {
		t.Errorf("type = %q", msg.Type)
	}
	raw, ok := msg.Data.(json.RawMessage)
	if !ok || string(raw) != `{"emoji_hex":"1f600"}` {
		t.Errorf("data = %#v", msg.Data)
	}

	// Other rooms are not delivered to this client.
	if err := emitter.Emit(ctx, "user-8", "reaction_added", nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	expectNothing(t, c)
}

func TestRedisEmitter_Unreachable(t *testing.T) {
	t.Parallel()
	mr, rdb := setupRedis(t)
	mr.Close()

	emitter := NewRedisEmitter(rdb, 200*time.Millisecond)
	if err := emitter.Emit(context.Background(), "user-1", "x", nil); err == nil {
		t.Error("Emit() succeeded against a stopped server")
	}
}

func TestRedisBridge_StopIdempotent(t *testing.T) {
	t.Parallel()
	hub := setupHub(t)
	_, rdb := setupRedis(t)

	bridge := NewRedisBridge(rdb, hub)
	bridge.Stop()
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	bridge.Stop()
	bridge.Stop()
	if bridge.IsRunning() {
		t.Error("bridge still running")
	}
}

// chanFeed is a RoomFeed backed by a channel.
type chanFeed struct {
	ch        chan []byte
	subscribe error
	closed    bool
}

func (f *chanFeed) Subscribe(ctx context.Context, subject string) (<-chan []byte, error) {
	if f.subscribe != nil {
		return nil, f.subscribe
	}
	return f.ch, nil
}

func (f *chanFeed) Close() error {
	f.closed = true
	return nil
}

func TestNATSBridge_DeliversEmits(t *testing.T) {
	t.Parallel()
	hub := setupHub(t)
	feed := &chanFeed{ch: make(chan []byte, 4)}

	bridge := NewNATSBridge(hub, feed)
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	c := registerClient(t, hub, 3, 8)
	join(t, hub, c, "thread-5")

	feed.ch <- []byte("garbage")
	b, _ := encodeEnvelope("thread-5", "participant_added", map[string]int{"user_id": 3})
	feed.ch <- b

	if msg := receive(t, c); msg.Type != "participant_added" {
		t.Errorf("type = %q", msg.Type)
	}

	bridge.Stop()
	if !feed.closed {
		t.Error("feed not closed on Stop")
	}
	if bridge.IsRunning() {
		t.Error("bridge still running")
	}
}

func TestNATSBridge_SubscribeError(t *testing.T) {
	t.Parallel()
	hub := setupHub(t)
	want := errors.New("no connection")
	bridge := NewNATSBridge(hub, &chanFeed{subscribe: want})

	if err := bridge.Start(context.Background()); !errors.Is(err, want) {
		t.Errorf("Start() error = %v, want %v", err, want)
	}
	if bridge.IsRunning() {
		t.Error("bridge running after failed start")
	}
}
