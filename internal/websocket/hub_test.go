// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package websocket

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/tomtom215/threadline/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

// setupHub starts a hub and stops it when the test ends.
func setupHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.RunWithContext(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, hub.IsRunning, "hub start")
	return hub
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// registerClient creates a connectionless client and registers it.
func registerClient(t *testing.T, hub *Hub, userID int64, buffer int) *Client {
	t.Helper()
	c := NewClient(hub, nil, userID, "", ClientOptions{SendBuffer: buffer})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return c
}

func join(t *testing.T, hub *Hub, c *Client, room string) {
	t.Helper()
	if err := hub.Join(context.Background(), c, room); err != nil {
		t.Fatalf("Join(%s) error = %v", room, err)
	}
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return Message{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_EmitToRoom(t *testing.T) {
	t.Parallel()
	hub := setupHub(t)
	ctx := context.Background()

	alice := registerClient(t, hub, 1, 8)
	bob := registerClient(t, hub, 2, 8)
	join(t, hub, alice, "user-1")
	join(t, hub, alice, "thread-9")
	join(t, hub, bob, "thread-9")

	if err := hub.EmitLocal(ctx, "user-1", "message_created", map[string]int{"id": 1}); err != nil {
		t.Fatalf("EmitLocal() error = %v", err)
	}
	if msg := receive(t, alice); msg.Type != "message_created" {
		t.Errorf("alice got %q", msg.Type)
	}
	expectNothing(t, bob)

	if err := hub.EmitLocal(ctx, "thread-9", "group_conversation_updated", nil); err != nil {
		t.Fatalf("EmitLocal() error = %v", err)
	}
	receive(t, alice)
	receive(t, bob)

	if got := hub.RoomSize("thread-9"); got != 2 {
		t.Errorf("RoomSize(thread-9) = %d, want 2", got)
	}
}

func TestHub_Leave(t *testing.T) {
	t.Parallel()
	hub := setupHub(t)
	ctx := context.Background()

	c := registerClient(t, hub, 1, 8)
	join(t, hub, c, "thread-3")
	if err := hub.Leave(ctx, c, "thread-3"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if err := hub.EmitLocal(ctx, "thread-3", "x", nil); err != nil {
		t.Fatalf("EmitLocal() error = %v", err)
	}
	expectNothing(t, c)
	if hub.RoomSize("thread-3") != 0 {
		t.Error("empty room not removed")
	}
}

func TestHub_UnregisterClosesClient(t *testing.T) {
	t.Parallel()
	hub := setupHub(t)

	c := registerClient(t, hub, 1, 8)
	join(t, hub, c, "user-1")
	hub.Unregister <- c

	waitFor(t, func() bool { return hub.GetClientCount() == 0 }, "unregister")
	if _, ok := <-c.send; ok {
		t.Error("send channel still open")
	}
	if hub.RoomSize("user-1") != 0 {
		t.Error("client still in room")
	}
	if c.Send(Message{Type: "late"}) {
		t.Error("Send() succeeded on a closed client")
	}

	// A second unregister is harmless.
	hub.Unregister <- c
}

func TestHub_SlowClientDisconnected(t *testing.T) {
	t.Parallel()
	hub := setupHub(t)
	ctx := context.Background()

	slow := registerClient(t, hub, 1, 1)
	fast := registerClient(t, hub, 2, 8)
	join(t, hub, slow, "thread-1")
	join(t, hub, fast, "thread-1")

	for i := 0; i < 3; i++ {
		if err := hub.EmitLocal(ctx, "thread-1", "tick", i); err != nil {
			t.Fatalf("EmitLocal() error = %v", err)
		}
	}

	waitFor(t, func() bool { return hub.GetClientCount() == 1 }, "slow client removal")
	for i := 0; i < 3; i++ {
		receive(t, fast)
	}
}

func TestHub_JoinUnknownClient(t *testing.T) {
	t.Parallel()
	hub := setupHub(t)

	stranger := NewClient(hub, nil, 5, "", ClientOptions{})
	join(t, hub, stranger, "user-5")
	if hub.RoomSize("user-5") != 0 {
		t.Error("unregistered client joined a room")
	}
}

func TestHub_Stopped(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	ctx := context.Background()

	if err := hub.EmitLocal(ctx, "user-1", "x", nil); !errors.Is(err, ErrHubStopped) {
		t.Errorf("EmitLocal() error = %v, want ErrHubStopped", err)
	}
	c := NewClient(hub, nil, 1, "", ClientOptions{})
	if err := c.Start(ctx); !errors.Is(err, ErrHubStopped) {
		t.Errorf("Start() error = %v, want ErrHubStopped", err)
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.RunWithContext(ctx) }()
	waitFor(t, hub.IsRunning, "hub start")

	c := registerClient(t, hub, 1, 8)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunWithContext() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	if _, ok := <-c.send; ok {
		t.Error("client not closed on shutdown")
	}
	if hub.GetClientCount() != 0 {
		t.Error("clients left after shutdown")
	}
}

func TestGetShutdownReason(t *testing.T) {
	t.Parallel()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancel2 := context.WithTimeout(context.Background(), 0)
	defer cancel2()
	<-expired.Done()

	tests := []struct {
		name string
		ctx  context.Context
		want ShutdownReason
	}{
		{"canceled", canceled, ShutdownReasonContextCanceled},
		{"deadline", expired, ShutdownReasonContextDeadline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := getShutdownReason(tt.ctx); got != tt.want {
				t.Errorf("getShutdownReason() = %s, want %s", got, tt.want)
			}
		})
	}
}
