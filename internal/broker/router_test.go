// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/threadline/internal/models"
)

const testTopic = "event.message.created"

type routerHarness struct {
	pubsub      *gochannel.GoChannel
	router      *Router
	deadLetters <-chan *message.Message
	cancel      context.CancelFunc
	done        chan struct{}
}

func startRouter(t *testing.T, h IntentHandler, outer ...message.HandlerMiddleware) *routerHarness {
	t.Helper()

	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	deadLetters, err := pubsub.Subscribe(ctx, models.DeadLetterSubject)
	if err != nil {
		cancel()
		t.Fatalf("Subscribe() error = %v", err)
	}

	cfg := DefaultRouterConfig()
	cfg.CloseTimeout = time.Second
	router, err := NewRouter(&cfg, pubsub, nil, outer...)
	if err != nil {
		cancel()
		t.Fatalf("NewRouter() error = %v", err)
	}
	router.AddIntentHandler("message", testTopic, pubsub, h)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = router.Run(ctx)
	}()

	select {
	case <-router.Running():
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("router did not start")
	}

	harness := &routerHarness{pubsub: pubsub, router: router, deadLetters: deadLetters, cancel: cancel, done: done}
	t.Cleanup(func() {
		_ = router.Close()
		cancel()
		<-done
		_ = pubsub.Close()
	})
	return harness
}

func (h *routerHarness) publish(t *testing.T, in *Intent) {
	t.Helper()
	pub := NewPublisherWith(h.pubsub, nil)
	if err := pub.Publish(context.Background(), testTopic, in); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func newTestIntent(t *testing.T) *Intent {
	t.Helper()
	in, err := NewIntent(context.Background(), Actor{ID: 1, Username: "alice"},
		&CreateMessageIntent{ThreadID: 3, Content: models.MessageContent{"text": "hello"}})
	if err != nil {
		t.Fatalf("NewIntent() error = %v", err)
	}
	return in
}

func TestRouter_HandlesIntent(t *testing.T) {
	t.Parallel()

	received := make(chan *Intent, 1)
	h := startRouter(t, func(ctx context.Context, in *Intent) error {
		received <- in
		return nil
	})

	sent := newTestIntent(t)
	h.publish(t, sent)

	select {
	case in := <-received:
		if in.ID != sent.ID || in.RoutingKey != testTopic {
			t.Errorf("received %+v, want id %s", in, sent.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}

	select {
	case msg := <-h.deadLetters:
		t.Errorf("unexpected dead letter %s", msg.UUID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouter_FailedIntentIsDeadLettered(t *testing.T) {
	t.Parallel()

	h := startRouter(t, func(ctx context.Context, in *Intent) error {
		return errors.New("thread not found")
	})

	sent := newTestIntent(t)
	h.publish(t, sent)

	select {
	case msg := <-h.deadLetters:
		msg.Ack()
		if msg.UUID == sent.ID {
			t.Error("dead letter reused the intent id")
		}
		if got := msg.Metadata.Get(natsgo.MsgIdHdr); got != msg.UUID {
			t.Errorf("Nats-Msg-Id = %q, want %q", got, msg.UUID)
		}
		if got := msg.Metadata.Get(middleware.ReasonForPoisonedKey); got != "thread not found" {
			t.Errorf("reason = %q", got)
		}
		in, err := IntentFromMessage(msg)
		if err != nil {
			t.Fatalf("dead letter payload not decodable: %v", err)
		}
		if in.ID != sent.ID {
			t.Errorf("dead letter intent id = %s, want %s", in.ID, sent.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no dead letter published")
	}
}

func TestRouter_RecoversPanics(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := startRouter(t, func(ctx context.Context, in *Intent) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	h.publish(t, newTestIntent(t))

	select {
	case msg := <-h.deadLetters:
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("panicking handler was not dead-lettered")
	}

	// The router keeps consuming after a panic.
	h.publish(t, newTestIntent(t))
	deadline := time.After(5 * time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("router stopped after panic")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRouter_OuterMiddlewareWrapsHandler(t *testing.T) {
	t.Parallel()

	var order []string
	orderCh := make(chan []string, 1)
	outer := func(next message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			order = append(order, "outer-before")
			out, err := next(msg)
			order = append(order, "outer-after")
			orderCh <- order
			return out, err
		}
	}

	h := startRouter(t, func(ctx context.Context, in *Intent) error {
		order = append(order, "handler")
		return nil
	}, outer)
	h.publish(t, newTestIntent(t))

	select {
	case got := <-orderCh:
		want := []string{"outer-before", "handler", "outer-after"}
		if len(got) != len(want) {
			t.Fatalf("order = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("order = %v, want %v", got, want)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("middleware not called")
	}
}

func TestRouter_IsRunning(t *testing.T) {
	t.Parallel()

	cfg := DefaultRouterConfig()
	cfg.PoisonQueueTopic = ""

	router, err := NewRouter(&cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	if router.IsRunning() {
		t.Error("router running before Run()")
	}
	if router.HandlerCount() != 0 {
		t.Errorf("HandlerCount() = %d", router.HandlerCount())
	}
	if err := router.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
