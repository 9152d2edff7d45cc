// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/threadline/internal/broker"
)

func TestDispatchers_Handlers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	handlers := f.d.Handlers()
	if len(handlers) != 4+len(broker.AckBindings) {
		t.Fatalf("handlers = %d", len(handlers))
	}
	for _, b := range append([]broker.Binding{broker.BindingMessage, broker.BindingConversation, broker.BindingUser, broker.BindingRetry}, broker.AckBindings...) {
		if handlers[b] == nil {
			t.Errorf("no handler for %s", b.Name)
		}
	}
}

func TestDispatchers_Register(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	router, err := broker.NewRouter(nil, nil, nil, NewPool(2).Middleware)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	t.Cleanup(func() { _ = router.Close() })

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })

	var subscribed []string
	subs, err := f.d.Register(router, func(b broker.Binding) (message.Subscriber, error) {
		subscribed = append(subscribed, b.Name)
		return pubsub, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if len(subs) != len(f.d.Handlers()) || router.HandlerCount() != len(subs) {
		t.Errorf("subscribers = %d, handlers = %d", len(subs), router.HandlerCount())
	}
	if len(subscribed) != len(subs) {
		t.Errorf("factory calls = %d", len(subscribed))
	}
}

func TestDispatchers_RegisterFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	router, err := broker.NewRouter(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	t.Cleanup(func() { _ = router.Close() })

	boom := errors.New("no stream")
	if _, err := f.d.Register(router, func(broker.Binding) (message.Subscriber, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Errorf("Register() error = %v, want %v", err, boom)
	}
}
