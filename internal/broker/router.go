// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package broker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
)

// IntentHandler handles one decoded intent. A nil return acknowledges it; an
// error sends it to the dead-letter subject.
type IntentHandler func(ctx context.Context, in *Intent) error

// Router wraps the Watermill router with the dispatcher middleware chain:
//
//	outer (e.g. the dispatch pool) → Throttle → PoisonQueue → Recoverer → handler
//
// There is no retry middleware. A failed intent is published to the poison
// topic and the original is acknowledged.
type Router struct {
	router   *message.Router
	config   RouterConfig
	logger   watermill.LoggerAdapter
	handlers map[string]*message.Handler
	running  atomic.Bool
}

// NewRouter creates a router. outer middleware runs before everything else.
// poisonPublisher may be nil, in which case failed intents are only logged
// and nacked.
func NewRouter(
	cfg *RouterConfig,
	poisonPublisher message.Publisher,
	logger watermill.LoggerAdapter,
	outer ...message.HandlerMiddleware,
) (*Router, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if cfg == nil {
		defaultCfg := DefaultRouterConfig()
		cfg = &defaultCfg
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	r := &Router{
		router:   wmRouter,
		config:   *cfg,
		logger:   logger,
		handlers: make(map[string]*message.Handler),
	}

	wmRouter.AddMiddleware(outer...)

	if cfg.ThrottlePerSecond > 0 {
		wmRouter.AddMiddleware(middleware.NewThrottle(cfg.ThrottlePerSecond, time.Second).Middleware)
	}

	if poisonPublisher != nil && cfg.PoisonQueueTopic != "" {
		poisonQueue, err := middleware.PoisonQueue(&deadLetterPublisher{pub: poisonPublisher}, cfg.PoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(poisonQueue)
	}

	wmRouter.AddMiddleware(middleware.Recoverer)

	return r, nil
}

// AddIntentHandler consumes topic with h. name must be unique per router.
func (r *Router) AddIntentHandler(name, topic string, sub message.Subscriber, h IntentHandler) *message.Handler {
	handler := r.router.AddConsumerHandler(name, topic, sub, func(msg *message.Message) error {
		in, err := IntentFromMessage(msg)
		if err != nil {
			logging.Error().Err(err).Str("handler", name).Str("message_uuid", msg.UUID).Msg("Undecodable intent")
			metrics.RecordDeadLetter(name)
			return err
		}

		ctx := in.Context(msg.Context())
		if err := h(ctx, in); err != nil {
			logging.Ctx(ctx).Error().
				Err(err).
				Str("handler", name).
				Str("intent_id", in.ID).
				Str("routing_key", in.RoutingKey).
				Msg("Intent handler failed, dead-lettering")
			metrics.RecordDeadLetter(name)
			return err
		}
		return nil
	})
	r.handlers[name] = handler
	return handler
}

// Run blocks until ctx is canceled or Close is called.
func (r *Router) Run(ctx context.Context) error {
	r.running.Store(true)
	defer r.running.Store(false)
	return r.router.Run(ctx)
}

// Running closes once every handler has started.
func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

// Close stops the router, waiting up to CloseTimeout for in-flight intents.
func (r *Router) Close() error {
	return r.router.Close()
}

// IsRunning reports whether Run is active.
func (r *Router) IsRunning() bool {
	return r.running.Load()
}

// HandlerCount returns the number of registered handlers.
func (r *Router) HandlerCount() int {
	return len(r.handlers)
}

// deadLetterPublisher republishes under a fresh message id. Reusing the
// intent id as Nats-Msg-Id would make JetStream drop the dead letter as a
// duplicate of the original inside the duplicate window.
type deadLetterPublisher struct {
	pub message.Publisher
}

func (d *deadLetterPublisher) Publish(topic string, msgs ...*message.Message) error {
	out := make([]*message.Message, len(msgs))
	for i, msg := range msgs {
		c := msg.Copy()
		c.UUID = "deadletter-" + msg.UUID
		c.Metadata.Set(natsgo.MsgIdHdr, c.UUID)
		out[i] = c
	}
	return d.pub.Publish(topic, out...)
}

func (d *deadLetterPublisher) Close() error {
	return nil
}
