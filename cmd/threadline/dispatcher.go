// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package main

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/dispatch"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/supervisor"
	"github.com/tomtom215/threadline/internal/supervisor/services"
	"github.com/tomtom215/threadline/internal/websocket"
)

// addDispatcher registers the dispatch router and, when enabled, the repair
// sweeps.
func addDispatcher(tree *supervisor.SupervisorTree, a *app, emitter websocket.Emitter) error {
	pipeline, err := dispatch.NewPipeline(dispatch.Deps{
		Store:      a.store,
		Publisher:  a.intents,
		Emitter:    emitter,
		Authorizer: a.authorizer,
		Retry:      a.cfg.Retry,
	})
	if err != nil {
		return err
	}
	dispatchers := dispatch.NewDispatchers(pipeline)
	pool := dispatch.NewPool(a.cfg.Dispatch.PoolSize)

	subCfg := broker.SubscriberConfigFrom(a.cfg.NATS, a.cfg.Dispatch)
	routerCfg := broker.RouterConfigFrom(a.cfg.NATS, a.cfg.Dispatch)
	logger := logging.NewWatermillAdapter()

	build := func(context.Context) (services.Runner, error) {
		router, err := broker.NewRouter(&routerCfg, a.publisher.WatermillPublisher(), logger, pool.Middleware)
		if err != nil {
			return nil, err
		}
		subs, err := dispatchers.Register(router, func(b broker.Binding) (message.Subscriber, error) {
			return broker.NewSubscriber(subCfg, b, logger)
		})
		if err != nil {
			_ = router.Close()
			return nil, err
		}
		return &dispatchRouter{Router: router, subs: subs}, nil
	}
	tree.AddMessagingService(services.NewRouterService(build, a.cfg.NATS.CloseTimeout))

	if a.cfg.Sweep.Enabled {
		locker := a.sweepLocker()
		sweeper, err := dispatch.NewSweeper(pipeline, a.cfg.Sweep, locker)
		if err != nil {
			return err
		}
		tree.AddMessagingService(sweeper)
	}

	logging.Info().
		Int("pool_size", pool.Size()).
		Int("bindings", len(dispatchers.Handlers())).
		Bool("sweeps", a.cfg.Sweep.Enabled).
		Msg("Dispatcher configured")
	return nil
}

// dispatchRouter closes its subscribers with the router so a rebuilt router
// never competes with stale consumers.
type dispatchRouter struct {
	*broker.Router
	subs []message.Subscriber
}

func (r *dispatchRouter) Close() error {
	err := r.Router.Close()
	for _, s := range r.subs {
		err = errors.Join(err, s.Close())
	}
	return err
}
