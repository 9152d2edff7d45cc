// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package main

import (
	"net/http"
	"slices"
	"time"

	"github.com/tomtom215/threadline/internal/api"
	"github.com/tomtom215/threadline/internal/auth"
	"github.com/tomtom215/threadline/internal/handlers"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/supervisor"
	"github.com/tomtom215/threadline/internal/supervisor/services"
	"github.com/tomtom215/threadline/internal/wal"
	"github.com/tomtom215/threadline/internal/websocket"
)

// addGateway registers the hub, the emit bridge, the WAL services and the
// HTTP server. The returned emitter is shared with a dispatcher running in
// the same process.
func addGateway(tree *supervisor.SupervisorTree, a *app) (websocket.Emitter, error) {
	hub := websocket.NewHub()
	tree.AddMessagingService(services.NewWebSocketHubService(hub))

	emitter, err := a.emitter(hub)
	if err != nil {
		return nil, err
	}
	switch a.cfg.Realtime.Emitter {
	case "redis":
		tree.AddMessagingService(services.NewBridgeService("redis", websocket.NewRedisBridge(a.redis, hub)))
	case "nats":
		tree.AddMessagingService(services.NewBridgeService("nats", websocket.NewNATSBridge(hub, websocket.NewNATSFeed(a.natsConn))))
	}

	if a.wal != nil {
		tree.AddDataService(services.NewWALRetryLoopService(wal.NewRetryLoop(a.wal, a.durable.WALPublisher())))
		tree.AddDataService(services.NewWALCompactorService(wal.NewCompactor(a.wal)))
	}

	connector, err := handlers.NewConnector(handlers.Deps{
		Store:      a.store,
		Publisher:  a.intents,
		Emitter:    emitter,
		Authorizer: a.authorizer,
		Catchup:    a.cfg.Catchup,
		InstanceID: a.cfg.Server.InstanceID,
	})
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier(&a.cfg.Security)
	if err != nil {
		return nil, err
	}

	endpoint := websocket.NewEndpoint(hub, principalIdentity, connector.Connect, websocket.ClientOptions{
		SendBuffer:   a.cfg.Realtime.SendBuffer,
		InboundRate:  a.cfg.Realtime.InboundRate,
		InboundBurst: a.cfg.Realtime.InboundBurst,
	}, originChecker(a.cfg.Security.CORSOrigins))

	handler, err := api.NewRouter(api.Config{
		Store:        a.store,
		Authorizer:   a.authorizer,
		Authenticate: auth.NewMiddleware(verifier).Authenticate,
		WebSocket:    endpoint,
		Checks:       a.checks(),
		Middleware:   api.MiddlewareConfigFrom(a.cfg.Security),
	})
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, a.cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("addr", server.Addr).
		Str("emitter", a.cfg.Realtime.Emitter).
		Bool("wal", a.wal != nil).
		Int("client_events", len(connector.Registry().Events())).
		Msg("Gateway configured")
	return emitter, nil
}

// principalIdentity reads the identity the auth middleware verified.
func principalIdentity(r *http.Request) (websocket.Identity, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return websocket.Identity{}, false
	}
	return websocket.Identity{UserID: p.UserID, Username: p.Username}, true
}

// originChecker accepts the configured CORS origins for websocket upgrades.
// Requests without an Origin header come from non-browser clients and pass.
func originChecker(origins []string) func(*http.Request) bool {
	if slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
