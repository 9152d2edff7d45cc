// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

/*
Package supervisor runs the long-lived services of a threadline process
under a suture v4 supervisor tree.

# Layout

	threadline
	├── data-layer
	│   ├── wal-retry-loop (WAL enabled)
	│   └── wal-compactor (WAL enabled)
	├── messaging-layer
	│   ├── websocket-hub (gateway)
	│   ├── redis-bridge or nats-bridge (gateway, shared emitter)
	│   ├── dispatch-router (dispatcher)
	│   └── sweeper (dispatcher, sweeps enabled)
	└── api-layer
	    └── http-server (gateway)

Crashed services restart with exponential backoff. A failing router never
takes down open websocket connections, and a failing HTTP listener does not
stop dispatch.

# Usage

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
	    ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddMessagingService(services.NewWebSocketHubService(hub))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	err = tree.Serve(ctx)

Service wrappers live in the services subpackage.
*/
package supervisor
