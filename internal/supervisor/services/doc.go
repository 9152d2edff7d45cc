// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

/*
Package services adapts threadline components to suture.Service.

Each wrapper translates a component's lifecycle into
Serve(ctx context.Context) error and names itself through fmt.Stringer
for supervisor logs:

  - HTTPServerService: ListenAndServe with graceful Shutdown
  - WebSocketHubService: the hub's RunWithContext loop
  - LifecycleService: Start/Stop components (WAL retry loop, WAL
    compactor, Redis and NATS emit bridges)
  - RouterService: the dispatch router, rebuilt on every restart

The sweeper implements suture.Service itself and is added to the tree
directly.
*/
package services
