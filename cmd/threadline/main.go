// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

// Package main is the threadline command.
//
// Threadline is a chat backend in two roles. The gateway accepts websocket
// connections, authorizes client events and publishes them as intents. The
// dispatcher consumes intents, persists them with their domain event and
// delivery rows, and fans the result out to the realtime rooms.
//
// # Commands
//
//	threadline serve      gateway: HTTP API, /ws endpoint, hub, catch-up
//	threadline dispatch   dispatchers, retry worker and repair sweeps
//	threadline all        both roles in one process
//	threadline migrate    apply the relational schema and exit
//	threadline token      sign a development bearer token
//	threadline version    print build information
//
// # Startup order
//
//  1. Configuration: koanf defaults, config file, THREADLINE_ environment
//  2. Logging: zerolog from the logging section
//  3. Store: postgres, duckdb or memory
//  4. Broker: embedded nats-server (optional), connection, stream
//  5. Publisher: circuit-broken intent publisher, wrapped by the WAL when enabled
//  6. Supervisor tree: role services in the data, messaging and api layers
//
// SIGINT and SIGTERM cancel the tree; services stop in reverse layer order
// and shared connections close last.
//
// # Example
//
//	export THREADLINE_SECURITY_JWT_SECRET=$(openssl rand -base64 32)
//	threadline migrate
//	threadline all
//	threadline token --user 1 --username alice
package main

func main() {
	Execute()
}
