// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

/*
Package websocket is the realtime layer: connections, rooms and room emits.

Key Components:

  - Hub: owns connected clients and room membership; fans a room emit out to
    the local members of that room
  - Client: one authenticated gorilla/websocket connection with a read and a
    write goroutine and a per-connection inbound rate limit
  - Endpoint: the HTTP upgrade handler that creates clients and their sessions
  - Emitter: Emit(ctx, room, event, data); LocalEmitter, RedisEmitter and
    NATSEmitter
  - RedisBridge and NATSBridge: deliver emits published by any instance to
    the local hub

Rooms:

	user-{id}    every connection of one user
	thread-{id}  every connection currently joined to a conversation

Architecture:

	dispatcher ──Emit──► Redis / NATS ──bridge──► Hub ──► Client ──► socket
	                                     (every gateway instance)

With EmitterLocal the dispatcher and the hub share a process and Emit goes
straight to the hub.

Frames:

Inbound frames are {"type", "data", "ack_id"}; outbound are {"type", "data"}.
Frames are handed to the client's FrameHandler one at a time, in arrival
order. "ping" is answered with "pong" without reaching the handler. A frame
over the rate limit gets an "error" event with code invalid_request.

Thread Safety:

Hub state is mutated only on the RunWithContext goroutine. Join and Leave
block until applied, so an emit issued after Join returns reaches the client.
*/
package websocket
