// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

/*
Package handlers turns inbound websocket client events into intents.

A Session is created for every authenticated connection by Connector.Connect.
It routes each frame by its type through a Registry to a per-aggregate
handler (messages, reactions, attachments, conversations, threads, profile
and acknowledgments). A handler:

 1. decodes and validates the frame payload;
 2. checks membership, role and ownership against the store (read only);
 3. publishes exactly one intent under the routing key of the action.

A failed check publishes nothing and sends one "error" event to the calling
connection only. Handlers never write domain events or delivery rows; that is
the dispatchers' job.

Catch-up (open_thread) is the one read path that emits directly: it pushes
pending_messages_of_thread and pending_reactions_of_thread to the caller's
personal room, and asks the retry worker to redeliver the caller's stale rows
for the thread.

Every "<client event>_acknowledged" frame that has no explicit handler is
forwarded to its acknowledgment subject.
*/
package handlers
