// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

/*
Package dispatch turns intents into persisted mutations, domain events and
tracked deliveries.

Every aggregate dispatcher runs the same Pipeline:

 1. re-resolve the actor and targets from the store, authorize, mutate and
    append the event (published=false) in one transaction;
 2. create one delivery row per recipient and set published=true in a
    second transaction;
 3. emit the rendered event along its routes;
 4. record one attempt per recipient, delivered or not.

Business failures (not found, not a participant, not the owner, invalid
request) reach the actor as an error event and the intent is acknowledged.
Infrastructure failures are returned, which dead-letters the intent without
requeue. Redelivery is never driven by the broker: the RetryWorker and the
Sweeper repair state from the delivery rows.

Aggregate ids: message, reaction and attachment events use the message id,
bulk deletes use the sender id, conversation events use the conversation id
and profile updates use the user id.

Bindings:

	event.message.>        MessageDispatcher
	event.conversation.>   ConversationDispatcher
	event.user.>           UserDispatcher
	event.*...acknowledged AckDispatcher
	event.retry.>          RetryWorker
*/
package dispatch
