// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

/*
Package broker carries intents between the gateway and the dispatchers over
NATS JetStream, using Watermill for publishing, subscribing and routing.

# Topology

A single stream (THREADLINE by default) captures every intent subject:

	event.>       intents published by request handlers, sweeps and catch-up
	deadletter.>  intents whose dispatcher failed

The subject of an intent is its routing key (event.message.created,
event.conversation.participant.removed.acknowledged, ...). Dispatchers
consume through durable queue consumers, one per Binding:

	message       event.message.>
	conversation  event.conversation.>
	user          event.user.>
	retry         event.retry.>
	ack-1..ack-4  event.*.acknowledged ... event.*.*.*.*.acknowledged

Every dispatcher instance shares the same durable consumer per binding, so an
intent is handled by one instance at a time.

# Failure Semantics

Consumers use MaxDeliver(1) and the Router has no retry middleware. A handler
error routes the intent to deadletter.intents through the PoisonQueue
middleware and the original is acknowledged: the broker never redelivers a
half-processed intent. Repair happens at the application level from delivery
rows.

# Publishing

Publisher sets Nats-Msg-Id to the intent id, so JetStream drops duplicates
inside the stream's duplicate window. DurablePublisher writes the intent to the
badger WAL first and confirms it after the broker acknowledged the publish;
unconfirmed intents are republished by the WAL retry loop.

# Usage

	pub, err := broker.NewPublisher(broker.PublisherConfigFrom(cfg.NATS), logging.NewWatermillAdapter())
	if err != nil {
	    return err
	}
	in, err := broker.NewIntent(ctx, broker.Actor{ID: p.UserID, Username: p.Username}, &broker.CreateMessageIntent{...})
	if err != nil {
	    return err
	}
	return pub.Publish(ctx, models.KeyMessageCreated, in)
*/
package broker
