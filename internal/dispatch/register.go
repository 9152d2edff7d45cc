// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/threadline/internal/broker"
)

// Dispatchers are the intent handlers of one dispatcher process.
type Dispatchers struct {
	Message      *MessageDispatcher
	Conversation *ConversationDispatcher
	User         *UserDispatcher
	Ack          *AckDispatcher
	Retry        *RetryWorker
}

// NewDispatchers builds every handler on p.
func NewDispatchers(p *Pipeline) *Dispatchers {
	return &Dispatchers{
		Message:      NewMessageDispatcher(p),
		Conversation: NewConversationDispatcher(p),
		User:         NewUserDispatcher(p),
		Ack:          NewAckDispatcher(p.deps.Store, p.deps.Now),
		Retry:        NewRetryWorker(p),
	}
}

// SubscriberFactory opens the durable subscriber of one binding.
type SubscriberFactory func(b broker.Binding) (message.Subscriber, error)

// Handlers pairs every binding with the handler that consumes it.
func (d *Dispatchers) Handlers() map[broker.Binding]broker.IntentHandler {
	handlers := map[broker.Binding]broker.IntentHandler{
		broker.BindingMessage:      d.Message.Handle,
		broker.BindingConversation: d.Conversation.Handle,
		broker.BindingUser:         d.User.Handle,
		broker.BindingRetry:        d.Retry.Handle,
	}
	for _, b := range broker.AckBindings {
		handlers[b] = d.Ack.Handle
	}
	return handlers
}

// Register adds one handler per binding to r. The returned subscribers are
// owned by the caller.
func (d *Dispatchers) Register(r *broker.Router, subscribe SubscriberFactory) ([]message.Subscriber, error) {
	var subs []message.Subscriber
	for b, h := range d.Handlers() {
		sub, err := subscribe(b)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return nil, fmt.Errorf("subscribe %s: %w", b.Name, err)
		}
		subs = append(subs, sub)
		r.AddIntentHandler(b.Name, b.Pattern, sub, h)
	}
	return subs, nil
}
