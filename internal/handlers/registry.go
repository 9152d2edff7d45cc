// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"context"
	"sort"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/models"
)

// HandlerFunc handles the payload of one client event for s.
type HandlerFunc func(ctx context.Context, s *Session, data json.RawMessage) error

// Registry maps client event names to handlers.
type Registry struct {
	handlers map[string]HandlerFunc
	acks     *AckHandler
}

// NewRegistry registers every aggregate handler.
func NewRegistry(deps *Deps) *Registry {
	r := &Registry{handlers: make(map[string]HandlerFunc), acks: NewAckHandler()}
	NewMessageHandler().Register(r)
	NewReactionHandler().Register(r)
	NewAttachmentHandler().Register(r)
	NewConversationHandler().Register(r)
	NewThreadHandler(NewCatchup(deps)).Register(r)
	NewUserHandler().Register(r)
	r.acks.Register(r)
	return r
}

// Handle registers h for event, replacing any previous handler.
func (r *Registry) Handle(event string, h HandlerFunc) {
	r.handlers[event] = h
}

// Lookup returns the handler of event. Acknowledgment names without an
// explicit handler are forwarded to their acknowledgment subject.
func (r *Registry) Lookup(event string) (HandlerFunc, bool) {
	if h, ok := r.handlers[event]; ok {
		return h, true
	}
	if key, ok := models.AckRoutingKeyForClientEvent(event); ok {
		return r.acks.forward(key), true
	}
	return nil, false
}

// Events returns the explicitly registered event names, sorted.
func (r *Registry) Events() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
