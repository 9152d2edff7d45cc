// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/models"
)

// AckHandler forwards client acknowledgments to their acknowledgment
// subject. Whether the event exists and belongs to the caller is decided by
// the acknowledgment dispatcher against stored delivery rows.
type AckHandler struct{}

func NewAckHandler() *AckHandler { return &AckHandler{} }

// Register adds the two acknowledgment names whose subject is not derived
// from the event name. Every other <event>_acknowledged name is resolved by
// Registry.Lookup.
func (h *AckHandler) Register(r *Registry) {
	r.Handle(string(models.KindMessageAcknowledged), h.forward(models.KeyMessageAcknowledged))
	r.Handle(string(models.KindConversationCreatedAcknowledged), h.forward(models.KeyConversationCreatedAck))
}

// ackFrame accepts {"event_id": n} or the emitted envelope {"event": {"id": n}}.
type ackFrame struct {
	EventID int64 `json:"event_id"`
	Event   *struct {
		ID int64 `json:"id"`
	} `json:"event,omitempty"`
}

func (h *AckHandler) forward(key string) HandlerFunc {
	return func(ctx context.Context, s *Session, data json.RawMessage) error {
		var f ackFrame
		if err := decode(data, &f); err != nil {
			return err
		}
		req := broker.AckIntent{EventID: f.EventID}
		if req.EventID == 0 && f.Event != nil {
			req.EventID = f.Event.ID
		}
		return s.publish(ctx, key, &req)
	}
}
