// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"testing"

	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/models"
)

func TestAckHandler_Forwards(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, _ := f.open(2, "yasmin")

	tests := []struct {
		event string
		data  any
		key   string
	}{
		{"message_acknowledged", map[string]any{"event_id": 7}, models.KeyMessageAcknowledged},
		{"message_acknowledged", map[string]any{"event": map[string]any{"id": 7}}, models.KeyMessageAcknowledged},
		{"conversation_created_acknowledged", map[string]any{"event_id": 7}, models.KeyConversationCreatedAck},
		{"reaction_added_acknowledged", map[string]any{"event_id": 7}, models.KeyReactionAdded + models.AckSuffix},
		{"participant_added_notification_acknowledged", map[string]any{"event_id": 7}, models.KeyParticipantAdded + models.AckSuffix},
	}
	for _, tt := range tests {
		if !f.send(s, tt.event, tt.data) {
			t.Errorf("%s rejected", tt.event)
			continue
		}
		published := f.publisher.take()
		if len(published) != 1 || published[0].RoutingKey != tt.key {
			t.Errorf("%s: published %d intents", tt.event, len(published))
			continue
		}
		var req broker.AckIntent
		if err := published[0].Decode(&req); err != nil || req.EventID != 7 {
			t.Errorf("%s: payload = %+v, %v", tt.event, req, err)
		}
	}

	// Neither event_id nor event.id: rejected at the gateway, nothing published.
	s, conn := f.open(3, "zoe")
	for _, data := range []any{map[string]any{}, map[string]any{"event": map[string]any{}}, map[string]any{"event_id": 0}} {
		if f.send(s, "message_acknowledged", data) {
			t.Errorf("acknowledgment %v accepted", data)
		}
		if e, ok := conn.lastError(); !ok || e.Code != models.CodeInvalidRequest {
			t.Errorf("acknowledgment %v: error = %+v", data, e)
		}
	}
	if keys := f.publisher.keys(); len(keys) != 0 {
		t.Errorf("published %v", keys)
	}
}

// The forwarded acknowledgment stamps the caller's delivery row.
func TestAckHandler_EndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	thread := f.group(1, 2)
	x, _ := f.open(1, "xavier")
	y, _ := f.open(2, "yasmin")

	f.send(x, "create_message", broker.CreateMessageIntent{ThreadID: thread.ID, Content: models.MessageContent{"text": "ack me"}})
	f.flush()
	msg, _ := f.store.LastMessage(f.ctx, thread.ID)
	ev, err := f.store.FindEventByAggregate(f.ctx, models.AggregateMessage, msg.ID, models.KindMessageCreated)
	if err != nil {
		t.Fatalf("FindEventByAggregate() error = %v", err)
	}

	if !f.send(y, "message_acknowledged", map[string]any{"event_id": ev.ID}) {
		t.Fatal("message_acknowledged rejected")
	}
	f.flush()
	if d, _ := f.store.GetDelivery(f.ctx, ev.ID, 2); d.AckAt == nil {
		t.Errorf("delivery not acknowledged: %+v", d)
	}
	if d, _ := f.store.GetDelivery(f.ctx, ev.ID, 1); d.AckAt != nil {
		t.Errorf("sender row acknowledged: %+v", d)
	}
}
