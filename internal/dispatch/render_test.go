// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"errors"
	"testing"

	"github.com/tomtom215/threadline/internal/models"
)

func samplePayload(kind models.EventKind) models.EventPayload {
	conv := models.Conversation{ID: 4, Type: models.ConversationGroup, Name: "team", CreatedBy: 1}
	msg := models.Message{ID: 9, ConversationID: 4, SenderID: 1}
	switch kind {
	case models.KindMessageCreated, models.KindMessageUpdated, models.KindMessageDeleted:
		return models.MessagePayload{Thread: conv, Message: msg}
	case models.KindBulkMessageDeleted:
		return models.BulkMessagePayload{Thread: conv, SenderID: 1, Messages: []models.Message{msg}}
	case models.KindDMConversationCreated, models.KindGroupConversationCreated,
		models.KindGroupConversationUpdated, models.KindConversationDeleted:
		return models.ConversationPayload{Conversation: conv, ActorID: 1}
	case models.KindParticipantAdded, models.KindParticipantRemoved, models.KindMultipleParticipantAdded:
		return models.ParticipantsPayload{Conversation: conv, ActorID: 1}
	case models.KindMarkThreadRead:
		return models.ThreadOffsetPayload{Conversation: conv, Offset: models.ThreadOffset{ConversationID: 4, UserID: 1}}
	case models.KindReactionAdded, models.KindReactionRemoved:
		return models.ReactionPayload{Thread: conv, Reaction: models.Reaction{ID: 2, MessageID: 9, UserID: 1}}
	case models.KindAttachmentAdded, models.KindAttachmentRemoved:
		return models.AttachmentsPayload{Thread: conv, Message: msg, ActorID: 1}
	case models.KindUserProfileUpdated:
		return models.UserPayload{User: models.User{ID: 1}}
	}
	return nil
}

func TestRender_EveryKind(t *testing.T) {
	t.Parallel()

	for _, kind := range models.PersistableKinds {
		ev := &models.DomainEvent{ID: 3, Kind: kind, AggregateType: kind.Aggregate(), Payload: samplePayload(kind)}
		out, err := Render(ev)
		if err != nil {
			t.Errorf("Render(%s) error = %v", kind, err)
			continue
		}
		if out.Event.ID != 3 || out.Event.Type != kind {
			t.Errorf("Render(%s) ref = %+v", kind, out.Event)
		}
		if kind == models.KindUserProfileUpdated {
			if out.User == nil {
				t.Errorf("Render(%s) has no user", kind)
			}
		} else if out.Thread == nil || out.Thread.ID != 4 {
			t.Errorf("Render(%s) thread = %+v", kind, out.Thread)
		}
	}
}

func TestRender_PayloadMismatch(t *testing.T) {
	t.Parallel()

	ev := &models.DomainEvent{Kind: models.KindReactionAdded, Payload: models.UserPayload{}}
	if _, err := Render(ev); !errors.Is(err, models.ErrPayloadMismatch) {
		t.Errorf("Render() error = %v, want ErrPayloadMismatch", err)
	}
	ev = &models.DomainEvent{Kind: models.KindMessageAcknowledged, Payload: models.MessagePayload{}}
	if _, err := Render(ev); !errors.Is(err, models.ErrUnknownKind) {
		t.Errorf("Render() error = %v, want ErrUnknownKind", err)
	}
}

func TestEventNameFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind   models.EventKind
		user   int64
		expect string
	}{
		{models.KindMessageCreated, 1, "message_created"},
		{models.KindMessageCreated, 2, "message_created"},
		{models.KindParticipantAdded, 1, "participant_added_notification"},
		{models.KindParticipantAdded, 2, "participant_added"},
		{models.KindMarkThreadRead, 1, "marked_thread_read_notification"},
		{models.KindDMConversationCreated, 1, "conversation_dm_created"},
	}
	for _, tt := range tests {
		ev := &models.DomainEvent{Kind: tt.kind, Payload: samplePayload(tt.kind)}
		if got := EventNameFor(ev, tt.user); got != tt.expect {
			t.Errorf("EventNameFor(%s, %d) = %q, want %q", tt.kind, tt.user, got, tt.expect)
		}
	}
}
