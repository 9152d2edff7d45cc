// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"fmt"

	"github.com/tomtom215/threadline/internal/models"
)

// EventMessage is the data of every event-carrying client message. Fields
// that do not apply to the kind are omitted.
type EventMessage struct {
	Event        models.EventRef      `json:"event"`
	Thread       *models.Conversation `json:"thread,omitempty"`
	Message      *models.Message      `json:"message,omitempty"`
	Messages     []models.Message     `json:"messages,omitempty"`
	Participants []models.Participant `json:"participants,omitempty"`
	Reaction     *models.Reaction     `json:"reaction,omitempty"`
	Attachments  []models.Attachment  `json:"attachments,omitempty"`
	Offset       *models.ThreadOffset `json:"offset,omitempty"`
	User         *models.User         `json:"user,omitempty"`
}

// ThreadSignal is the data of join_thread and leave_thread.
type ThreadSignal struct {
	Thread models.Conversation `json:"thread"`
}

// Render builds the client payload of e from its snapshot. The switch is
// exhaustive over the persistable kinds; a kind whose payload variant does
// not match is an error.
func Render(e *models.DomainEvent) (EventMessage, error) {
	out := EventMessage{Event: e.Ref()}
	if err := models.CheckPayload(e.Kind, e.Payload); err != nil {
		return out, err
	}

	switch e.Kind {
	case models.KindMessageCreated, models.KindMessageUpdated, models.KindMessageDeleted:
		p := e.Payload.(models.MessagePayload)
		out.Thread, out.Message = &p.Thread, &p.Message
	case models.KindBulkMessageDeleted:
		p := e.Payload.(models.BulkMessagePayload)
		out.Thread, out.Messages = &p.Thread, p.Messages
	case models.KindDMConversationCreated, models.KindGroupConversationCreated,
		models.KindGroupConversationUpdated, models.KindConversationDeleted:
		p := e.Payload.(models.ConversationPayload)
		out.Thread, out.Participants = &p.Conversation, p.Participants
	case models.KindParticipantAdded, models.KindParticipantRemoved, models.KindMultipleParticipantAdded:
		p := e.Payload.(models.ParticipantsPayload)
		out.Thread, out.Participants = &p.Conversation, p.Participants
	case models.KindMarkThreadRead:
		p := e.Payload.(models.ThreadOffsetPayload)
		out.Thread, out.Offset = &p.Conversation, &p.Offset
	case models.KindReactionAdded, models.KindReactionRemoved:
		p := e.Payload.(models.ReactionPayload)
		out.Thread, out.Reaction = &p.Thread, &p.Reaction
	case models.KindAttachmentAdded, models.KindAttachmentRemoved:
		p := e.Payload.(models.AttachmentsPayload)
		out.Thread, out.Message, out.Attachments = &p.Thread, &p.Message, p.Attachments
	case models.KindUserProfileUpdated:
		p := e.Payload.(models.UserPayload)
		out.User = &p.User
	default:
		return out, fmt.Errorf("%w: %q", models.ErrUnknownKind, e.Kind)
	}
	return out, nil
}

// EventNameFor is the client event name userID receives for e. The actor of
// a conversation change gets the notification variant.
func EventNameFor(e *models.DomainEvent, userID int64) string {
	if userID == e.ActorID() {
		if n := models.NotificationName(e.Kind); n != "" {
			return n
		}
	}
	return models.ClientEventName(e.Kind)
}
