// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package models

import "time"

// AggregateType names the entity stream a DomainEvent belongs to.
type AggregateType string

const (
	AggregateMessage      AggregateType = "message"
	AggregateConversation AggregateType = "conversation"
	AggregateUser         AggregateType = "user"
)

// EventKind is the closed set of domain event types. The wire strings are
// stored in domain_events.event_type and must not change.
type EventKind string

const (
	KindMessageCreated                  EventKind = "message_created"
	KindMessageUpdated                  EventKind = "message_updated"
	KindMessageDeleted                  EventKind = "message_deleted"
	KindMessageAcknowledged             EventKind = "message_acknowledged"
	KindBulkMessageDeleted              EventKind = "bulk_message_deleted"
	KindDMConversationCreated           EventKind = "dm_conversation_created"
	KindGroupConversationCreated        EventKind = "group_conversation_created"
	KindConversationCreatedAcknowledged EventKind = "conversation_created_acknowledged"
	KindGroupConversationUpdated        EventKind = "group_conversation_updated"
	KindGroupConversationUpdatedAck     EventKind = "group_conversation_updated_acknowledged"
	KindConversationDeleted             EventKind = "conversation_deleted"
	KindConversationDeletedAcknowledged EventKind = "conversation_deleted_acknowledged"
	KindParticipantAdded                EventKind = "participant_added"
	KindParticipantAddedAcknowledged    EventKind = "participant_added_acknowledged"
	KindParticipantRemoved              EventKind = "participant_removed"
	KindParticipantRemovedAcknowledged  EventKind = "participant_removed_acknowledged"
	KindMultipleParticipantAdded        EventKind = "multiple_participant_added"
	KindMultipleParticipantAddedAck     EventKind = "multiple_participant_added_acknowledged"
	KindMarkThreadRead                  EventKind = "mark_thread_read"
	KindMarkThreadReadAcknowledged      EventKind = "mark_thread_read_acknowledged"
	KindReactionAdded                   EventKind = "reaction_added"
	KindReactionRemoved                 EventKind = "reaction_removed"
	KindAttachmentAdded                 EventKind = "attachment_added"
	KindAttachmentRemoved               EventKind = "attachment_removed"
	KindUserProfileUpdated              EventKind = "user_profile_updated"
)

// PersistableKinds are the kinds that become domain_events rows, in a stable order.
var PersistableKinds = []EventKind{
	KindMessageCreated,
	KindMessageUpdated,
	KindMessageDeleted,
	KindBulkMessageDeleted,
	KindDMConversationCreated,
	KindGroupConversationCreated,
	KindGroupConversationUpdated,
	KindConversationDeleted,
	KindParticipantAdded,
	KindParticipantRemoved,
	KindMultipleParticipantAdded,
	KindMarkThreadRead,
	KindReactionAdded,
	KindReactionRemoved,
	KindAttachmentAdded,
	KindAttachmentRemoved,
	KindUserProfileUpdated,
}

// Aggregate returns the aggregate stream of a persistable kind, or "" for
// acknowledgment vocabulary.
func (k EventKind) Aggregate() AggregateType {
	switch k {
	case KindMessageCreated, KindMessageUpdated, KindMessageDeleted, KindBulkMessageDeleted,
		KindReactionAdded, KindReactionRemoved, KindAttachmentAdded, KindAttachmentRemoved:
		return AggregateMessage
	case KindDMConversationCreated, KindGroupConversationCreated, KindGroupConversationUpdated,
		KindConversationDeleted, KindParticipantAdded, KindParticipantRemoved,
		KindMultipleParticipantAdded, KindMarkThreadRead:
		return AggregateConversation
	case KindUserProfileUpdated:
		return AggregateUser
	case KindMessageAcknowledged, KindConversationCreatedAcknowledged, KindGroupConversationUpdatedAck,
		KindConversationDeletedAcknowledged, KindParticipantAddedAcknowledged,
		KindParticipantRemovedAcknowledged, KindMultipleParticipantAddedAck,
		KindMarkThreadReadAcknowledged:
		return ""
	}
	return ""
}

// Persistable reports whether k may be stored as a DomainEvent.
func (k EventKind) Persistable() bool {
	return k.Aggregate() != ""
}

// IsConversationKind reports whether k is fanned out by the conversation dispatcher.
func (k EventKind) IsConversationKind() bool {
	return k.Aggregate() == AggregateConversation
}

// DomainEvent is an immutable fact with a denormalized payload snapshot.
// Only Published and PublishedAt ever change after insert.
type DomainEvent struct {
	ID            int64
	AggregateType AggregateType
	AggregateID   int64
	Kind          EventKind
	ThreadID      int64
	Payload       EventPayload
	// Recipients is the audience fixed when the event was appended. It is
	// nil for events stored before audiences were recorded.
	Recipients    []int64
	Published     bool
	PublishedAt   *time.Time
	CreatedAt     time.Time
}

// EventRef is the client-facing summary of an event. Clients dedupe and
// acknowledge by ID.
type EventRef struct {
	ID            int64         `json:"id"`
	Type          EventKind     `json:"event_type"`
	AggregateType AggregateType `json:"aggregate_type"`
	AggregateID   int64         `json:"aggregate_id"`
	ThreadID      int64         `json:"thread_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Ref returns the client-facing summary.
func (e *DomainEvent) Ref() EventRef {
	return EventRef{
		ID:            e.ID,
		Type:          e.Kind,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		ThreadID:      e.ThreadID,
		CreatedAt:     e.CreatedAt,
	}
}

// ActorID returns the user who caused the event, taken from the payload.
func (e *DomainEvent) ActorID() int64 {
	if e.Payload == nil {
		return 0
	}
	return e.Payload.Actor()
}

// DeliveryState is derived from the delivery timestamps.
type DeliveryState string

const (
	DeliveryPending      DeliveryState = "pending"
	DeliveryDelivered    DeliveryState = "delivered"
	DeliveryAcknowledged DeliveryState = "acknowledged"
)

// DeliveryStatus tracks one event for one recipient. Unique on (UserID, DomainEventID).
type DeliveryStatus struct {
	ID               int64      `json:"id"`
	DomainEventID    int64      `json:"domain_event_id"`
	UserID           int64      `json:"user_id"`
	ThreadID         int64      `json:"thread_id"`
	DeliveryAttempts int        `json:"delivery_attempts"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	AckAt            *time.Time `json:"ack_at,omitempty"`
	LastAttemptedAt  *time.Time `json:"last_attempted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// State returns pending, delivered or acknowledged.
func (d *DeliveryStatus) State() DeliveryState {
	switch {
	case d.DeliveredAt == nil:
		return DeliveryPending
	case d.AckAt == nil:
		return DeliveryDelivered
	default:
		return DeliveryAcknowledged
	}
}

// LastActivity is the time the retry backoff is measured from.
func (d *DeliveryStatus) LastActivity() time.Time {
	if d.LastAttemptedAt != nil {
		return *d.LastAttemptedAt
	}
	return d.CreatedAt
}
