// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package models

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// EventPayload is the closed union of event snapshots. Only the variants in
// this file implement it.
type EventPayload interface {
	// Actor is the user who caused the event.
	Actor() int64
	isEventPayload()
}

// MessagePayload backs message_created, message_updated and message_deleted.
type MessagePayload struct {
	Thread  Conversation `json:"thread"`
	Message Message      `json:"message"`
}

// BulkMessagePayload backs bulk_message_deleted.
type BulkMessagePayload struct {
	Thread   Conversation `json:"thread"`
	SenderID int64        `json:"sender_id"`
	Messages []Message    `json:"messages"`
}

// ConversationPayload backs conversation created, updated and deleted.
type ConversationPayload struct {
	Conversation Conversation  `json:"conversation"`
	Participants []Participant `json:"participants"`
	ActorID      int64         `json:"actor_id"`
}

// ParticipantsPayload backs participant added, removed and multiple added.
// Participants are the affected memberships, not the whole roster.
type ParticipantsPayload struct {
	Conversation Conversation  `json:"conversation"`
	Participants []Participant `json:"participants"`
	ActorID      int64         `json:"actor_id"`
}

// ThreadOffsetPayload backs mark_thread_read.
type ThreadOffsetPayload struct {
	Conversation Conversation `json:"conversation"`
	Offset       ThreadOffset `json:"offset"`
}

// ReactionPayload backs reaction_added and reaction_removed.
type ReactionPayload struct {
	Thread   Conversation `json:"thread"`
	Reaction Reaction     `json:"reaction"`
}

// AttachmentsPayload backs attachment_added and attachment_removed.
type AttachmentsPayload struct {
	Thread      Conversation `json:"thread"`
	Message     Message      `json:"message"`
	Attachments []Attachment `json:"attachments"`
	ActorID     int64        `json:"actor_id"`
}

// UserPayload backs user_profile_updated.
type UserPayload struct {
	User User `json:"user"`
}

func (p MessagePayload) Actor() int64      { return p.Message.SenderID }
func (p BulkMessagePayload) Actor() int64  { return p.SenderID }
func (p ConversationPayload) Actor() int64 { return p.ActorID }
func (p ParticipantsPayload) Actor() int64 { return p.ActorID }
func (p ThreadOffsetPayload) Actor() int64 { return p.Offset.UserID }
func (p ReactionPayload) Actor() int64     { return p.Reaction.UserID }
func (p AttachmentsPayload) Actor() int64  { return p.ActorID }
func (p UserPayload) Actor() int64         { return p.User.ID }

func (MessagePayload) isEventPayload()      {}
func (BulkMessagePayload) isEventPayload()  {}
func (ConversationPayload) isEventPayload() {}
func (ParticipantsPayload) isEventPayload() {}
func (ThreadOffsetPayload) isEventPayload() {}
func (ReactionPayload) isEventPayload()     {}
func (AttachmentsPayload) isEventPayload()  {}
func (UserPayload) isEventPayload()         {}

var (
	// ErrUnknownKind is returned for an event_type outside the persistable set.
	ErrUnknownKind = errors.New("unknown event kind")

	// ErrPayloadMismatch is returned when a payload variant does not belong to the kind.
	ErrPayloadMismatch = errors.New("payload variant does not match event kind")
)

// CheckPayload verifies that p is the variant kind requires.
func CheckPayload(kind EventKind, p EventPayload) error {
	var ok bool
	switch kind {
	case KindMessageCreated, KindMessageUpdated, KindMessageDeleted:
		_, ok = p.(MessagePayload)
	case KindBulkMessageDeleted:
		_, ok = p.(BulkMessagePayload)
	case KindDMConversationCreated, KindGroupConversationCreated, KindGroupConversationUpdated, KindConversationDeleted:
		_, ok = p.(ConversationPayload)
	case KindParticipantAdded, KindParticipantRemoved, KindMultipleParticipantAdded:
		_, ok = p.(ParticipantsPayload)
	case KindMarkThreadRead:
		_, ok = p.(ThreadOffsetPayload)
	case KindReactionAdded, KindReactionRemoved:
		_, ok = p.(ReactionPayload)
	case KindAttachmentAdded, KindAttachmentRemoved:
		_, ok = p.(AttachmentsPayload)
	case KindUserProfileUpdated:
		_, ok = p.(UserPayload)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if !ok {
		return fmt.Errorf("%w: %s with %T", ErrPayloadMismatch, kind, p)
	}
	return nil
}

type payloadEnvelope struct {
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes p as {"kind": ..., "data": {...}}.
func EncodePayload(kind EventKind, p EventPayload) ([]byte, error) {
	if err := CheckPayload(kind, p); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return json.Marshal(payloadEnvelope{Kind: kind, Data: data})
}

// DecodePayload parses an encoded payload back into its variant.
func DecodePayload(b []byte) (EventKind, EventPayload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal payload envelope: %w", err)
	}

	var (
		p   EventPayload
		err error
	)
	switch env.Kind {
	case KindMessageCreated, KindMessageUpdated, KindMessageDeleted:
		p, err = decodeAs[MessagePayload](env.Data)
	case KindBulkMessageDeleted:
		p, err = decodeAs[BulkMessagePayload](env.Data)
	case KindDMConversationCreated, KindGroupConversationCreated, KindGroupConversationUpdated, KindConversationDeleted:
		p, err = decodeAs[ConversationPayload](env.Data)
	case KindParticipantAdded, KindParticipantRemoved, KindMultipleParticipantAdded:
		p, err = decodeAs[ParticipantsPayload](env.Data)
	case KindMarkThreadRead:
		p, err = decodeAs[ThreadOffsetPayload](env.Data)
	case KindReactionAdded, KindReactionRemoved:
		p, err = decodeAs[ReactionPayload](env.Data)
	case KindAttachmentAdded, KindAttachmentRemoved:
		p, err = decodeAs[AttachmentsPayload](env.Data)
	case KindUserProfileUpdated:
		p, err = decodeAs[UserPayload](env.Data)
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return "", nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return env.Kind, p, nil
}

func decodeAs[T EventPayload](data json.RawMessage) (EventPayload, error) {
	var v T
	if len(data) == 0 {
		return nil, errors.New("empty payload data")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
