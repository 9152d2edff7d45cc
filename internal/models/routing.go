// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package models

import (
	"strconv"
	"strings"
)

// Routing keys. These are broker subjects and part of the wire contract.
const (
	KeyMessageCreated         = "event.message.created"
	KeyMessageUpdated         = "event.message.updated"
	KeyMessageDeleted         = "event.message.deleted"
	KeyMessageBulkDeleted     = "event.message.bulk.deleted"
	KeyMessageAcknowledged    = "event.message.acknowledged"
	KeyReactionAdded          = "event.message.reaction.added"
	KeyReactionRemoved        = "event.message.reaction.removed"
	KeyAttachmentAdded        = "event.message.attachment.added"
	KeyAttachmentRemoved      = "event.message.attachment.removed"
	KeyConversationCreatedDM  = "event.conversation.created.dm"
	KeyConversationCreatedGrp = "event.conversation.created.group"
	KeyConversationCreatedAck = "event.conversation.created.acknowledged"
	KeyConversationUpdatedGrp = "event.conversation.updated.group"
	KeyConversationDeleted    = "event.conversation.deleted"
	KeyParticipantAdded       = "event.conversation.participant.added"
	KeyParticipantRemoved     = "event.conversation.participant.removed"
	KeyParticipantMultipleAdd = "event.conversation.participant.multiple.added"
	KeyThreadRead             = "event.conversation.thread.read"
	KeyUserProfileUpdated     = "event.user.profile.updated"
	KeyRetryMessage           = "event.retry.message"

	// AckSuffix ends every acknowledgment subject.
	AckSuffix = ".acknowledged"

	// DeadLetterSubject receives intents whose handler failed.
	DeadLetterSubject = "deadletter.intents"
)

const (
	acknowledgedClientSuffix = "_acknowledged"
	notificationClientSuffix = "_notification"
	userRoomPrefix           = "user-"
	threadRoomPrefix         = "thread-"
)

var routingKeys = map[EventKind]string{
	KindMessageCreated:           KeyMessageCreated,
	KindMessageUpdated:           KeyMessageUpdated,
	KindMessageDeleted:           KeyMessageDeleted,
	KindBulkMessageDeleted:       KeyMessageBulkDeleted,
	KindReactionAdded:            KeyReactionAdded,
	KindReactionRemoved:          KeyReactionRemoved,
	KindAttachmentAdded:          KeyAttachmentAdded,
	KindAttachmentRemoved:        KeyAttachmentRemoved,
	KindDMConversationCreated:    KeyConversationCreatedDM,
	KindGroupConversationCreated: KeyConversationCreatedGrp,
	KindGroupConversationUpdated: KeyConversationUpdatedGrp,
	KindConversationDeleted:      KeyConversationDeleted,
	KindParticipantAdded:         KeyParticipantAdded,
	KindParticipantRemoved:       KeyParticipantRemoved,
	KindMultipleParticipantAdded: KeyParticipantMultipleAdd,
	KindMarkThreadRead:           KeyThreadRead,
	KindUserProfileUpdated:       KeyUserProfileUpdated,
}

var kindsByRoutingKey = func() map[string]EventKind {
	m := make(map[string]EventKind, len(routingKeys))
	for k, v := range routingKeys {
		m[v] = k
	}
	return m
}()

// RoutingKey returns the intent subject for a persistable kind.
func RoutingKey(kind EventKind) (string, bool) {
	k, ok := routingKeys[kind]
	return k, ok
}

// KindForRoutingKey maps an intent subject back to its kind.
func KindForRoutingKey(key string) (EventKind, bool) {
	k, ok := kindsByRoutingKey[key]
	return k, ok
}

// AckRoutingKey returns the acknowledgment subject for a persistable kind:
// event.message.acknowledged for message_created, <key>.acknowledged otherwise.
func AckRoutingKey(kind EventKind) (string, bool) {
	if kind == KindMessageCreated {
		return KeyMessageAcknowledged, true
	}
	k, ok := routingKeys[kind]
	if !ok {
		return "", false
	}
	return k + AckSuffix, true
}

// IsAckRoutingKey reports whether key is acknowledgment vocabulary.
func IsAckRoutingKey(key string) bool {
	return strings.HasSuffix(key, AckSuffix)
}

// KindsForAckRoutingKey returns the event kinds an acknowledgment subject may
// refer to. event.conversation.created.acknowledged covers both creation kinds.
func KindsForAckRoutingKey(key string) []EventKind {
	switch key {
	case KeyMessageAcknowledged:
		return []EventKind{KindMessageCreated}
	case KeyConversationCreatedAck:
		return []EventKind{KindDMConversationCreated, KindGroupConversationCreated}
	}
	if !IsAckRoutingKey(key) {
		return nil
	}
	if k, ok := KindForRoutingKey(strings.TrimSuffix(key, AckSuffix)); ok {
		return []EventKind{k}
	}
	return nil
}

// Client-facing event names that are not tied to one kind.
const (
	ClientJoinThread              = "join_thread"
	ClientLeaveThread             = "leave_thread"
	ClientPendingMessagesOfThread = "pending_messages_of_thread"
	ClientPendingReactions        = "pending_reactions_of_thread"
	ClientError                   = "error"
	ClientPong                    = "pong"
)

// ClientEventName is the name recipients receive for kind.
func ClientEventName(kind EventKind) string {
	switch kind {
	case KindMessageCreated, KindMessageUpdated, KindMessageDeleted, KindBulkMessageDeleted,
		KindReactionAdded, KindReactionRemoved, KindAttachmentAdded, KindAttachmentRemoved,
		KindGroupConversationUpdated, KindConversationDeleted, KindParticipantAdded,
		KindParticipantRemoved, KindMultipleParticipantAdded, KindUserProfileUpdated:
		return string(kind)
	case KindDMConversationCreated:
		return "conversation_dm_created"
	case KindGroupConversationCreated:
		return "conversation_group_created"
	case KindMarkThreadRead:
		return "marked_thread_read"
	}
	return ""
}

// NotificationName is the name the acting user receives for a conversation
// kind, or "" when the kind has no separate actor notification.
func NotificationName(kind EventKind) string {
	switch kind {
	case KindGroupConversationUpdated, KindConversationDeleted, KindParticipantAdded,
		KindParticipantRemoved, KindMultipleParticipantAdded, KindMarkThreadRead:
		return ClientEventName(kind) + notificationClientSuffix
	}
	return ""
}

// AckRoutingKeyForClientEvent maps an inbound "<name>_acknowledged" client
// event to the acknowledgment subject. message_acknowledged acknowledges
// message_created and conversation_created_acknowledged covers both
// conversation creation kinds.
func AckRoutingKeyForClientEvent(name string) (string, bool) {
	if !strings.HasSuffix(name, acknowledgedClientSuffix) {
		return "", false
	}
	switch name {
	case string(KindMessageAcknowledged):
		return KeyMessageAcknowledged, true
	case string(KindConversationCreatedAcknowledged):
		return KeyConversationCreatedAck, true
	}
	base := strings.TrimSuffix(name, acknowledgedClientSuffix)
	base = strings.TrimSuffix(base, notificationClientSuffix)
	for _, kind := range PersistableKinds {
		if ClientEventName(kind) == base || string(kind) == base {
			return AckRoutingKey(kind)
		}
	}
	return "", false
}

// UserRoom is the personal room of a user across all of their connections.
func UserRoom(userID int64) string {
	return userRoomPrefix + strconv.FormatInt(userID, 10)
}

// ThreadRoom is the broadcast room of a conversation.
func ThreadRoom(conversationID int64) string {
	return threadRoomPrefix + strconv.FormatInt(conversationID, 10)
}
