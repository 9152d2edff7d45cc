// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package broker

import "github.com/tomtom215/threadline/internal/models"

// Payloads carried in Intent.Data, one per routing key family. The same types
// decode inbound client frames, so json names are the client wire contract.

// CreateMessageIntent is published on event.message.created.
type CreateMessageIntent struct {
	ThreadID  int64                 `json:"thread_id" validate:"required,gt=0"`
	Content   models.MessageContent `json:"content" validate:"required,min=1"`
	ReplyToID *int64                `json:"reply_to_id,omitempty" validate:"omitempty,gt=0"`
}

// UpdateMessageIntent merges Content into the message body.
type UpdateMessageIntent struct {
	MessageID int64                 `json:"message_id" validate:"required,gt=0"`
	Content   models.MessageContent `json:"content" validate:"required,min=1"`
}

type DeleteMessageIntent struct {
	MessageID int64 `json:"message_id" validate:"required,gt=0"`
}

// BulkDeleteIntent deletes several messages of one sender in one thread.
type BulkDeleteIntent struct {
	ThreadID   int64   `json:"thread_id" validate:"required,gt=0"`
	MessageIDs []int64 `json:"message_ids" validate:"required,min=1,max=100,uniqueids,dive,gt=0"`
}

type ReactionIntent struct {
	MessageID int64  `json:"message_id" validate:"required,gt=0"`
	EmojiHex  string `json:"emoji_hex" validate:"required,emojihex"`
}

type RemoveReactionIntent struct {
	ReactionID int64 `json:"reaction_id" validate:"required,gt=0"`
}

// AttachmentInput is a file already uploaded elsewhere.
type AttachmentInput struct {
	FileType     models.FileType `json:"file_type" validate:"required,oneof=image video document other"`
	URL          string          `json:"url" validate:"required,url"`
	ThumbnailURL string          `json:"thumbnail_url,omitempty" validate:"omitempty,url"`
}

type AttachmentIntent struct {
	MessageID   int64             `json:"message_id" validate:"required,gt=0"`
	Attachments []AttachmentInput `json:"attachments" validate:"required,min=1,max=10,dive"`
}

type RemoveAttachmentsIntent struct {
	MessageID     int64   `json:"message_id" validate:"required,gt=0"`
	AttachmentIDs []int64 `json:"attachment_ids" validate:"required,min=1,max=10,uniqueids,dive,gt=0"`
}

// CreateConversationIntent creates a DM (exactly one other participant) or a
// group, depending on the routing key.
type CreateConversationIntent struct {
	ParticipantIDs []int64 `json:"participant_ids" validate:"required,min=1,max=256,uniqueids,dive,gt=0"`
	Name           string  `json:"name,omitempty" validate:"omitempty,max=100"`
	AvatarURL      string  `json:"avatar_url,omitempty" validate:"omitempty,url"`
}

// UpdateConversationIntent changes the fields that are set.
type UpdateConversationIntent struct {
	ThreadID  int64   `json:"thread_id" validate:"required,gt=0"`
	Name      *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	AvatarURL *string `json:"avatar_url,omitempty" validate:"omitempty,url"`
}

type DeleteConversationIntent struct {
	ThreadID int64 `json:"thread_id" validate:"required,gt=0"`
}

// ParticipantIntent adds one user.
type ParticipantIntent struct {
	ThreadID int64                  `json:"thread_id" validate:"required,gt=0"`
	UserID   int64                  `json:"user_id" validate:"required,gt=0"`
	Role     models.ParticipantRole `json:"role,omitempty" validate:"omitempty,oneof=member admin"`
}

type MultipleParticipantIntent struct {
	ThreadID int64   `json:"thread_id" validate:"required,gt=0"`
	UserIDs  []int64 `json:"user_ids" validate:"required,min=1,max=256,uniqueids,dive,gt=0"`
}

type RemoveParticipantsIntent struct {
	ThreadID int64   `json:"thread_id" validate:"required,gt=0"`
	UserIDs  []int64 `json:"user_ids" validate:"required,min=1,max=256,uniqueids,dive,gt=0"`
}

// MarkReadIntent moves the actor's read cursor. A nil MessageID means the
// latest message of the thread.
type MarkReadIntent struct {
	ThreadID  int64  `json:"thread_id" validate:"required,gt=0"`
	MessageID *int64 `json:"message_id,omitempty" validate:"omitempty,gt=0"`
}

// AckIntent acknowledges one event for the actor.
type AckIntent struct {
	EventID int64 `json:"event_id" validate:"required,gt=0"`
}

// Retry sources.
const (
	RetrySourceClient = "client"
	RetrySourceSweep  = "sweep"
)

// RetryIntent asks for redelivery of delivery rows of one user. Sweep retries
// respect the attempt cap; client retries do not.
type RetryIntent struct {
	UserID      int64   `json:"user_id" validate:"required,gt=0"`
	ThreadID    int64   `json:"thread_id,omitempty" validate:"gte=0"`
	DeliveryIDs []int64 `json:"delivery_ids" validate:"required,min=1,max=1000,uniqueids,dive,gt=0"`
	Source      string  `json:"source" validate:"required,oneof=client sweep"`
}

type ProfileIntent struct {
	DisplayName *string `json:"display_name,omitempty" validate:"omitempty,min=1,max=100"`
	AvatarURL   *string `json:"avatar_url,omitempty" validate:"omitempty,url"`
}
