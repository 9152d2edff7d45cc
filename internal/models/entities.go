// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

// Package models defines the chat aggregates, the domain event log types,
// delivery tracking rows and the routing vocabulary shared by the gateway and
// the dispatchers.
package models

import "time"

// ConversationType distinguishes direct messages from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct_message"
	ConversationGroup  ConversationType = "group"
)

// ParticipantRole is a participant's role inside one conversation.
type ParticipantRole string

const (
	RoleMember ParticipantRole = "member"
	RoleAdmin  ParticipantRole = "admin"
)

// FileType classifies an attachment.
type FileType string

const (
	FileImage    FileType = "image"
	FileVideo    FileType = "video"
	FileDocument FileType = "document"
	FileOther    FileType = "other"
)

// User is upserted from the verified token on connect.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Conversation is a thread: a DM between two users or a named group.
type Conversation struct {
	ID        int64            `json:"id"`
	Type      ConversationType `json:"type"`
	Name      string           `json:"name,omitempty"`
	AvatarURL string           `json:"avatar_url,omitempty"`
	CreatedBy int64            `json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Participant is one user's membership in a conversation.
type Participant struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"thread_id"`
	UserID         int64           `json:"user_id"`
	Username       string          `json:"username,omitempty"`
	Role           ParticipantRole `json:"role"`
	JoinedAt       time.Time       `json:"joined_at"`
}

// MessageContent is the free-form JSON object body of a message.
// Updates merge keys into the existing object.
type MessageContent map[string]any

// Merge returns a copy of c with every key of patch applied.
func (c MessageContent) Merge(patch MessageContent) MessageContent {
	out := make(MessageContent, len(c)+len(patch))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Message is one chat message.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"thread_id"`
	SenderID       int64          `json:"sender_id"`
	Content        MessageContent `json:"content"`
	ReplyToID      *int64         `json:"reply_to_id,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Reaction is one user's emoji on a message. A user has at most one per message.
type Reaction struct {
	ID             int64     `json:"id"`
	MessageID      int64     `json:"message_id"`
	ConversationID int64     `json:"thread_id"`
	UserID         int64     `json:"user_id"`
	EmojiHex       string    `json:"emoji_hex"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReactionCount aggregates reactions on one message by emoji.
type ReactionCount struct {
	EmojiHex string `json:"emoji_hex"`
	Count    int    `json:"count"`
}

// Attachment is a file reference on a message. Upload happens elsewhere.
type Attachment struct {
	ID           int64     `json:"id"`
	MessageID    int64     `json:"message_id"`
	UploaderID   int64     `json:"uploader_id"`
	FileType     FileType  `json:"file_type"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ThreadOffset is a user's read cursor in one conversation.
type ThreadOffset struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"thread_id"`
	UserID         int64     `json:"user_id"`
	LastMessageID  *int64    `json:"last_message_id,omitempty"`
	LastOffsetAt   time.Time `json:"last_offset_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// WebsocketSession records one socket's lifetime on one instance.
type WebsocketSession struct {
	ID             int64      `json:"id"`
	SocketID       string     `json:"socket_id"`
	UserID         int64      `json:"user_id"`
	InstanceID     string     `json:"instance_id"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}
