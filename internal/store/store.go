// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

// Package store defines the relational store contract: the chat aggregates,
// the domain event log and delivery tracking. The store is the single source
// of truth; every retry and acknowledgment decision is re-derived from it.
//
// Two backends implement it: sqlstore (postgres or duckdb) and memstore.
// Both enforce the same cascade rules in code rather than relying on
// foreign keys, so behavior does not depend on the dialect.
package store

import (
	"context"
	"time"

	"github.com/tomtom215/threadline/internal/models"
)

// Repository is the set of operations available both on the store and inside
// a transaction.
type Repository interface {
	UpsertUser(ctx context.Context, u *models.User) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	UpdateUserProfile(ctx context.Context, id int64, displayName, avatarURL *string, at time.Time) (*models.User, error)

	CreateConversation(ctx context.Context, c *models.Conversation) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, id int64, name, avatarURL *string, at time.Time) (*models.Conversation, error)
	TouchConversation(ctx context.Context, id int64, at time.Time) error
	// DeleteConversation removes the conversation with its participants,
	// offsets and messages (with the message cascade).
	DeleteConversation(ctx context.Context, id int64) error
	FindDirectConversation(ctx context.Context, userA, userB int64) (*models.Conversation, error)
	ListUserConversationIDs(ctx context.Context, userID int64) ([]int64, error)

	// AddParticipants fails with ErrDuplicateParticipant if any user is
	// already a member; no row is added in that case.
	AddParticipants(ctx context.Context, conversationID int64, userIDs []int64, role models.ParticipantRole, at time.Time) ([]models.Participant, error)
	GetParticipant(ctx context.Context, conversationID, userID int64) (*models.Participant, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]models.Participant, error)
	// RemoveParticipants returns the memberships that were removed.
	RemoveParticipants(ctx context.Context, conversationID int64, userIDs []int64) ([]models.Participant, error)

	CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	GetMessages(ctx context.Context, ids []int64) ([]models.Message, error)
	UpdateMessage(ctx context.Context, id int64, content models.MessageContent, at time.Time) (*models.Message, error)
	// DeleteMessages removes messages, their reactions and attachments, and
	// the events concerning each message together with their delivery rows.
	DeleteMessages(ctx context.Context, ids []int64) error
	// ListMessagesAfter returns up to limit messages positioned after the
	// cursor, oldest first.
	ListMessagesAfter(ctx context.Context, conversationID int64, after Cursor, limit int) ([]models.Message, error)
	LastMessage(ctx context.Context, conversationID int64) (*models.Message, error)
	CountMessagesAfter(ctx context.Context, conversationID int64, after Cursor, excludeSender int64) (int, error)

	// CreateReaction fails with ErrDuplicateReaction when the user already reacted.
	CreateReaction(ctx context.Context, r *models.Reaction) (*models.Reaction, error)
	GetReaction(ctx context.Context, id int64) (*models.Reaction, error)
	GetUserReaction(ctx context.Context, messageID, userID int64) (*models.Reaction, error)
	DeleteReaction(ctx context.Context, id int64) error
	CountReactions(ctx context.Context, messageIDs []int64) (map[int64][]models.ReactionCount, error)

	CreateAttachments(ctx context.Context, as []models.Attachment) ([]models.Attachment, error)
	GetAttachments(ctx context.Context, ids []int64) ([]models.Attachment, error)
	ListAttachments(ctx context.Context, messageID int64) ([]models.Attachment, error)
	ListAttachmentsByMessages(ctx context.Context, messageIDs []int64) (map[int64][]models.Attachment, error)
	DeleteAttachments(ctx context.Context, ids []int64) error

	GetThreadOffset(ctx context.Context, conversationID, userID int64) (*models.ThreadOffset, error)
	// UpsertThreadOffset never moves an existing cursor backwards: when o
	// sorts before the stored position the stored offset is returned as is.
	UpsertThreadOffset(ctx context.Context, o *models.ThreadOffset) (*models.ThreadOffset, error)

	// AppendEvent stores e with published=false and returns it with its id.
	AppendEvent(ctx context.Context, e *models.DomainEvent) (*models.DomainEvent, error)
	GetEvent(ctx context.Context, id int64) (*models.DomainEvent, error)
	MarkEventPublished(ctx context.Context, id int64, at time.Time) error
	FindEventByAggregate(ctx context.Context, aggregate models.AggregateType, aggregateID int64, kind models.EventKind) (*models.DomainEvent, error)
	ListUnpublishedEvents(ctx context.Context, createdBefore time.Time, limit int) ([]models.DomainEvent, error)

	// InitDeliveries creates one pending row per user. If any (user, event)
	// row already exists it fails with ErrDuplicateDelivery and creates none.
	InitDeliveries(ctx context.Context, eventID, threadID int64, userIDs []int64, at time.Time) ([]models.DeliveryStatus, error)
	// RecordAttempts adds exactly one attempt to each (event, user) row and
	// stamps delivered_at when delivered is true.
	RecordAttempts(ctx context.Context, eventID int64, userIDs []int64, at time.Time, delivered bool) error
	RecordAttempt(ctx context.Context, deliveryID int64, at time.Time, delivered bool) error
	GetDelivery(ctx context.Context, eventID, userID int64) (*models.DeliveryStatus, error)
	GetDeliveries(ctx context.Context, ids []int64) ([]models.DeliveryStatus, error)
	// AcknowledgeDelivery sets ack_at once. It reports false without error
	// when the row was already acknowledged.
	AcknowledgeDelivery(ctx context.Context, eventID, userID int64, at time.Time) (bool, error)
	// ListStaleDeliveries returns unacknowledged rows of a user, oldest first.
	// threadID 0 means every thread.
	ListStaleDeliveries(ctx context.Context, userID, threadID int64, limit int) ([]models.DeliveryStatus, error)
	// ListStaleDeliveriesBefore returns unacknowledged rows whose last
	// activity is before the cutoff and whose attempts are below maxAttempts.
	ListStaleDeliveriesBefore(ctx context.Context, cutoff time.Time, maxAttempts, limit int) ([]models.DeliveryStatus, error)
	CountDeliveries(ctx context.Context, eventID int64) (int, error)

	OpenSession(ctx context.Context, s *models.WebsocketSession) (*models.WebsocketSession, error)
	CloseSession(ctx context.Context, socketID string, at time.Time) error
}

// Store is a Repository that can also run a unit of work atomically.
type Store interface {
	Repository

	// InTx runs fn in one transaction. Any error rolls everything back.
	InTx(ctx context.Context, fn func(Repository) error) error
	Ping(ctx context.Context) error
	Close() error
}
