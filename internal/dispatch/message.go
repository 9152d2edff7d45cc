// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

// MessageDispatcher consumes event.message.> intents: messages, reactions
// and attachments. Every event it writes is keyed by the message id, except
// bulk deletes which are keyed by the sender.
type MessageDispatcher struct {
	p  *Pipeline
	az *authz.Authorizer
}

// NewMessageDispatcher creates a message dispatcher on p.
func NewMessageDispatcher(p *Pipeline) *MessageDispatcher {
	return &MessageDispatcher{p: p, az: p.deps.Authorizer}
}

// Handle implements broker.IntentHandler.
func (d *MessageDispatcher) Handle(ctx context.Context, in *broker.Intent) error {
	if models.IsAckRoutingKey(in.RoutingKey) {
		return nil
	}
	switch in.RoutingKey {
	case models.KeyMessageCreated:
		return handle(ctx, d.p, in, d.create)
	case models.KeyMessageUpdated:
		return handle(ctx, d.p, in, d.update)
	case models.KeyMessageDeleted:
		return handle(ctx, d.p, in, d.delete)
	case models.KeyMessageBulkDeleted:
		return handle(ctx, d.p, in, d.bulkDelete)
	case models.KeyReactionAdded:
		return handle(ctx, d.p, in, d.addReaction)
	case models.KeyReactionRemoved:
		return handle(ctx, d.p, in, d.removeReaction)
	case models.KeyAttachmentAdded:
		return handle(ctx, d.p, in, d.addAttachments)
	case models.KeyAttachmentRemoved:
		return handle(ctx, d.p, in, d.removeAttachments)
	}
	logging.Ctx(ctx).Warn().Str("routing_key", in.RoutingKey).Msg("No message handler for routing key, dropping intent")
	return nil
}

func (d *MessageDispatcher) create(ctx context.Context, repo store.Repository, actor *models.User, req *broker.CreateMessageIntent) (*Change, error) {
	if _, err := d.az.Authorize(ctx, repo, req.ThreadID, actor.ID, authz.ObjectMessage, authz.ActionCreate); err != nil {
		return nil, err
	}
	thread, err := repo.GetConversation(ctx, req.ThreadID)
	if err != nil {
		return nil, lookup("thread", err)
	}
	if req.ReplyToID != nil {
		parent, err := repo.GetMessage(ctx, *req.ReplyToID)
		if err != nil {
			return nil, lookup("reply target", err)
		}
		if parent.ConversationID != thread.ID {
			return nil, invalid("reply target %d is not in thread %d", parent.ID, thread.ID)
		}
	}

	now := d.p.deps.Now()
	msg, err := repo.CreateMessage(ctx, &models.Message{
		ConversationID: thread.ID,
		SenderID:       actor.ID,
		Content:        req.Content,
		ReplyToID:      req.ReplyToID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if err := repo.TouchConversation(ctx, thread.ID, now); err != nil {
		return nil, fmt.Errorf("touch thread %d: %w", thread.ID, err)
	}
	thread.UpdatedAt = now

	// The sender has read their own message.
	if _, err := repo.UpsertThreadOffset(ctx, &models.ThreadOffset{
		ConversationID: thread.ID,
		UserID:         actor.ID,
		LastMessageID:  &msg.ID,
		LastOffsetAt:   msg.CreatedAt,
		UpdatedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("advance sender offset: %w", err)
	}

	recipients, err := threadParticipants(ctx, repo, thread.ID)
	if err != nil {
		return nil, err
	}
	return &Change{
		Kind:        models.KindMessageCreated,
		AggregateID: msg.ID,
		ThreadID:    thread.ID,
		Payload:     models.MessagePayload{Thread: *thread, Message: *msg},
		Recipients:  recipients,
	}, nil
}

// ownMessage loads a message the actor sent and checks their role allows
// act on obj in its thread.
func (d *MessageDispatcher) ownMessage(ctx context.Context, repo store.Repository, actor *models.User, messageID int64, obj authz.Object, act authz.Action) (*models.Message, error) {
	msg, err := repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, lookup("message", err)
	}
	if _, err := d.az.Authorize(ctx, repo, msg.ConversationID, actor.ID, obj, act); err != nil {
		return nil, err
	}
	if err := authz.RequireOwner(msg.SenderID, actor.ID, "message"); err != nil {
		return nil, err
	}
	return msg, nil
}

func (d *MessageDispatcher) update(ctx context.Context, repo store.Repository, actor *models.User, req *broker.UpdateMessageIntent) (*Change, error) {
	msg, err := d.ownMessage(ctx, repo, actor, req.MessageID, authz.ObjectMessage, authz.ActionUpdate)
	if err != nil {
		return nil, err
	}
	updated, err := repo.UpdateMessage(ctx, msg.ID, req.Content, d.p.deps.Now())
	if err != nil {
		return nil, fmt.Errorf("update message %d: %w", msg.ID, err)
	}
	if updated.Attachments, err = repo.ListAttachments(ctx, msg.ID); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return d.messageChange(ctx, repo, models.KindMessageUpdated, updated)
}

func (d *MessageDispatcher) delete(ctx context.Context, repo store.Repository, actor *models.User, req *broker.DeleteMessageIntent) (*Change, error) {
	msg, err := d.ownMessage(ctx, repo, actor, req.MessageID, authz.ObjectMessage, authz.ActionDelete)
	if err != nil {
		return nil, err
	}
	if msg.Attachments, err = repo.ListAttachments(ctx, msg.ID); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	// Snapshot first; the delete cascades to earlier events of the message.
	change, err := d.messageChange(ctx, repo, models.KindMessageDeleted, msg)
	if err != nil {
		return nil, err
	}
	if err := repo.DeleteMessages(ctx, []int64{msg.ID}); err != nil {
		return nil, fmt.Errorf("delete message %d: %w", msg.ID, err)
	}
	return change, nil
}

func (d *MessageDispatcher) messageChange(ctx context.Context, repo store.Repository, kind models.EventKind, msg *models.Message) (*Change, error) {
	thread, err := repo.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, lookup("thread", err)
	}
	recipients, err := threadParticipants(ctx, repo, thread.ID)
	if err != nil {
		return nil, err
	}
	return &Change{
		Kind:        kind,
		AggregateID: msg.ID,
		ThreadID:    thread.ID,
		Payload:     models.MessagePayload{Thread: *thread, Message: *msg},
		Recipients:  recipients,
	}, nil
}

func (d *MessageDispatcher) bulkDelete(ctx context.Context, repo store.Repository, actor *models.User, req *broker.BulkDeleteIntent) (*Change, error) {
	if _, err := d.az.Authorize(ctx, repo, req.ThreadID, actor.ID, authz.ObjectMessage, authz.ActionDelete); err != nil {
		return nil, err
	}
	thread, err := repo.GetConversation(ctx, req.ThreadID)
	if err != nil {
		return nil, lookup("thread", err)
	}
	msgs, err := repo.GetMessages(ctx, req.MessageIDs)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) != len(req.MessageIDs) {
		return nil, notFound("message", store.ErrNotFound)
	}
	attachments, err := repo.ListAttachmentsByMessages(ctx, req.MessageIDs)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	for i := range msgs {
		if msgs[i].ConversationID != thread.ID {
			return nil, invalid("message %d is not in thread %d", msgs[i].ID, thread.ID)
		}
		if err := authz.RequireOwner(msgs[i].SenderID, actor.ID, "message"); err != nil {
			return nil, err
		}
		msgs[i].Attachments = attachments[msgs[i].ID]
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	recipients, err := threadParticipants(ctx, repo, thread.ID)
	if err != nil {
		return nil, err
	}
	if err := repo.DeleteMessages(ctx, req.MessageIDs); err != nil {
		return nil, fmt.Errorf("delete messages: %w", err)
	}
	return &Change{
		Kind:        models.KindBulkMessageDeleted,
		AggregateID: actor.ID,
		ThreadID:    thread.ID,
		Payload:     models.BulkMessagePayload{Thread: *thread, SenderID: actor.ID, Messages: msgs},
		Recipients:  recipients,
	}, nil
}

func (d *MessageDispatcher) addReaction(ctx context.Context, repo store.Repository, actor *models.User, req *broker.ReactionIntent) (*Change, error) {
	msg, err := repo.GetMessage(ctx, req.MessageID)
	if err != nil {
		return nil, lookup("message", err)
	}
	if _, err := d.az.Authorize(ctx, repo, msg.ConversationID, actor.ID, authz.ObjectReaction, authz.ActionAdd); err != nil {
		return nil, err
	}
	r, err := repo.CreateReaction(ctx, &models.Reaction{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         actor.ID,
		EmojiHex:       req.EmojiHex,
		CreatedAt:      d.p.deps.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create reaction: %w", err)
	}
	return d.reactionChange(ctx, repo, models.KindReactionAdded, r)
}

func (d *MessageDispatcher) removeReaction(ctx context.Context, repo store.Repository, actor *models.User, req *broker.RemoveReactionIntent) (*Change, error) {
	r, err := repo.GetReaction(ctx, req.ReactionID)
	if err != nil {
		return nil, lookup("reaction", err)
	}
	if _, err := d.az.Authorize(ctx, repo, r.ConversationID, actor.ID, authz.ObjectReaction, authz.ActionRemove); err != nil {
		return nil, err
	}
	if err := authz.RequireOwner(r.UserID, actor.ID, "reaction"); err != nil {
		return nil, err
	}
	if err := repo.DeleteReaction(ctx, r.ID); err != nil {
		return nil, fmt.Errorf("delete reaction %d: %w", r.ID, err)
	}
	return d.reactionChange(ctx, repo, models.KindReactionRemoved, r)
}

func (d *MessageDispatcher) reactionChange(ctx context.Context, repo store.Repository, kind models.EventKind, r *models.Reaction) (*Change, error) {
	thread, err := repo.GetConversation(ctx, r.ConversationID)
	if err != nil {
		return nil, lookup("thread", err)
	}
	recipients, err := threadParticipants(ctx, repo, thread.ID)
	if err != nil {
		return nil, err
	}
	return &Change{
		Kind:        kind,
		AggregateID: r.MessageID,
		ThreadID:    thread.ID,
		Payload:     models.ReactionPayload{Thread: *thread, Reaction: *r},
		Recipients:  recipients,
	}, nil
}

func (d *MessageDispatcher) addAttachments(ctx context.Context, repo store.Repository, actor *models.User, req *broker.AttachmentIntent) (*Change, error) {
	msg, err := d.ownMessage(ctx, repo, actor, req.MessageID, authz.ObjectAttachment, authz.ActionAdd)
	if err != nil {
		return nil, err
	}
	now := d.p.deps.Now()
	in := make([]models.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		in = append(in, models.Attachment{
			MessageID:    msg.ID,
			UploaderID:   actor.ID,
			FileType:     a.FileType,
			URL:          a.URL,
			ThumbnailURL: a.ThumbnailURL,
			CreatedAt:    now,
		})
	}
	created, err := repo.CreateAttachments(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create attachments: %w", err)
	}
	return d.attachmentChange(ctx, repo, models.KindAttachmentAdded, actor.ID, msg, created)
}

func (d *MessageDispatcher) removeAttachments(ctx context.Context, repo store.Repository, actor *models.User, req *broker.RemoveAttachmentsIntent) (*Change, error) {
	msg, err := repo.GetMessage(ctx, req.MessageID)
	if err != nil {
		return nil, lookup("message", err)
	}
	if _, err := d.az.Authorize(ctx, repo, msg.ConversationID, actor.ID, authz.ObjectAttachment, authz.ActionRemove); err != nil {
		return nil, err
	}
	removed, err := repo.GetAttachments(ctx, req.AttachmentIDs)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	if len(removed) != len(req.AttachmentIDs) {
		return nil, notFound("attachment", store.ErrNotFound)
	}
	for _, a := range removed {
		if a.MessageID != msg.ID {
			return nil, invalid("attachment %d does not belong to message %d", a.ID, msg.ID)
		}
		if err := authz.RequireOwner(a.UploaderID, actor.ID, "attachment"); err != nil {
			return nil, err
		}
	}
	if err := repo.DeleteAttachments(ctx, req.AttachmentIDs); err != nil {
		return nil, fmt.Errorf("delete attachments: %w", err)
	}
	return d.attachmentChange(ctx, repo, models.KindAttachmentRemoved, actor.ID, msg, removed)
}

// attachmentChange snapshots msg with its remaining attachments.
func (d *MessageDispatcher) attachmentChange(ctx context.Context, repo store.Repository, kind models.EventKind, actorID int64, msg *models.Message, changed []models.Attachment) (*Change, error) {
	var err error
	if msg.Attachments, err = repo.ListAttachments(ctx, msg.ID); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	thread, err := repo.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, lookup("thread", err)
	}
	recipients, err := threadParticipants(ctx, repo, thread.ID)
	if err != nil {
		return nil, err
	}
	return &Change{
		Kind:        kind,
		AggregateID: msg.ID,
		ThreadID:    thread.ID,
		Payload:     models.AttachmentsPayload{Thread: *thread, Message: *msg, Attachments: changed, ActorID: actorID},
		Recipients:  recipients,
	}, nil
}
