// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/models"
)

// MessageHandler handles message writes.
type MessageHandler struct{}

func NewMessageHandler() *MessageHandler { return &MessageHandler{} }

// Register adds the message events to r.
func (h *MessageHandler) Register(r *Registry) {
	r.Handle("create_message", h.create)
	r.Handle("update_message", h.update)
	r.Handle("delete_message", h.delete)
	r.Handle("delete_message_in_bulk", h.bulkDelete)
}

func (h *MessageHandler) create(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.CreateMessageIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if _, err := s.authorize(ctx, req.ThreadID, authz.ObjectMessage, authz.ActionCreate); err != nil {
		return err
	}
	if req.ReplyToID != nil {
		parent, err := s.deps.Store.GetMessage(ctx, *req.ReplyToID)
		if err != nil {
			return lookup("reply target", err)
		}
		if parent.ConversationID != req.ThreadID {
			return rejectf(models.CodeInvalidRequest, "reply target is in another thread")
		}
	}
	return s.publish(ctx, models.KeyMessageCreated, &req)
}

func (h *MessageHandler) update(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.UpdateMessageIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := ownMessage(ctx, s, req.MessageID, authz.ObjectMessage, authz.ActionUpdate); err != nil {
		return err
	}
	return s.publish(ctx, models.KeyMessageUpdated, &req)
}

func (h *MessageHandler) delete(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.DeleteMessageIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := ownMessage(ctx, s, req.MessageID, authz.ObjectMessage, authz.ActionDelete); err != nil {
		return err
	}
	return s.publish(ctx, models.KeyMessageDeleted, &req)
}

func (h *MessageHandler) bulkDelete(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.BulkDeleteIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if _, err := s.authorize(ctx, req.ThreadID, authz.ObjectMessage, authz.ActionDelete); err != nil {
		return err
	}
	msgs, err := s.deps.Store.GetMessages(ctx, req.MessageIDs)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) != len(req.MessageIDs) {
		return rejectf(models.CodeNotFound, "message not found")
	}
	for _, m := range msgs {
		if m.ConversationID != req.ThreadID {
			return rejectf(models.CodeInvalidRequest, "message %d is not in thread %d", m.ID, req.ThreadID)
		}
		if err := authz.RequireOwner(m.SenderID, s.UserID(), "message"); err != nil {
			return err
		}
	}
	return s.publish(ctx, models.KeyMessageBulkDeleted, &req)
}

// ownMessage loads a message and requires the caller to be a permitted
// participant of its thread and its sender.
func ownMessage(ctx context.Context, s *Session, id int64, obj authz.Object, act authz.Action) error {
	msg, err := s.deps.Store.GetMessage(ctx, id)
	if err != nil {
		return lookup("message", err)
	}
	if _, err := s.authorize(ctx, msg.ConversationID, obj, act); err != nil {
		return err
	}
	return authz.RequireOwner(msg.SenderID, s.UserID(), "message")
}
