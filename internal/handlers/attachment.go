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

// AttachmentHandler handles file references on messages. Only the message
// sender attaches; only the uploader removes.
type AttachmentHandler struct{}

func NewAttachmentHandler() *AttachmentHandler { return &AttachmentHandler{} }

func (h *AttachmentHandler) Register(r *Registry) {
	r.Handle("add_attachments", h.add)
	r.Handle("remove_attachments", h.remove)
}

func (h *AttachmentHandler) add(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.AttachmentIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := ownMessage(ctx, s, req.MessageID, authz.ObjectAttachment, authz.ActionAdd); err != nil {
		return err
	}
	return s.publish(ctx, models.KeyAttachmentAdded, &req)
}

func (h *AttachmentHandler) remove(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.RemoveAttachmentsIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	msg, err := s.deps.Store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return lookup("message", err)
	}
	if _, err := s.authorize(ctx, msg.ConversationID, authz.ObjectAttachment, authz.ActionRemove); err != nil {
		return err
	}
	found, err := s.deps.Store.GetAttachments(ctx, req.AttachmentIDs)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	if len(found) != len(req.AttachmentIDs) {
		return rejectf(models.CodeNotFound, "attachment not found")
	}
	for _, a := range found {
		if a.MessageID != msg.ID {
			return rejectf(models.CodeInvalidRequest, "attachment %d does not belong to message %d", a.ID, msg.ID)
		}
		if err := authz.RequireOwner(a.UploaderID, s.UserID(), "attachment"); err != nil {
			return err
		}
	}
	return s.publish(ctx, models.KeyAttachmentRemoved, &req)
}
