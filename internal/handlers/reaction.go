// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

// ReactionHandler handles emoji reactions. A user keeps at most one
// reaction per message.
type ReactionHandler struct{}

func NewReactionHandler() *ReactionHandler { return &ReactionHandler{} }

func (h *ReactionHandler) Register(r *Registry) {
	r.Handle("add_reaction", h.add)
	r.Handle("remove_reaction", h.remove)
}

func (h *ReactionHandler) add(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.ReactionIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	msg, err := s.deps.Store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return lookup("message", err)
	}
	if _, err := s.authorize(ctx, msg.ConversationID, authz.ObjectReaction, authz.ActionCreate); err != nil {
		return err
	}
	switch _, err := s.deps.Store.GetUserReaction(ctx, msg.ID, s.UserID()); {
	case err == nil:
		return rejectf(models.CodeInvalidRequest, "already reacted to message %d", msg.ID)
	case !store.IsNotFound(err):
		return lookup("reaction", err)
	}
	return s.publish(ctx, models.KeyReactionAdded, &req)
}

func (h *ReactionHandler) remove(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.RemoveReactionIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	r, err := s.deps.Store.GetReaction(ctx, req.ReactionID)
	if err != nil {
		return lookup("reaction", err)
	}
	if _, err := s.authorize(ctx, r.ConversationID, authz.ObjectReaction, authz.ActionRemove); err != nil {
		return err
	}
	if err := authz.RequireOwner(r.UserID, s.UserID(), "reaction"); err != nil {
		return err
	}
	return s.publish(ctx, models.KeyReactionRemoved, &req)
}
