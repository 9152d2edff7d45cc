// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

// ConversationHandler handles conversation lifecycle and membership.
//
// Group updates and participant changes need the admin role. Deleting a
// conversation additionally needs the caller to be its creator. Any member
// may remove themselves.
type ConversationHandler struct{}

func NewConversationHandler() *ConversationHandler { return &ConversationHandler{} }

func (h *ConversationHandler) Register(r *Registry) {
	r.Handle("create_dm_conversation", h.createDirect)
	r.Handle("create_grp_conversation", h.createGroup)
	r.Handle("update_group_conversation", h.updateGroup)
	r.Handle("delete_conversation", h.delete)
	r.Handle("add_thread_participant", h.addParticipant)
	r.Handle("add_multiple_participant", h.addParticipants)
	r.Handle("remove_thread_participant", h.removeParticipants)
}

func (h *ConversationHandler) createDirect(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.CreateConversationIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	others := without(req.ParticipantIDs, s.UserID())
	if len(others) != 1 {
		return rejectf(models.CodeInvalidRequest, "a direct conversation needs exactly one other participant")
	}
	if err := usersExist(ctx, s, others); err != nil {
		return err
	}
	existing, err := s.deps.Store.FindDirectConversation(ctx, s.UserID(), others[0])
	switch {
	case err == nil:
		return rejectf(models.CodeInvalidRequest, "direct conversation %d already exists", existing.ID)
	case !store.IsNotFound(err):
		return fmt.Errorf("find direct conversation: %w", err)
	}
	return s.publish(ctx, models.KeyConversationCreatedDM, &req)
}

func (h *ConversationHandler) createGroup(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.CreateConversationIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return rejectf(models.CodeInvalidRequest, "a group needs a name")
	}
	if err := usersExist(ctx, s, without(req.ParticipantIDs, s.UserID())); err != nil {
		return err
	}
	return s.publish(ctx, models.KeyConversationCreatedGrp, &req)
}

func (h *ConversationHandler) updateGroup(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.UpdateConversationIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Name == nil && req.AvatarURL == nil {
		return rejectf(models.CodeInvalidRequest, "nothing to update")
	}
	if _, err := s.authorize(ctx, req.ThreadID, authz.ObjectConversation, authz.ActionUpdate); err != nil {
		return err
	}
	if _, err := group(ctx, s, req.ThreadID); err != nil {
		return err
	}
	return s.publish(ctx, models.KeyConversationUpdatedGrp, &req)
}

func (h *ConversationHandler) delete(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.DeleteConversationIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if _, err := s.authorize(ctx, req.ThreadID, authz.ObjectConversation, authz.ActionDelete); err != nil {
		return err
	}
	conv, err := s.deps.Store.GetConversation(ctx, req.ThreadID)
	if err != nil {
		return lookup("thread", err)
	}
	if err := authz.RequireOwner(conv.CreatedBy, s.UserID(), "conversation"); err != nil {
		return err
	}
	return s.publish(ctx, models.KeyConversationDeleted, &req)
}

func (h *ConversationHandler) addParticipant(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.ParticipantIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := canAdd(ctx, s, req.ThreadID, []int64{req.UserID}); err != nil {
		return err
	}
	return s.publish(ctx, models.KeyParticipantAdded, &req)
}

func (h *ConversationHandler) addParticipants(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.MultipleParticipantIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := canAdd(ctx, s, req.ThreadID, req.UserIDs); err != nil {
		return err
	}
	return s.publish(ctx, models.KeyParticipantMultipleAdd, &req)
}

func (h *ConversationHandler) removeParticipants(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.RemoveParticipantsIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	obj, act := authz.ObjectParticipant, authz.ActionRemove
	if len(req.UserIDs) == 1 && req.UserIDs[0] == s.UserID() {
		obj, act = authz.ObjectConversation, authz.ActionRead
	}
	if _, err := s.authorize(ctx, req.ThreadID, obj, act); err != nil {
		return err
	}
	if _, err := group(ctx, s, req.ThreadID); err != nil {
		return err
	}
	for _, id := range req.UserIDs {
		if _, err := s.deps.Store.GetParticipant(ctx, req.ThreadID, id); err != nil {
			return lookup("participant", err)
		}
	}
	return s.publish(ctx, models.KeyParticipantRemoved, &req)
}

// canAdd requires the caller to administer the group and every user to
// exist outside it.
func canAdd(ctx context.Context, s *Session, threadID int64, userIDs []int64) error {
	if _, err := s.authorize(ctx, threadID, authz.ObjectParticipant, authz.ActionAdd); err != nil {
		return err
	}
	if _, err := group(ctx, s, threadID); err != nil {
		return err
	}
	if err := usersExist(ctx, s, userIDs); err != nil {
		return err
	}
	for _, id := range userIDs {
		switch _, err := s.deps.Store.GetParticipant(ctx, threadID, id); {
		case err == nil:
			return rejectf(models.CodeInvalidRequest, "user %d is already a participant", id)
		case !store.IsNotFound(err):
			return fmt.Errorf("load participant: %w", err)
		}
	}
	return nil
}

func group(ctx context.Context, s *Session, threadID int64) (*models.Conversation, error) {
	conv, err := s.deps.Store.GetConversation(ctx, threadID)
	if err != nil {
		return nil, lookup("thread", err)
	}
	if conv.Type != models.ConversationGroup {
		return nil, rejectf(models.CodeInvalidRequest, "thread %d is not a group", threadID)
	}
	return conv, nil
}

func usersExist(ctx context.Context, s *Session, ids []int64) error {
	for _, id := range ids {
		if _, err := s.deps.Store.GetUser(ctx, id); err != nil {
			return lookup("user", err)
		}
	}
	return nil
}

func without(ids []int64, drop int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
