// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

// ConversationDispatcher consumes event.conversation.> intents. Besides the
// tracked event it tells affected clients to join or leave the thread room.
type ConversationDispatcher struct {
	p  *Pipeline
	az *authz.Authorizer
}

// NewConversationDispatcher creates a conversation dispatcher on p.
func NewConversationDispatcher(p *Pipeline) *ConversationDispatcher {
	return &ConversationDispatcher{p: p, az: p.deps.Authorizer}
}

// Handle implements broker.IntentHandler.
func (d *ConversationDispatcher) Handle(ctx context.Context, in *broker.Intent) error {
	if models.IsAckRoutingKey(in.RoutingKey) {
		return nil
	}
	switch in.RoutingKey {
	case models.KeyConversationCreatedDM:
		return handle(ctx, d.p, in, d.createDirect)
	case models.KeyConversationCreatedGrp:
		return handle(ctx, d.p, in, d.createGroup)
	case models.KeyConversationUpdatedGrp:
		return handle(ctx, d.p, in, d.updateGroup)
	case models.KeyConversationDeleted:
		return handle(ctx, d.p, in, d.delete)
	case models.KeyParticipantAdded:
		return handle(ctx, d.p, in, d.addParticipant)
	case models.KeyParticipantMultipleAdd:
		return handle(ctx, d.p, in, d.addParticipants)
	case models.KeyParticipantRemoved:
		return handle(ctx, d.p, in, d.removeParticipants)
	case models.KeyThreadRead:
		return handle(ctx, d.p, in, d.markRead)
	}
	logging.Ctx(ctx).Warn().Str("routing_key", in.RoutingKey).Msg("No conversation handler for routing key, dropping intent")
	return nil
}

func (d *ConversationDispatcher) createDirect(ctx context.Context, repo store.Repository, actor *models.User, req *broker.CreateConversationIntent) (*Change, error) {
	others := without(uniqueIDs(req.ParticipantIDs), actor.ID)
	if len(others) != 1 {
		return nil, invalid("a direct conversation needs exactly one other participant")
	}
	if _, err := repo.GetUser(ctx, others[0]); err != nil {
		return nil, lookup("user", err)
	}
	existing, err := repo.FindDirectConversation(ctx, actor.ID, others[0])
	switch {
	case err == nil:
		return nil, invalid("direct conversation %d already exists", existing.ID)
	case !store.IsNotFound(err):
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return d.create(ctx, repo, actor, models.ConversationDirect, "", "", others, models.KindDMConversationCreated)
}

func (d *ConversationDispatcher) createGroup(ctx context.Context, repo store.Repository, actor *models.User, req *broker.CreateConversationIntent) (*Change, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("a group needs a name")
	}
	others := without(uniqueIDs(req.ParticipantIDs), actor.ID)
	for _, id := range others {
		if _, err := repo.GetUser(ctx, id); err != nil {
			return nil, lookup("user", err)
		}
	}
	return d.create(ctx, repo, actor, models.ConversationGroup, name, req.AvatarURL, others, models.KindGroupConversationCreated)
}

// create inserts the conversation with the actor as admin and others as
// members. Every participant gets the event on their personal room and a
// join_thread signal.
func (d *ConversationDispatcher) create(ctx context.Context, repo store.Repository, actor *models.User, typ models.ConversationType, name, avatar string, others []int64, kind models.EventKind) (*Change, error) {
	now := d.p.deps.Now()
	conv, err := repo.CreateConversation(ctx, &models.Conversation{
		Type:      typ,
		Name:      name,
		AvatarURL: avatar,
		CreatedBy: actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if _, err := repo.AddParticipants(ctx, conv.ID, []int64{actor.ID}, models.RoleAdmin, now); err != nil {
		return nil, fmt.Errorf("add creator: %w", err)
	}
	if len(others) > 0 {
		if _, err := repo.AddParticipants(ctx, conv.ID, others, models.RoleMember, now); err != nil {
			return nil, fmt.Errorf("add participants: %w", err)
		}
	}
	participants, err := repo.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	recipients := participantIDs(participants)
	return &Change{
		Kind:        kind,
		AggregateID: conv.ID,
		ThreadID:    conv.ID,
		Payload:     models.ConversationPayload{Conversation: *conv, Participants: participants, ActorID: actor.ID},
		Recipients:  recipients,
		Signals:     threadSignals(models.ClientJoinThread, *conv, recipients),
	}, nil
}

func (d *ConversationDispatcher) updateGroup(ctx context.Context, repo store.Repository, actor *models.User, req *broker.UpdateConversationIntent) (*Change, error) {
	if _, err := d.az.Authorize(ctx, repo, req.ThreadID, actor.ID, authz.ObjectConversation, authz.ActionUpdate); err != nil {
		return nil, err
	}
	conv, err := repo.GetConversation(ctx, req.ThreadID)
	if err != nil {
		return nil, lookup("thread", err)
	}
	if conv.Type != models.ConversationGroup {
		return nil, invalid("only groups can be updated")
	}
	if req.Name == nil && req.AvatarURL == nil {
		return nil, invalid("nothing to update")
	}
	updated, err := repo.UpdateConversation(ctx, conv.ID, req.Name, req.AvatarURL, d.p.deps.Now())
	if err != nil {
		return nil, fmt.Errorf("update conversation %d: %w", conv.ID, err)
	}
	participants, err := repo.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	recipients := participantIDs(participants)
	return &Change{
		Kind:        models.KindGroupConversationUpdated,
		AggregateID: conv.ID,
		ThreadID:    conv.ID,
		Payload:     models.ConversationPayload{Conversation: *updated, Participants: participants, ActorID: actor.ID},
		Recipients:  recipients,
		Routes:      conversationRoutes(models.KindGroupConversationUpdated, actor.ID, conv.ID, recipients, nil),
	}, nil
}

func (d *ConversationDispatcher) delete(ctx context.Context, repo store.Repository, actor *models.User, req *broker.DeleteConversationIntent) (*Change, error) {
	if _, err := d.az.Authorize(ctx, repo, req.ThreadID, actor.ID, authz.ObjectConversation, authz.ActionDelete); err != nil {
		return nil, err
	}
	conv, err := repo.GetConversation(ctx, req.ThreadID)
	if err != nil {
		return nil, lookup("thread", err)
	}
	if err := authz.RequireOwner(conv.CreatedBy, actor.ID, "conversation"); err != nil {
		return nil, err
	}
	participants, err := repo.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if err := repo.DeleteConversation(ctx, conv.ID); err != nil {
		return nil, fmt.Errorf("delete conversation %d: %w", conv.ID, err)
	}
	recipients := participantIDs(participants)
	return &Change{
		Kind:        models.KindConversationDeleted,
		AggregateID: conv.ID,
		ThreadID:    conv.ID,
		Payload:     models.ConversationPayload{Conversation: *conv, Participants: participants, ActorID: actor.ID},
		Recipients:  recipients,
		Routes:      conversationRoutes(models.KindConversationDeleted, actor.ID, conv.ID, recipients, nil),
		Signals:     threadSignals(models.ClientLeaveThread, *conv, recipients),
	}, nil
}

func (d *ConversationDispatcher) addParticipant(ctx context.Context, repo store.Repository, actor *models.User, req *broker.ParticipantIntent) (*Change, error) {
	role := req.Role
	if role == "" {
		role = models.RoleMember
	}
	return d.add(ctx, repo, actor, req.ThreadID, []int64{req.UserID}, role, models.KindParticipantAdded)
}

func (d *ConversationDispatcher) addParticipants(ctx context.Context, repo store.Repository, actor *models.User, req *broker.MultipleParticipantIntent) (*Change, error) {
	return d.add(ctx, repo, actor, req.ThreadID, uniqueIDs(req.UserIDs), models.RoleMember, models.KindMultipleParticipantAdded)
}

// add puts userIDs into a group. New members get the event on their personal
// room and join_thread; existing members get it on the thread room.
func (d *ConversationDispatcher) add(ctx context.Context, repo store.Repository, actor *models.User, threadID int64, userIDs []int64, role models.ParticipantRole, kind models.EventKind) (*Change, error) {
	if _, err := d.az.Authorize(ctx, repo, threadID, actor.ID, authz.ObjectParticipant, authz.ActionAdd); err != nil {
		return nil, err
	}
	conv, err := repo.GetConversation(ctx, threadID)
	if err != nil {
		return nil, lookup("thread", err)
	}
	if conv.Type != models.ConversationGroup {
		return nil, invalid("participants can only be added to groups")
	}
	for _, id := range userIDs {
		if _, err := repo.GetUser(ctx, id); err != nil {
			return nil, lookup("user", err)
		}
	}
	now := d.p.deps.Now()
	added, err := repo.AddParticipants(ctx, conv.ID, userIDs, role, now)
	if err != nil {
		return nil, fmt.Errorf("add participants: %w", err)
	}
	if err := repo.TouchConversation(ctx, conv.ID, now); err != nil {
		return nil, fmt.Errorf("touch thread %d: %w", conv.ID, err)
	}
	conv.UpdatedAt = now

	recipients, err := threadParticipants(ctx, repo, conv.ID)
	if err != nil {
		return nil, err
	}
	newIDs := participantIDs(added)
	return &Change{
		Kind:        kind,
		AggregateID: conv.ID,
		ThreadID:    conv.ID,
		Payload:     models.ParticipantsPayload{Conversation: *conv, Participants: added, ActorID: actor.ID},
		Recipients:  recipients,
		Routes:      conversationRoutes(kind, actor.ID, conv.ID, recipients, newIDs),
		Signals:     threadSignals(models.ClientJoinThread, *conv, newIDs),
	}, nil
}

// removeParticipants takes users out of a group. Admins may remove anyone;
// any participant may remove themselves.
func (d *ConversationDispatcher) removeParticipants(ctx context.Context, repo store.Repository, actor *models.User, req *broker.RemoveParticipantsIntent) (*Change, error) {
	userIDs := uniqueIDs(req.UserIDs)
	act := authz.ActionRemove
	obj := authz.ObjectParticipant
	if len(userIDs) == 1 && userIDs[0] == actor.ID {
		obj, act = authz.ObjectConversation, authz.ActionRead
	}
	if _, err := d.az.Authorize(ctx, repo, req.ThreadID, actor.ID, obj, act); err != nil {
		return nil, err
	}
	conv, err := repo.GetConversation(ctx, req.ThreadID)
	if err != nil {
		return nil, lookup("thread", err)
	}
	if conv.Type != models.ConversationGroup {
		return nil, invalid("participants can only be removed from groups")
	}
	removed, err := repo.RemoveParticipants(ctx, conv.ID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("remove participants: %w", err)
	}
	if len(removed) == 0 {
		return nil, notFound("participant", store.ErrNotFound)
	}
	now := d.p.deps.Now()
	if err := repo.TouchConversation(ctx, conv.ID, now); err != nil {
		return nil, fmt.Errorf("touch thread %d: %w", conv.ID, err)
	}
	conv.UpdatedAt = now

	remaining, err := threadParticipants(ctx, repo, conv.ID)
	if err != nil {
		return nil, err
	}
	removedIDs := participantIDs(removed)
	recipients := append(remaining, removedIDs...)
	return &Change{
		Kind:        models.KindParticipantRemoved,
		AggregateID: conv.ID,
		ThreadID:    conv.ID,
		Payload:     models.ParticipantsPayload{Conversation: *conv, Participants: removed, ActorID: actor.ID},
		Recipients:  recipients,
		Routes:      conversationRoutes(models.KindParticipantRemoved, actor.ID, conv.ID, uniqueIDs(recipients), removedIDs),
		Signals:     threadSignals(models.ClientLeaveThread, *conv, removedIDs),
	}, nil
}

// markRead moves the actor's read cursor. It never moves backwards, which
// UpsertThreadOffset also enforces against concurrent intents; the event
// still confirms the current position to the actor.
func (d *ConversationDispatcher) markRead(ctx context.Context, repo store.Repository, actor *models.User, req *broker.MarkReadIntent) (*Change, error) {
	if _, err := d.az.Authorize(ctx, repo, req.ThreadID, actor.ID, authz.ObjectOffset, authz.ActionUpdate); err != nil {
		return nil, err
	}
	conv, err := repo.GetConversation(ctx, req.ThreadID)
	if err != nil {
		return nil, lookup("thread", err)
	}

	now := d.p.deps.Now()
	next := models.ThreadOffset{ConversationID: conv.ID, UserID: actor.ID, LastOffsetAt: now, UpdatedAt: now}
	var target *models.Message
	if req.MessageID != nil {
		if target, err = repo.GetMessage(ctx, *req.MessageID); err != nil {
			return nil, lookup("message", err)
		}
		if target.ConversationID != conv.ID {
			return nil, invalid("message %d is not in thread %d", target.ID, conv.ID)
		}
	} else {
		last, err := repo.LastMessage(ctx, conv.ID)
		switch {
		case err == nil:
			target = last
		case !store.IsNotFound(err):
			return nil, fmt.Errorf("load last message: %w", err)
		}
	}
	if target != nil {
		next.LastMessageID = &target.ID
		next.LastOffsetAt = target.CreatedAt
	}

	current, err := repo.GetThreadOffset(ctx, conv.ID, actor.ID)
	switch {
	case err == nil && store.CursorOf(&next).Before(store.CursorOf(current)):
		next.LastMessageID, next.LastOffsetAt = current.LastMessageID, current.LastOffsetAt
	case err != nil && !store.IsNotFound(err):
		return nil, fmt.Errorf("load offset: %w", err)
	}
	offset, err := repo.UpsertThreadOffset(ctx, &next)
	if err != nil {
		return nil, fmt.Errorf("upsert offset: %w", err)
	}
	return &Change{
		Kind:        models.KindMarkThreadRead,
		AggregateID: conv.ID,
		ThreadID:    conv.ID,
		Payload:     models.ThreadOffsetPayload{Conversation: *conv, Offset: *offset},
		Recipients:  []int64{actor.ID},
	}, nil
}

// conversationRoutes sends the actor its notification variant on its
// personal room and each of direct the plain event on theirs. Everyone else
// in recipients is covered by one emit to the thread room.
func conversationRoutes(kind models.EventKind, actorID, threadID int64, recipients, direct []int64) []Route {
	var (
		routes   []Route
		rest     []int64
		isDirect = make(map[int64]bool, len(direct))
	)
	for _, u := range direct {
		isDirect[u] = true
	}
	plain := models.ClientEventName(kind)
	for _, u := range recipients {
		switch {
		case u == actorID:
			name := models.NotificationName(kind)
			if name == "" {
				name = plain
			}
			routes = append(routes, Route{Room: models.UserRoom(u), Event: name, Users: []int64{u}})
		case isDirect[u]:
			routes = append(routes, Route{Room: models.UserRoom(u), Event: plain, Users: []int64{u}})
		default:
			rest = append(rest, u)
		}
	}
	if len(rest) > 0 {
		routes = append(routes, Route{Room: models.ThreadRoom(threadID), Event: plain, Users: rest})
	}
	return routes
}

// threadSignals sends event (join_thread or leave_thread) to each user.
func threadSignals(event string, conv models.Conversation, userIDs []int64) []Signal {
	out := make([]Signal, 0, len(userIDs))
	for _, u := range userIDs {
		out = append(out, Signal{Room: models.UserRoom(u), Event: event, Data: ThreadSignal{Thread: conv}})
	}
	return out
}
