// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"context"
	"fmt"

	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

// UserDispatcher consumes event.user.> intents.
type UserDispatcher struct {
	p *Pipeline
}

func NewUserDispatcher(p *Pipeline) *UserDispatcher {
	return &UserDispatcher{p: p}
}

// Handle implements broker.IntentHandler.
func (d *UserDispatcher) Handle(ctx context.Context, in *broker.Intent) error {
	if in.RoutingKey == models.KeyUserProfileUpdated {
		return handle(ctx, d.p, in, d.updateProfile)
	}
	if !models.IsAckRoutingKey(in.RoutingKey) {
		logging.Ctx(ctx).Warn().Str("routing_key", in.RoutingKey).Msg("No user handler for routing key, dropping intent")
	}
	return nil
}

func (d *UserDispatcher) updateProfile(ctx context.Context, repo store.Repository, actor *models.User, req *broker.ProfileIntent) (*Change, error) {
	if req.DisplayName == nil && req.AvatarURL == nil {
		return nil, invalid("nothing to update")
	}
	updated, err := repo.UpdateUserProfile(ctx, actor.ID, req.DisplayName, req.AvatarURL, d.p.deps.Now())
	if err != nil {
		return nil, fmt.Errorf("update profile of user %d: %w", actor.ID, err)
	}
	recipients, err := profileAudience(ctx, repo, actor.ID)
	if err != nil {
		return nil, err
	}
	return &Change{
		Kind:        models.KindUserProfileUpdated,
		AggregateID: actor.ID,
		Payload:     models.UserPayload{User: *updated},
		Recipients:  recipients,
	}, nil
}

// profileAudience is the user plus everyone sharing a conversation with them.
func profileAudience(ctx context.Context, repo store.Repository, userID int64) ([]int64, error) {
	threads, err := repo.ListUserConversationIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations of user %d: %w", userID, err)
	}
	audience := []int64{userID}
	for _, id := range threads {
		ids, err := threadParticipants(ctx, repo, id)
		if err != nil {
			return nil, err
		}
		audience = append(audience, ids...)
	}
	return uniqueIDs(audience), nil
}
