// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/threadline/internal/metrics"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

var (
	ErrNotParticipant = errors.New("not a participant of the thread")
	ErrForbidden      = errors.New("action not permitted")
)

// ParticipantReader is the slice of the store the authorizer needs. Both the
// store and a transaction Repository satisfy it.
type ParticipantReader interface {
	GetParticipant(ctx context.Context, conversationID, userID int64) (*models.Participant, error)
}

// Authorizer resolves a user's role in a thread from storage and checks it
// against the role policy.
type Authorizer struct {
	enforcer *Enforcer
}

// NewAuthorizer wraps an enforcer.
func NewAuthorizer(enforcer *Enforcer) *Authorizer {
	return &Authorizer{enforcer: enforcer}
}

// Authorize returns the caller's membership when its role allows act on obj.
// A missing membership yields ErrNotParticipant and a role that lacks the
// permission yields ErrForbidden.
func (a *Authorizer) Authorize(ctx context.Context, repo ParticipantReader, threadID, userID int64, obj Object, act Action) (*models.Participant, error) {
	p, err := repo.GetParticipant(ctx, threadID, userID)
	if err != nil {
		if store.IsNotFound(err) {
			metrics.RecordAuthzDecision(string(obj), "not_participant")
			return nil, ErrNotParticipant
		}
		return nil, fmt.Errorf("load participant: %w", err)
	}

	allowed, err := a.enforcer.Enforce(string(p.Role), obj, act)
	if err != nil {
		return nil, err
	}
	if !allowed {
		metrics.RecordAuthzDecision(string(obj), "denied")
		return p, fmt.Errorf("%w: %s cannot %s %s", ErrForbidden, p.Role, act, obj)
	}
	metrics.RecordAuthzDecision(string(obj), "allowed")
	return p, nil
}

// RequireOwner fails with ErrForbidden unless userID owns the resource.
func RequireOwner(ownerID, userID int64, what string) error {
	if ownerID != userID {
		return fmt.Errorf("%w: only the owner may modify this %s", ErrForbidden, what)
	}
	return nil
}
