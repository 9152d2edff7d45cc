// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/models"
)

// UserHandler handles the caller's own profile.
type UserHandler struct{}

func NewUserHandler() *UserHandler { return &UserHandler{} }

func (h *UserHandler) Register(r *Registry) {
	r.Handle("update_profile", h.updateProfile)
}

func (h *UserHandler) updateProfile(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.ProfileIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.DisplayName == nil && req.AvatarURL == nil {
		return rejectf(models.CodeInvalidRequest, "nothing to update")
	}
	return s.publish(ctx, models.KeyUserProfileUpdated, &req)
}
