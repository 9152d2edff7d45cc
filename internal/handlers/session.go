// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/config"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
	"github.com/tomtom215/threadline/internal/validation"
	"github.com/tomtom215/threadline/internal/websocket"
)

// Conn is the connection a session answers on. *websocket.Client
// implements it.
type Conn interface {
	UserID() int64
	Username() string
	SocketID() string
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context, room string) error
	SendError(code models.ErrorCode, message string, f websocket.Frame)
}

var _ Conn = (*websocket.Client)(nil)

// Deps are the collaborators shared by every session of a gateway.
type Deps struct {
	Store      store.Store
	Publisher  broker.IntentPublisher
	Emitter    websocket.Emitter
	Authorizer *authz.Authorizer
	Catchup    config.CatchupConfig

	// InstanceID names this gateway in websocket_sessions. Defaults to a UUID.
	InstanceID string

	// Now defaults to time.Now.
	Now func() time.Time
}

func (d *Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("handlers: store is required")
	case d.Publisher == nil:
		return errors.New("handlers: publisher is required")
	case d.Emitter == nil:
		return errors.New("handlers: emitter is required")
	case d.Authorizer == nil:
		return errors.New("handlers: authorizer is required")
	}
	if d.Catchup.PageSize <= 0 {
		d.Catchup.PageSize = DefaultCatchupPageSize
	}
	if d.InstanceID == "" {
		d.InstanceID = uuid.New().String()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return nil
}

// Session handles the frames of one connection. Its identity is fixed at
// connect time from the authenticated principal.
type Session struct {
	deps     *Deps
	registry *Registry
	conn     Conn
}

// UserID returns the authenticated user of the session.
func (s *Session) UserID() int64 { return s.conn.UserID() }

func (s *Session) actor() broker.Actor {
	return broker.Actor{ID: s.conn.UserID(), Username: s.conn.Username()}
}

// HandleFrame implements websocket.FrameHandler.
func (s *Session) HandleFrame(ctx context.Context, _ *websocket.Client, f websocket.Frame) {
	s.Dispatch(ctx, f)
}

// Dispatch runs the handler registered for f.Type. It returns false when
// the frame was rejected.
func (s *Session) Dispatch(ctx context.Context, f websocket.Frame) bool {
	h, ok := s.registry.Lookup(f.Type)
	if !ok {
		s.fail(ctx, f, fmt.Errorf("%w: %s", ErrUnknownEvent, f.Type))
		return false
	}
	if err := h(ctx, s, f.Data); err != nil {
		s.fail(ctx, f, err)
		return false
	}
	return true
}

func (s *Session) fail(ctx context.Context, f websocket.Frame, err error) {
	code, msg, internal := classify(err)
	log := logging.Ctx(ctx)
	if internal {
		log.Error().Err(err).Str("event", f.Type).Int64("user_id", s.conn.UserID()).Msg("Client event failed")
	} else {
		log.Debug().Err(err).Str("event", f.Type).Int64("user_id", s.conn.UserID()).Msg("Client event rejected")
	}
	s.conn.SendError(code, msg, f)
}

// Close implements websocket.FrameHandler. It closes the session row.
func (s *Session) Close(ctx context.Context) {
	if err := s.deps.Store.CloseSession(ctx, s.conn.SocketID(), s.deps.Now()); err != nil && !store.IsNotFound(err) {
		logging.Warn().Err(err).Str("socket_id", s.conn.SocketID()).Msg("Failed to close websocket session")
		return
	}
	logging.Debug().Int64("user_id", s.conn.UserID()).Str("socket_id", s.conn.SocketID()).Msg("Websocket session closed")
}

// publish wraps payload in an intent from the session's user and publishes
// it under key.
func (s *Session) publish(ctx context.Context, key string, payload any) error {
	in, err := broker.NewIntent(ctx, s.actor(), payload)
	if err != nil {
		return err
	}
	if err := s.deps.Publisher.Publish(ctx, key, in); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	logging.Ctx(ctx).Debug().Str("routing_key", key).Str("intent_id", in.ID).Msg("Intent published")
	return nil
}

// authorize checks the session user's role in threadID.
func (s *Session) authorize(ctx context.Context, threadID int64, obj authz.Object, act authz.Action) (*models.Participant, error) {
	return s.deps.Authorizer.Authorize(ctx, s.deps.Store, threadID, s.conn.UserID(), obj, act)
}

// decode unmarshals and validates a frame payload.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return rejectf(models.CodeInvalidRequest, "malformed payload")
	}
	return validation.Validate(v)
}
