// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"context"
	"fmt"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/websocket"
)

// Connector builds a Session for every new websocket client.
type Connector struct {
	deps     *Deps
	registry *Registry
}

// NewConnector validates deps and registers every client event handler.
func NewConnector(deps Deps) (*Connector, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Connector{deps: &deps, registry: NewRegistry(&deps)}, nil
}

// Registry returns the event registry shared by all sessions.
func (c *Connector) Registry() *Registry { return c.registry }

// Connect implements websocket.ConnectFunc.
func (c *Connector) Connect(ctx context.Context, client *websocket.Client) (websocket.FrameHandler, error) {
	return c.Open(ctx, client)
}

// Open upserts the user, records the socket, and joins the user's personal
// room and every thread room they participate in.
func (c *Connector) Open(ctx context.Context, conn Conn) (*Session, error) {
	now := c.deps.Now()
	if _, err := c.deps.Store.UpsertUser(ctx, &models.User{
		ID:        conn.UserID(),
		Username:  conn.Username(),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("upsert user %d: %w", conn.UserID(), err)
	}
	if _, err := c.deps.Store.OpenSession(ctx, &models.WebsocketSession{
		SocketID:    conn.SocketID(),
		UserID:      conn.UserID(),
		InstanceID:  c.deps.InstanceID,
		ConnectedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	if err := conn.Join(ctx, models.UserRoom(conn.UserID())); err != nil {
		return nil, fmt.Errorf("join personal room: %w", err)
	}
	threads, err := c.deps.Store.ListUserConversationIDs(ctx, conn.UserID())
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	for _, id := range threads {
		if err := conn.Join(ctx, models.ThreadRoom(id)); err != nil {
			return nil, fmt.Errorf("join thread %d: %w", id, err)
		}
	}

	logging.Ctx(ctx).Info().
		Int64("user_id", conn.UserID()).
		Str("socket_id", conn.SocketID()).
		Int("threads", len(threads)).
		Msg("Websocket session opened")
	return &Session{deps: c.deps, registry: c.registry, conn: conn}, nil
}
