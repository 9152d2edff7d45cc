// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/threadline/internal/logging"
)

// Identity is the authenticated user of an upgrade request.
type Identity struct {
	UserID   int64
	Username string
}

// IdentityFunc extracts the identity placed on the request by the auth
// middleware. ok is false for unauthenticated requests.
type IdentityFunc func(r *http.Request) (Identity, bool)

// ConnectFunc runs after the client is registered and before its pumps
// start. It returns the handler for the client's frames.
type ConnectFunc func(ctx context.Context, c *Client) (FrameHandler, error)

// Endpoint upgrades HTTP requests to websocket clients.
type Endpoint struct {
	hub      *Hub
	upgrader websocket.Upgrader
	identity IdentityFunc
	connect  ConnectFunc
	opts     ClientOptions
}

// NewEndpoint creates the upgrade handler. checkOrigin may be nil to accept
// same-origin requests only.
func NewEndpoint(hub *Hub, identity IdentityFunc, connect ConnectFunc, opts ClientOptions, checkOrigin func(*http.Request) bool) *Endpoint {
	return &Endpoint{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		identity: identity,
		connect:  connect,
		opts:     opts,
	}
}

// ServeHTTP implements http.Handler.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := e.identity(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !e.hub.IsRunning() {
		http.Error(w, "realtime layer unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(e.hub, conn, id.UserID, id.Username, e.opts)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		logging.Warn().Err(err).Int64("user_id", id.UserID).Msg("websocket register failed")
		_ = conn.Close()
		return
	}

	if e.connect != nil {
		handler, err := e.connect(ctx, client)
		if err != nil {
			logging.Error().Err(err).Int64("user_id", id.UserID).Msg("websocket session setup failed")
			client.cancel()
			select {
			case e.hub.Unregister <- client:
			case <-ctx.Done():
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session setup failed"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		client.SetHandler(handler)
	}

	client.Pump()
}
