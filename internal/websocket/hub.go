// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package websocket

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled is the normal graceful shutdown path (e.g., SIGTERM).
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline may indicate a hung operation during shutdown.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// ErrHubStopped is returned by EmitLocal when the hub is not running.
var ErrHubStopped = errors.New("websocket hub is not running")

// Message is an outbound frame: {"type": ..., "data": ...}.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type roomMessage struct {
	room    string
	message Message
}

type membership struct {
	client *Client
	room   string
	join   bool
	done   chan struct{}
}

// Hub tracks connected clients and the rooms they are in. Every mutation of
// clients and rooms happens on the Run goroutine; readers take mu.
type Hub struct {
	clients map[*Client]bool
	rooms   map[string]map[*Client]struct{}

	emit       chan roomMessage
	membership chan membership
	Register   chan *Client
	Unregister chan *Client

	running atomic.Bool
	mu      sync.RWMutex
}

// NewHub creates a hub. Call RunWithContext before emitting.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]struct{}),
		emit:       make(chan roomMessage, 1024),
		membership: make(chan membership, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// RunWithContext runs the hub until ctx ends, then closes every client.
//
// Selection is prioritized: shutdown first, then client lifecycle and room
// membership, then emits. A client's joins are therefore applied before any
// emit queued after them.
func (h *Hub) RunWithContext(ctx context.Context) error {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.register(client)
			continue
		case client := <-h.Unregister:
			h.unregister(client)
			continue
		case m := <-h.membership:
			h.applyMembership(m)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.register(client)
		case client := <-h.Unregister:
			h.unregister(client)
		case m := <-h.membership:
			h.applyMembership(m)
		case rm := <-h.emit:
			h.sendToRoom(rm)
		}
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketConnections.Set(float64(total))
	logging.Info().Int64("user_id", client.UserID()).Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		h.removeLocked(client)
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketConnections.Set(float64(total))
	logging.Info().Int64("user_id", client.UserID()).Int("total_clients", total).Msg("websocket client disconnected")
}

// removeLocked drops client from every room and closes its send channel.
func (h *Hub) removeLocked(client *Client) {
	for room := range client.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	client.rooms = nil
	delete(h.clients, client)
	client.closeSend()
}

func (h *Hub) applyMembership(m membership) {
	defer func() {
		if m.done != nil {
			close(m.done)
		}
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[m.client] {
		return
	}
	if m.join {
		members, ok := h.rooms[m.room]
		if !ok {
			members = make(map[*Client]struct{})
			h.rooms[m.room] = members
		}
		members[m.client] = struct{}{}
		m.client.rooms[m.room] = struct{}{}
		return
	}
	if members, ok := h.rooms[m.room]; ok {
		delete(members, m.client)
		if len(members) == 0 {
			delete(h.rooms, m.room)
		}
	}
	delete(m.client.rooms, m.room)
}

// sendToRoom delivers to room members in client id order. A client whose
// buffer is full is disconnected.
func (h *Hub) sendToRoom(rm roomMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[rm.room]
	if len(members) == 0 {
		return
	}
	clients := make([]*Client, 0, len(members))
	for client := range members {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client
	for _, client := range clients {
		if !client.Send(rm.message) {
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		logging.Warn().Int64("user_id", client.UserID()).Str("room", rm.room).Msg("client send buffer full, disconnecting")
		h.removeLocked(client)
	}
}

// Join adds client to room. It blocks until the hub has applied the change,
// so an emit made afterwards reaches the client.
func (h *Hub) Join(ctx context.Context, client *Client, room string) error {
	return h.changeMembership(ctx, membership{client: client, room: room, join: true})
}

// Leave removes client from room.
func (h *Hub) Leave(ctx context.Context, client *Client, room string) error {
	return h.changeMembership(ctx, membership{client: client, room: room})
}

func (h *Hub) changeMembership(ctx context.Context, m membership) error {
	if !h.running.Load() {
		return ErrHubStopped
	}
	m.done = make(chan struct{})
	select {
	case h.membership <- m:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitLocal queues event for every client of room on this instance. It
// returns once the hub has accepted the message.
func (h *Hub) EmitLocal(ctx context.Context, room, event string, data interface{}) error {
	if !h.running.Load() {
		return ErrHubStopped
	}
	select {
	case h.emit <- roomMessage{room: room, message: Message{Type: event, Data: data}}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitRaw is EmitLocal for an already encoded data payload, as received from
// a cross-instance bridge.
func (h *Hub) EmitRaw(ctx context.Context, room, event string, data []byte) error {
	return h.EmitLocal(ctx, room, event, json.RawMessage(data))
}

func (h *Hub) logGracefulShutdown(ctx context.Context) {
	clientCount := h.GetClientCount()
	h.closeAllClients()

	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", clientCount).
		Msg("websocket hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ShutdownReasonContextDeadline
	}
	return ShutdownReasonContextCanceled
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	for _, client := range clients {
		h.removeLocked(client)
	}
	metrics.WebSocketConnections.Set(0)
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of local clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// IsRunning reports whether RunWithContext is active.
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// MarshalMessage converts a message to JSON.
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
