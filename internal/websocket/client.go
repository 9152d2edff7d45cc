// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
	"github.com/tomtom215/threadline/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB

	// MessageTypePing is answered by the client itself with a pong.
	MessageTypePing = "ping"
)

// clientIDCounter gives clients a stable order for room fan-out.
var clientIDCounter atomic.Uint64

// Frame is an inbound client event.
type Frame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ack_id,omitempty"`
}

// FrameHandler receives the inbound frames of one client, in order, on the
// client's read goroutine. Close is called once after the connection ends.
type FrameHandler interface {
	HandleFrame(ctx context.Context, c *Client, f Frame)
	Close(ctx context.Context)
}

// ClientOptions tune a connection.
type ClientOptions struct {
	SendBuffer int

	// InboundRate is the sustained client events per second; 0 disables the limit.
	InboundRate  float64
	InboundBurst int
}

// DefaultClientOptions returns production defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{SendBuffer: 256, InboundRate: 20, InboundBurst: 40}
}

// Client is one websocket connection of an authenticated user.
type Client struct {
	id       uint64
	socketID string
	userID   int64
	username string

	hub     *Hub
	conn    *websocket.Conn
	handler FrameHandler
	limiter *rate.Limiter

	sendMu sync.Mutex
	closed bool
	send   chan Message

	// rooms is owned by the hub goroutine.
	rooms map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a client for userID. conn may be nil in tests.
func NewClient(hub *Hub, conn *websocket.Conn, userID int64, username string, opts ClientOptions) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	var limiter *rate.Limiter
	if opts.InboundRate > 0 {
		burst := opts.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.InboundRate), burst)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:       clientIDCounter.Add(1),
		socketID: uuid.New().String(),
		userID:   userID,
		username: username,
		hub:      hub,
		conn:     conn,
		limiter:  limiter,
		send:     make(chan Message, opts.SendBuffer),
		rooms:    make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the process-local client id.
func (c *Client) ID() uint64 { return c.id }

// SocketID returns the globally unique connection id.
func (c *Client) SocketID() string { return c.socketID }

func (c *Client) UserID() int64 { return c.userID }

func (c *Client) Username() string { return c.username }

// Context is canceled when the connection ends.
func (c *Client) Context() context.Context { return c.ctx }

// Join adds the client to room on its hub.
func (c *Client) Join(ctx context.Context, room string) error {
	return c.hub.Join(ctx, c, room)
}

// Leave removes the client from room.
func (c *Client) Leave(ctx context.Context, room string) error {
	return c.hub.Leave(ctx, c, room)
}

// SetHandler installs the frame handler. Call before Start.
func (c *Client) SetHandler(h FrameHandler) { c.handler = h }

// Send queues msg for this connection only. It reports false when the
// connection is closed or its buffer is full.
func (c *Client) Send(msg Message) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// SendError sends an error event to this connection.
func (c *Client) SendError(code models.ErrorCode, message string, f Frame) {
	metrics.RecordClientRejection(string(code))
	c.Send(Message{Type: models.ClientError, Data: models.ErrorEvent{
		Code:    code,
		Message: message,
		Event:   f.Type,
		AckID:   f.AckID,
	}})
}

// closeSend is called by the hub, under its lock, when the client leaves.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Start registers the client with the hub. The caller then joins rooms and
// calls Pump.
func (c *Client) Start(ctx context.Context) error {
	if !c.hub.IsRunning() {
		return ErrHubStopped
	}
	select {
	case c.hub.Register <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pump starts the read and write goroutines.
func (c *Client) Pump() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		select {
		case c.hub.Unregister <- c:
		case <-time.After(writeWait):
		}
		_ = c.conn.Close()
		if c.handler != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			c.handler.Close(ctx)
			cancel()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Int64("user_id", c.userID).Msg("unexpected websocket close error")
			}
			return
		}
		c.handleData(data)
	}
}

func (c *Client) handleData(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		c.SendError(models.CodeInvalidRequest, "malformed frame", f)
		return
	}

	if f.Type == MessageTypePing {
		c.Send(Message{Type: models.ClientPong, Data: f.AckID})
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.SendError(models.CodeInvalidRequest, "rate limit exceeded", f)
		return
	}

	if c.handler == nil {
		return
	}
	ctx := logging.ContextWithNewCorrelationID(c.ctx)
	c.handler.HandleFrame(ctx, c, f)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := MarshalMessage(message)
			if err != nil {
				logging.Error().Err(err).Str("type", message.Type).Msg("failed to encode message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Debug().Err(err).Int64("user_id", c.userID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
