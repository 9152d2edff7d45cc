// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/config"
	"github.com/tomtom215/threadline/internal/dispatch"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store/memstore"
	"github.com/tomtom215/threadline/internal/websocket"
)

func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

type emitted struct {
	Room  string
	Event string
	Data  any
}

type recordingEmitter struct {
	mu    sync.Mutex
	emits []emitted
}

func (e *recordingEmitter) Emit(_ context.Context, room, event string, data interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emits = append(e.emits, emitted{Room: room, Event: event, Data: data})
	return nil
}

// to returns what was emitted to room, in order.
func (e *recordingEmitter) to(room string) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emitted
	for _, m := range e.emits {
		if m.Room == room {
			out = append(out, m)
		}
	}
	return out
}

func (e *recordingEmitter) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emits = nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	intents []*broker.Intent
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, in *broker.Intent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	in.RoutingKey = routingKey
	p.intents = append(p.intents, in)
	return nil
}

// take returns and clears the published intents.
func (p *recordingPublisher) take() []*broker.Intent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.intents
	p.intents = nil
	return out
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.intents))
	for i, in := range p.intents {
		out[i] = in.RoutingKey
	}
	return out
}

// fakeConn stands in for a websocket client.
type fakeConn struct {
	id       int64
	name     string
	socketID string

	mu     sync.Mutex
	rooms  map[string]bool
	errors []models.ErrorEvent
	join   error
}

func newFakeConn(id int64, name string) *fakeConn {
	return &fakeConn{id: id, name: name, socketID: "sock-" + name, rooms: map[string]bool{}}
}

func (c *fakeConn) UserID() int64    { return c.id }
func (c *fakeConn) Username() string { return c.name }
func (c *fakeConn) SocketID() string { return c.socketID }

func (c *fakeConn) Join(_ context.Context, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.join != nil {
		return c.join
	}
	c.rooms[room] = true
	return nil
}

func (c *fakeConn) Leave(_ context.Context, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
	return nil
}

func (c *fakeConn) SendError(code models.ErrorCode, message string, f websocket.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, models.ErrorEvent{Code: code, Message: message, Event: f.Type, AckID: f.AckID})
}

func (c *fakeConn) in(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room]
}

func (c *fakeConn) lastError() (models.ErrorEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errors) == 0 {
		return models.ErrorEvent{}, false
	}
	return c.errors[len(c.errors)-1], true
}

// fixture wires a connector to a memstore and runs the published intents
// through the real dispatchers on demand.
type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *memstore.Store
	emitter   *recordingEmitter
	publisher *recordingPublisher
	connector *Connector
	d         *dispatch.Dispatchers

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	enforcer, err := authz.NewEnforcer(nil)
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	t.Cleanup(enforcer.Close)
	az := authz.NewAuthorizer(enforcer)

	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     memstore.New(),
		emitter:   &recordingEmitter{},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(f.clock)

	f.connector, err = NewConnector(Deps{
		Store:      f.store,
		Publisher:  f.publisher,
		Emitter:    f.emitter,
		Authorizer: az,
		Catchup:    config.CatchupConfig{PageSize: 50},
		InstanceID: "gw-test",
		Now:        f.clock,
	})
	if err != nil {
		t.Fatalf("NewConnector() error = %v", err)
	}

	pipeline, err := dispatch.NewPipeline(dispatch.Deps{
		Store:      f.store,
		Publisher:  f.publisher,
		Emitter:    f.emitter,
		Authorizer: az,
		Retry:      config.RetryConfig{BaseBackoff: 30 * time.Second, MaxBackoff: 10 * time.Minute, MaxAttempts: 8},
		Now:        f.clock,
	})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	f.d = dispatch.NewDispatchers(pipeline)

	for id, name := range map[int64]string{1: "xavier", 2: "yasmin", 3: "zoe"} {
		if _, err := f.store.UpsertUser(f.ctx, &models.User{ID: id, Username: name}); err != nil {
			t.Fatalf("UpsertUser() error = %v", err)
		}
	}
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// open connects user id and returns the session with its connection.
func (f *fixture) open(id int64, name string) (*Session, *fakeConn) {
	f.t.Helper()
	conn := newFakeConn(id, name)
	s, err := f.connector.Open(f.ctx, conn)
	if err != nil {
		f.t.Fatalf("Open(%d) error = %v", id, err)
	}
	return s, conn
}

// send dispatches one client frame and reports whether it was accepted.
func (f *fixture) send(s *Session, event string, data any) bool {
	f.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		f.t.Fatalf("marshal %s: %v", event, err)
	}
	return s.Dispatch(f.ctx, websocket.Frame{Type: event, Data: raw, AckID: "a-" + event})
}

// flush runs every published intent through the dispatcher that binds it,
// until nothing new is published.
func (f *fixture) flush() {
	f.t.Helper()
	for {
		intents := f.publisher.take()
		if len(intents) == 0 {
			return
		}
		for _, in := range intents {
			if err := f.handle(in); err != nil {
				f.t.Fatalf("handle %s: %v", in.RoutingKey, err)
			}
		}
	}
}

func (f *fixture) handle(in *broker.Intent) error {
	switch {
	case models.IsAckRoutingKey(in.RoutingKey):
		return f.d.Ack.Handle(f.ctx, in)
	case strings.HasPrefix(in.RoutingKey, "event.message."):
		return f.d.Message.Handle(f.ctx, in)
	case strings.HasPrefix(in.RoutingKey, "event.conversation."):
		return f.d.Conversation.Handle(f.ctx, in)
	case strings.HasPrefix(in.RoutingKey, "event.user."):
		return f.d.User.Handle(f.ctx, in)
	case strings.HasPrefix(in.RoutingKey, "event.retry."):
		return f.d.Retry.Handle(f.ctx, in)
	}
	return errors.New("no binding for " + in.RoutingKey)
}

// group creates a group owned by admin directly in the store.
func (f *fixture) group(admin int64, members ...int64) *models.Conversation {
	f.t.Helper()
	conv, err := f.store.CreateConversation(f.ctx, &models.Conversation{
		Type: models.ConversationGroup, Name: "team", CreatedBy: admin, CreatedAt: f.clock(),
	})
	if err != nil {
		f.t.Fatalf("CreateConversation() error = %v", err)
	}
	if _, err := f.store.AddParticipants(f.ctx, conv.ID, []int64{admin}, models.RoleAdmin, f.clock()); err != nil {
		f.t.Fatalf("AddParticipants() error = %v", err)
	}
	if len(members) > 0 {
		if _, err := f.store.AddParticipants(f.ctx, conv.ID, members, models.RoleMember, f.clock()); err != nil {
			f.t.Fatalf("AddParticipants() error = %v", err)
		}
	}
	return conv
}

// message stores a message directly.
func (f *fixture) message(sender, threadID int64, text string) *models.Message {
	f.t.Helper()
	m, err := f.store.CreateMessage(f.ctx, &models.Message{
		ConversationID: threadID,
		SenderID:       sender,
		Content:        models.MessageContent{"text": text},
		CreatedAt:      f.clock(),
		UpdatedAt:      f.clock(),
	})
	if err != nil {
		f.t.Fatalf("CreateMessage() error = %v", err)
	}
	return m
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
