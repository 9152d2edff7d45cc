// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/config"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store/memstore"
)

func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

var errUnreachable = errors.New("realtime layer unreachable")

type emitted struct {
	Room  string
	Event string
	Data  any
}

// recordingEmitter records every emit. Rooms listed in fail return an error.
type recordingEmitter struct {
	mu    sync.Mutex
	emits []emitted
	fail  map[string]bool
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{fail: map[string]bool{}}
}

func (e *recordingEmitter) Emit(_ context.Context, room, event string, data interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail[room] {
		return errUnreachable
	}
	e.emits = append(e.emits, emitted{Room: room, Event: event, Data: data})
	return nil
}

func (e *recordingEmitter) failRoom(room string, fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail[room] = fail
}

// to returns the event names emitted to room, in order.
func (e *recordingEmitter) to(room string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, m := range e.emits {
		if m.Room == room {
			out = append(out, m.Event)
		}
	}
	return out
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.emits)
}

func (e *recordingEmitter) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emits = nil
}

// lastError returns the last error event sent to room.
func (e *recordingEmitter) lastError(room string) (models.ErrorEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.emits) - 1; i >= 0; i-- {
		m := e.emits[i]
		if m.Room == room && m.Event == models.ClientError {
			ev, ok := m.Data.(models.ErrorEvent)
			return ev, ok
		}
	}
	return models.ErrorEvent{}, false
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

func (p *recordingPublisher) published() []*broker.Intent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*broker.Intent(nil), p.intents...)
}

// fixture wires every dispatcher to a memstore, a recording emitter and a
// recording publisher with a controllable clock.
type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *memstore.Store
	emitter   *recordingEmitter
	publisher *recordingPublisher
	pipeline  *Pipeline
	d         *Dispatchers

	mu  sync.Mutex
	now time.Time
}

var testRetry = config.RetryConfig{
	BaseBackoff: 30 * time.Second,
	MaxBackoff:  10 * time.Minute,
	MaxAttempts: 8,
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	enforcer, err := authz.NewEnforcer(nil)
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	t.Cleanup(enforcer.Close)

	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     memstore.New(),
		emitter:   newRecordingEmitter(),
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(f.clock)

	f.pipeline, err = NewPipeline(Deps{
		Store:      f.store,
		Publisher:  f.publisher,
		Emitter:    f.emitter,
		Authorizer: authz.NewAuthorizer(enforcer),
		Retry:      testRetry,
		Now:        f.clock,
	})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	f.d = NewDispatchers(f.pipeline)

	for id, name := range map[int64]string{1: "xavier", 2: "yasmin", 3: "zoe", 4: "walt"} {
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

// group creates a group owned by admin with members, directly in the store.
func (f *fixture) group(admin int64, members ...int64) *models.Conversation {
	f.t.Helper()
	conv, err := f.store.CreateConversation(f.ctx, &models.Conversation{
		Type: models.ConversationGroup, Name: "team", CreatedBy: admin,
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

func (f *fixture) intent(actor int64, key string, payload any) *broker.Intent {
	f.t.Helper()
	in, err := broker.NewIntent(f.ctx, broker.Actor{ID: actor}, payload)
	if err != nil {
		f.t.Fatalf("NewIntent(%s) error = %v", key, err)
	}
	in.RoutingKey = key
	return in
}

// rawIntent skips payload validation so tests can send malformed payloads.
func (f *fixture) rawIntent(actor int64, key, data string) *broker.Intent {
	return &broker.Intent{ID: "raw", RoutingKey: key, Actor: broker.Actor{ID: actor}, Data: []byte(data)}
}

// handle routes in the way the broker bindings would.
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
	f.t.Fatalf("no binding for %s", in.RoutingKey)
	return nil
}

// dispatch handles an intent and fails the test on an infrastructure error.
func (f *fixture) dispatch(actor int64, key string, payload any) {
	f.t.Helper()
	if err := f.handle(f.intent(actor, key, payload)); err != nil {
		f.t.Fatalf("handle %s: %v", key, err)
	}
}

// send creates a message from sender and returns it with its event.
func (f *fixture) send(sender, threadID int64, text string) (*models.Message, *models.DomainEvent) {
	f.t.Helper()
	f.dispatch(sender, models.KeyMessageCreated, &broker.CreateMessageIntent{
		ThreadID: threadID,
		Content:  models.MessageContent{"text": text},
	})
	last, err := f.store.LastMessage(f.ctx, threadID)
	if err != nil {
		f.t.Fatalf("LastMessage() error = %v", err)
	}
	return last, f.event(models.AggregateMessage, last.ID, models.KindMessageCreated)
}

func (f *fixture) event(agg models.AggregateType, id int64, kind models.EventKind) *models.DomainEvent {
	f.t.Helper()
	ev, err := f.store.FindEventByAggregate(f.ctx, agg, id, kind)
	if err != nil {
		f.t.Fatalf("FindEventByAggregate(%s %d %s) error = %v", agg, id, kind, err)
	}
	return ev
}

func (f *fixture) delivery(eventID, userID int64) *models.DeliveryStatus {
	f.t.Helper()
	d, err := f.store.GetDelivery(f.ctx, eventID, userID)
	if err != nil {
		f.t.Fatalf("GetDelivery(%d, %d) error = %v", eventID, userID, err)
	}
	return d
}

func (f *fixture) deliveryCount(eventID int64) int {
	f.t.Helper()
	n, err := f.store.CountDeliveries(f.ctx, eventID)
	if err != nil {
		f.t.Fatalf("CountDeliveries() error = %v", err)
	}
	return n
}

func (f *fixture) wantRejected(room string, code models.ErrorCode) {
	f.t.Helper()
	ev, ok := f.emitter.lastError(room)
	if !ok {
		f.t.Fatalf("no error event sent to %s", room)
	}
	if ev.Code != code {
		f.t.Errorf("error code = %s, want %s (%s)", ev.Code, code, ev.Message)
	}
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
