// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/config"
	"github.com/tomtom215/threadline/internal/models"
)

var testSweep = config.SweepConfig{
	Enabled:             true,
	UnpublishedInterval: time.Minute,
	StaleInterval:       time.Minute,
	GracePeriod:         30 * time.Second,
	BatchSize:           100,
}

func (f *fixture) sweeper() *Sweeper {
	f.t.Helper()
	s, err := NewSweeper(f.pipeline, testSweep, nil)
	if err != nil {
		f.t.Fatalf("NewSweeper() error = %v", err)
	}
	return s
}

func TestNewSweeper_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	noPublisher, err := NewPipeline(Deps{Store: f.store, Emitter: f.emitter, Authorizer: f.pipeline.deps.Authorizer})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	if _, err := NewSweeper(noPublisher, testSweep, nil); err == nil {
		t.Error("NewSweeper() without a publisher succeeded")
	}

	bad := testSweep
	bad.StaleInterval = 0
	if _, err := NewSweeper(f.pipeline, bad, nil); err == nil {
		t.Error("NewSweeper() with a zero interval succeeded")
	}
	if s := f.sweeper(); s.String() != "sweeper" {
		t.Errorf("String() = %q", s.String())
	}
}

// The database fails between the mutation and the delivery rows; the
// sweep finishes the job once the event is past the grace period.
func TestSweeper_RepairsUnpublished(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	thread := f.group(1, 2)
	f.store.FailOn("InitDeliveries", errors.New("connection reset"))

	in := f.intent(1, models.KeyMessageCreated, &broker.CreateMessageIntent{ThreadID: thread.ID, Content: models.MessageContent{"text": "lost?"}})
	if err := f.handle(in); err == nil {
		t.Fatal("Handle() succeeded with a failing store")
	}
	f.store.FailOn("InitDeliveries", nil)
	msg, _ := f.store.LastMessage(f.ctx, thread.ID)
	ev := f.event(models.AggregateMessage, msg.ID, models.KindMessageCreated)

	s := f.sweeper()
	if n, err := s.RunUnpublished(f.ctx); err != nil || n != 0 {
		t.Fatalf("RunUnpublished() inside grace = %d, %v", n, err)
	}

	f.advance(testSweep.GracePeriod + time.Second)
	n, err := s.RunUnpublished(f.ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunUnpublished() = %d, %v; want 1", n, err)
	}

	ev = f.event(models.AggregateMessage, msg.ID, models.KindMessageCreated)
	if !ev.Published || f.deliveryCount(ev.ID) != 2 {
		t.Errorf("event published=%v deliveries=%d", ev.Published, f.deliveryCount(ev.ID))
	}
	for _, u := range []int64{1, 2} {
		if got := f.emitter.to(models.UserRoom(u)); len(got) != 1 {
			t.Errorf("emits to user-%d = %v", u, got)
		}
		if d := f.delivery(ev.ID, u); d.DeliveryAttempts != 1 {
			t.Errorf("user %d attempts = %d", u, d.DeliveryAttempts)
		}
	}

	if n, err := s.RunUnpublished(f.ctx); err != nil || n != 0 {
		t.Errorf("second RunUnpublished() = %d, %v", n, err)
	}
}

// The sweep delivers to the audience recorded with the event, not to the
// thread's membership at repair time.
func TestSweeper_UsesRecordedRecipients(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	thread := f.group(1, 2, 3)
	f.store.FailOn("InitDeliveries", errors.New("connection reset"))

	in := f.intent(1, models.KeyMessageCreated, &broker.CreateMessageIntent{ThreadID: thread.ID, Content: models.MessageContent{"text": "before"}})
	if err := f.handle(in); err == nil {
		t.Fatal("Handle() succeeded with a failing store")
	}
	f.store.FailOn("InitDeliveries", nil)
	msg, _ := f.store.LastMessage(f.ctx, thread.ID)
	ev := f.event(models.AggregateMessage, msg.ID, models.KindMessageCreated)
	if !equalInts(ev.Recipients, []int64{1, 2, 3}) {
		t.Fatalf("recorded recipients = %v", ev.Recipients)
	}

	// 3 leaves and 4 joins before the sweep runs.
	if _, err := f.store.RemoveParticipants(f.ctx, thread.ID, []int64{3}); err != nil {
		t.Fatalf("RemoveParticipants() error = %v", err)
	}
	if _, err := f.store.AddParticipants(f.ctx, thread.ID, []int64{4}, models.RoleMember, f.clock()); err != nil {
		t.Fatalf("AddParticipants() error = %v", err)
	}

	f.advance(testSweep.GracePeriod + time.Second)
	if n, err := f.sweeper().RunUnpublished(f.ctx); err != nil || n != 1 {
		t.Fatalf("RunUnpublished() = %d, %v", n, err)
	}
	if f.deliveryCount(ev.ID) != 3 {
		t.Errorf("deliveries = %d, want 3", f.deliveryCount(ev.ID))
	}
	if _, err := f.store.GetDelivery(f.ctx, ev.ID, 4); err == nil {
		t.Error("user 4 joined after the event but got a delivery row")
	}
}

func equalInts(a, b []int64) bool {
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

func TestSweeper_RepairsJoinSignals(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.FailOn("InitDeliveries", errors.New("connection reset"))
	in := f.intent(1, models.KeyConversationCreatedGrp, &broker.CreateConversationIntent{Name: "late", ParticipantIDs: []int64{2}})
	if err := f.handle(in); err == nil {
		t.Fatal("Handle() succeeded with a failing store")
	}
	f.store.FailOn("InitDeliveries", nil)
	f.advance(time.Minute)

	if n, err := f.sweeper().RunUnpublished(f.ctx); err != nil || n != 1 {
		t.Fatalf("RunUnpublished() = %d, %v", n, err)
	}
	for _, u := range []int64{1, 2} {
		want := []string{"conversation_group_created", models.ClientJoinThread}
		if got := f.emitter.to(models.UserRoom(u)); !equalStrings(got, want) {
			t.Errorf("emits to user-%d = %v, want %v", u, got, want)
		}
	}
}

// An event whose rows exist but whose flag was never set is only flagged.
func TestSweeper_FlagsEventWithExistingRows(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	thread := f.group(1, 2)
	msg, _ := f.send(1, thread.ID, "hi")
	f.emitter.reset()

	ev, err := f.store.AppendEvent(f.ctx, &models.DomainEvent{
		AggregateType: models.AggregateMessage,
		AggregateID:   msg.ID,
		Kind:          models.KindMessageUpdated,
		ThreadID:      thread.ID,
		Payload:       models.MessagePayload{Thread: *thread, Message: *msg},
		CreatedAt:     f.clock(),
	})
	if err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if _, err := f.store.InitDeliveries(f.ctx, ev.ID, thread.ID, []int64{1, 2}, f.clock()); err != nil {
		t.Fatalf("InitDeliveries() error = %v", err)
	}
	f.advance(time.Minute)

	if n, err := f.sweeper().RunUnpublished(f.ctx); err != nil || n != 1 {
		t.Fatalf("RunUnpublished() = %d, %v", n, err)
	}
	got, _ := f.store.GetEvent(f.ctx, ev.ID)
	if !got.Published {
		t.Error("event not flagged")
	}
	if f.emitter.count() != 0 {
		t.Errorf("flag-only repair emitted %d events", f.emitter.count())
	}
	if n := f.deliveryCount(ev.ID); n != 2 {
		t.Errorf("deliveries = %d", n)
	}
}

func TestSweeper_RunStale(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	thread := f.group(1, 2)
	f.emitter.failRoom(models.UserRoom(2), true)
	_, ev := f.send(1, thread.ID, "hello?")
	f.dispatch(1, models.KeyMessageAcknowledged, &broker.AckIntent{EventID: ev.ID})
	d := f.delivery(ev.ID, 2)
	s := f.sweeper()

	if n, err := s.RunStale(f.ctx); err != nil || n != 0 {
		t.Fatalf("RunStale() before backoff = %d, %v", n, err)
	}

	f.advance(testRetry.BaseBackoff + time.Second)
	n, err := s.RunStale(f.ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunStale() = %d, %v; want 1", n, err)
	}
	intents := f.publisher.published()
	if len(intents) != 1 {
		t.Fatalf("published %d intents", len(intents))
	}
	in := intents[0]
	if in.RoutingKey != models.KeyRetryMessage || in.Actor.ID != 2 {
		t.Errorf("intent = %s from %d", in.RoutingKey, in.Actor.ID)
	}
	var req broker.RetryIntent
	if err := in.Decode(&req); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if req.Source != broker.RetrySourceSweep || len(req.DeliveryIDs) != 1 || req.DeliveryIDs[0] != d.ID {
		t.Errorf("retry intent = %+v", req)
	}

	// The retry worker consumes it.
	f.emitter.failRoom(models.UserRoom(2), false)
	if err := f.handle(in); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got := f.delivery(ev.ID, 2); got.DeliveryAttempts != 2 || got.DeliveredAt == nil {
		t.Errorf("delivery = %+v", got)
	}

	// The next window is twice as long.
	f.advance(testRetry.BaseBackoff + time.Second)
	if n, err := s.RunStale(f.ctx); err != nil || n != 0 {
		t.Errorf("RunStale() inside second backoff = %d, %v", n, err)
	}
	f.advance(testRetry.BaseBackoff)
	if n, err := s.RunStale(f.ctx); err != nil || n != 1 {
		t.Errorf("RunStale() after second backoff = %d, %v", n, err)
	}
}

func TestSweeper_RunStaleSkipsExhaustedRows(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	thread := f.group(1, 2)
	_, ev := f.send(1, thread.ID, "hi")
	f.dispatch(1, models.KeyMessageAcknowledged, &broker.AckIntent{EventID: ev.ID})
	d := f.delivery(ev.ID, 2)
	for i := d.DeliveryAttempts; i < testRetry.MaxAttempts; i++ {
		_ = f.store.RecordAttempt(f.ctx, d.ID, f.clock(), false)
	}
	f.advance(24 * time.Hour)

	if n, err := f.sweeper().RunStale(f.ctx); err != nil || n != 0 {
		t.Errorf("RunStale() = %d, %v; want exhausted row skipped", n, err)
	}
}

func TestSweeper_RunStalePublishFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	thread := f.group(1, 2)
	f.send(1, thread.ID, "hi")
	f.publisher.err = errors.New("nats down")
	f.advance(time.Hour)

	n, err := f.sweeper().RunStale(f.ctx)
	if err == nil || n != 0 {
		t.Errorf("RunStale() = %d, %v; want the publish error", n, err)
	}
}

func TestRepairSignals(t *testing.T) {
	t.Parallel()
	conv := models.Conversation{ID: 7, Type: models.ConversationGroup}
	removed := []models.Participant{{ConversationID: 7, UserID: 3}}

	tests := []struct {
		name string
		ev   *models.DomainEvent
		want []string
	}{
		{"created", &models.DomainEvent{Kind: models.KindGroupConversationCreated, Payload: models.ConversationPayload{Conversation: conv}}, []string{"user-1", "user-2"}},
		{"removed", &models.DomainEvent{Kind: models.KindParticipantRemoved, Payload: models.ParticipantsPayload{Conversation: conv, Participants: removed}}, []string{"user-3"}},
		{"updated", &models.DomainEvent{Kind: models.KindGroupConversationUpdated, Payload: models.ConversationPayload{Conversation: conv}}, nil},
		{"message", &models.DomainEvent{Kind: models.KindMessageCreated, Payload: models.MessagePayload{}}, nil},
	}
	for _, tt := range tests {
		var rooms []string
		for _, s := range repairSignals(tt.ev, []int64{1, 2}) {
			rooms = append(rooms, s.Room)
		}
		if !equalStrings(rooms, tt.want) {
			t.Errorf("%s: signal rooms = %v, want %v", tt.name, rooms, tt.want)
		}
	}
}
