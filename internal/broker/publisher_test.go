// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/threadline/internal/wal"
)

// recordingPublisher is a message.Publisher that records messages and can be
// told to fail.
type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][]*message.Message
	fail     error
	closed   bool
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{messages: make(map[string][]*message.Message)}
}

func (r *recordingPublisher) Publish(topic string, msgs ...*message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.messages[topic] = append(r.messages[topic], msgs...)
	return nil
}

func (r *recordingPublisher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingPublisher) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *recordingPublisher) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[topic])
}

func (r *recordingPublisher) last(topic string) *message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[topic]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func TestPublisher_SetsMsgID(t *testing.T) {
	t.Parallel()

	rec := newRecordingPublisher()
	pub := NewPublisherWith(rec, nil)
	in := newTestIntent(t)

	if err := pub.Publish(context.Background(), testTopic, in); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	msg := rec.last(testTopic)
	if msg == nil {
		t.Fatal("nothing published")
	}
	if got := msg.Metadata.Get(natsgo.MsgIdHdr); got != in.ID {
		t.Errorf("Nats-Msg-Id = %q, want intent id %q", got, in.ID)
	}
	if in.RoutingKey != testTopic {
		t.Errorf("RoutingKey = %q, want %q", in.RoutingKey, testTopic)
	}
}

func TestPublisher_Closed(t *testing.T) {
	t.Parallel()

	rec := newRecordingPublisher()
	pub := NewPublisherWith(rec, nil)
	if err := pub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := pub.Publish(context.Background(), testTopic, newTestIntent(t)); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("Publish() error = %v, want ErrPublisherClosed", err)
	}
	if !rec.closed {
		t.Error("inner publisher not closed")
	}
}

func TestPublisher_CircuitBreakerOpens(t *testing.T) {
	t.Parallel()

	rec := newRecordingPublisher()
	rec.setFail(errors.New("nats unavailable"))

	cfg := DefaultCircuitBreakerConfig("test-publisher")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cb := NewCircuitBreaker(cfg)
	pub := NewPublisherWith(rec, cb)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := pub.Publish(ctx, testTopic, newTestIntent(t)); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	if got := CircuitBreakerState(cb); got != gobreaker.StateOpen.String() {
		t.Fatalf("state = %s, want open", got)
	}

	rec.setFail(nil)
	err := pub.Publish(ctx, testTopic, newTestIntent(t))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Publish() error = %v, want ErrOpenState", err)
	}
	if rec.count(testTopic) != 0 {
		t.Error("open breaker let a publish through")
	}
}

func newTestDurable(t *testing.T, rec *recordingPublisher) *DurablePublisher {
	t.Helper()
	cfg := wal.DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false
	cfg.ValueLogFileSize = 1 << 20

	w, err := wal.Open(&cfg)
	if err != nil {
		t.Fatalf("wal.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	d, err := NewDurablePublisher(NewPublisherWith(rec, nil), w)
	if err != nil {
		t.Fatalf("NewDurablePublisher() error = %v", err)
	}
	return d
}

func TestDurablePublisher_ConfirmsOnSuccess(t *testing.T) {
	t.Parallel()

	rec := newRecordingPublisher()
	d := newTestDurable(t, rec)
	ctx := context.Background()
	in := newTestIntent(t)

	if err := d.Publish(ctx, testTopic, in); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if rec.count(testTopic) != 1 {
		t.Fatalf("published %d messages, want 1", rec.count(testTopic))
	}

	pending, err := d.WAL().GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0 after confirm", len(pending))
	}
	entry, err := d.WAL().GetEntry(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if !entry.Confirmed {
		t.Error("entry not confirmed")
	}
}

func TestDurablePublisher_KeepsEntryOnFailure(t *testing.T) {
	t.Parallel()

	rec := newRecordingPublisher()
	rec.setFail(errors.New("nats unavailable"))
	d := newTestDurable(t, rec)
	ctx := context.Background()
	in := newTestIntent(t)

	if err := d.Publish(ctx, testTopic, in); err != nil {
		t.Fatalf("Publish() error = %v, want nil when the WAL holds the intent", err)
	}

	pending, err := d.WAL().GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != in.ID || pending[0].Subject != testTopic {
		t.Fatalf("pending = %+v", pending)
	}

	// Broker back: recovery republishes under the same id.
	rec.setFail(nil)
	result, err := d.WAL().RecoverPending(ctx, d.WALPublisher())
	if err != nil {
		t.Fatalf("RecoverPending() error = %v", err)
	}
	if result.Recovered != 1 {
		t.Errorf("Recovered = %d, want 1", result.Recovered)
	}
	msg := rec.last(testTopic)
	if msg == nil {
		t.Fatal("nothing republished")
	}
	if msg.UUID != in.ID || msg.Metadata.Get(natsgo.MsgIdHdr) != in.ID {
		t.Errorf("republished uuid %s msg id %s, want %s", msg.UUID, msg.Metadata.Get(natsgo.MsgIdHdr), in.ID)
	}
	if msg.Metadata.Get(MetadataCorrelationID) != in.CorrelationID {
		t.Error("correlation id lost on republish")
	}
}

func TestNewDurablePublisher_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewDurablePublisher(nil, nil); err == nil {
		t.Error("expected error for nil publisher")
	}
	if _, err := NewDurablePublisher(NewPublisherWith(newRecordingPublisher(), nil), nil); err == nil {
		t.Error("expected error for nil WAL")
	}
}
