// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

// Package memstore is an in-process store.Store. Transactions run against a
// copy of the state that replaces the live state only on success, and are
// serialized by one mutex, so concurrent dispatchers see the same isolation
// a serializable database would give them.
package memstore

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

type state struct {
	users         map[int64]models.User
	conversations map[int64]models.Conversation
	participants  map[int64]models.Participant
	messages      map[int64]models.Message
	reactions     map[int64]models.Reaction
	attachments   map[int64]models.Attachment
	offsets       map[int64]models.ThreadOffset
	events        map[int64]models.DomainEvent
	deliveries    map[int64]models.DeliveryStatus
	sessions      map[int64]models.WebsocketSession
	seq           map[string]int64
}

func newState() *state {
	return &state{
		users:         map[int64]models.User{},
		conversations: map[int64]models.Conversation{},
		participants:  map[int64]models.Participant{},
		messages:      map[int64]models.Message{},
		reactions:     map[int64]models.Reaction{},
		attachments:   map[int64]models.Attachment{},
		offsets:       map[int64]models.ThreadOffset{},
		events:        map[int64]models.DomainEvent{},
		deliveries:    map[int64]models.DeliveryStatus{},
		sessions:      map[int64]models.WebsocketSession{},
		seq:           map[string]int64{},
	}
}

func (s *state) clone() *state {
	return &state{
		users:         maps.Clone(s.users),
		conversations: maps.Clone(s.conversations),
		participants:  maps.Clone(s.participants),
		messages:      maps.Clone(s.messages),
		reactions:     maps.Clone(s.reactions),
		attachments:   maps.Clone(s.attachments),
		offsets:       maps.Clone(s.offsets),
		events:        maps.Clone(s.events),
		deliveries:    maps.Clone(s.deliveries),
		sessions:      maps.Clone(s.sessions),
		seq:           maps.Clone(s.seq),
	}
}

func (s *state) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

// Store is an in-memory store.Store.
type Store struct {
	*repo

	mu     sync.Mutex
	st     *state
	faults map[string]error
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	s := &Store{st: newState(), faults: map[string]error{}, now: time.Now}
	s.repo = &repo{store: s}
	return s
}

// SetClock replaces the clock used for defaulted timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailOn makes the named repository operation return err until cleared with
// a nil err. Tests use it to simulate the database failing mid-pipeline.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// InTx runs fn against a private copy of the state and publishes the copy
// only if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(store.Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&repo{store: s, tx: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// repo implements store.Repository. Outside a transaction each call takes the
// store lock; inside one the lock is already held by InTx.
type repo struct {
	store *Store
	tx    *state
}

func (r *repo) begin() (*state, func()) {
	if r.tx != nil {
		return r.tx, func() {}
	}
	r.store.mu.Lock()
	return r.store.st, r.store.mu.Unlock
}

// fault must be called with the state acquired.
func (r *repo) fault(op string) error {
	return r.store.faults[op]
}

func (r *repo) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return r.store.now().UTC()
	}
	return t.UTC()
}
