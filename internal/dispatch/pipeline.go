// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/config"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
	"github.com/tomtom215/threadline/internal/websocket"
)

// fanOutLimit bounds concurrent room emits for one event.
const fanOutLimit = 16

// Deps are the collaborators every dispatcher is built from.
type Deps struct {
	Store      store.Store
	Publisher  broker.IntentPublisher
	Emitter    websocket.Emitter
	Authorizer *authz.Authorizer
	Retry      config.RetryConfig

	// Now defaults to time.Now.
	Now func() time.Time
}

func (d *Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("dispatch: store is required")
	case d.Emitter == nil:
		return errors.New("dispatch: emitter is required")
	case d.Authorizer == nil:
		return errors.New("dispatch: authorizer is required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return nil
}

// Route is one tracked emit: Event sent to Room counts as a delivery attempt
// for each of Users.
type Route struct {
	Room  string
	Event string
	Users []int64
}

// Signal is an untracked emit such as join_thread.
type Signal struct {
	Room  string
	Event string
	Data  any
}

// Change is what a mutation produced inside the first transaction.
type Change struct {
	Kind        models.EventKind
	AggregateID int64
	ThreadID    int64
	Payload     models.EventPayload

	// Recipients get one delivery row each.
	Recipients []int64

	// Routes default to one per recipient on its personal room. Recipients
	// no successful route covers stay pending.
	Routes []Route

	// Signals are sent after the routes.
	Signals []Signal
}

// MutateFunc applies an intent inside a transaction and describes the
// resulting event. Returning an error rolls the transaction back.
type MutateFunc func(ctx context.Context, repo store.Repository, actor *models.User) (*Change, error)

// Pipeline runs the dispatcher algorithm shared by every aggregate:
// mutate and append the event, initialize deliveries and publish, fan out,
// then record the attempts.
type Pipeline struct {
	deps Deps
}

// NewPipeline validates deps.
func NewPipeline(deps Deps) (*Pipeline, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Pipeline{deps: deps}, nil
}

// Deps returns the pipeline collaborators.
func (p *Pipeline) Deps() Deps {
	return p.deps
}

// Run applies in with mutate. Business failures are reported to the actor
// and swallowed; the returned error is always an infrastructure failure.
//
// The mutation with its event and the delivery rows commit in two separate
// transactions (persist, then Publish). A crash between them leaves the
// event with published=false; the unpublished sweep (Sweeper.RunUnpublished)
// is the recovery path and completes it with the recorded recipients.
func (p *Pipeline) Run(ctx context.Context, in *broker.Intent, mutate MutateFunc) error {
	start := time.Now()
	outcome := "ok"
	defer func() {
		metrics.RecordDispatch(in.RoutingKey, outcome, time.Since(start))
	}()

	ev, change, err := p.persist(ctx, in, mutate)
	if err != nil {
		if be := AsBusiness(err); be != nil {
			outcome = "rejected"
			p.Reject(ctx, in, be)
			return nil
		}
		outcome = "failed"
		return err
	}

	fresh, err := p.Publish(ctx, ev, change.Recipients)
	if err != nil {
		// The event exists unpublished; the unpublished sweep completes it.
		outcome = "failed"
		return err
	}
	if !fresh {
		return nil
	}

	p.FanOut(ctx, ev, change.Recipients, change.Routes, change.Signals)
	return nil
}

// handle decodes the payload of in into T and runs fn through the pipeline.
// A payload that does not decode is rejected like any business failure.
func handle[T any](ctx context.Context, p *Pipeline, in *broker.Intent, fn func(context.Context, store.Repository, *models.User, *T) (*Change, error)) error {
	req := new(T)
	if err := in.Decode(req); err != nil {
		metrics.RecordDispatch(in.RoutingKey, "rejected", 0)
		p.Reject(ctx, in, AsBusiness(err))
		return nil
	}
	return p.Run(ctx, in, func(ctx context.Context, repo store.Repository, actor *models.User) (*Change, error) {
		return fn(ctx, repo, actor, req)
	})
}

// persist is the first transaction: actor lookup, mutation and event append.
func (p *Pipeline) persist(ctx context.Context, in *broker.Intent, mutate MutateFunc) (*models.DomainEvent, *Change, error) {
	var (
		ev     *models.DomainEvent
		change *Change
	)
	err := p.deps.Store.InTx(ctx, func(repo store.Repository) error {
		actor, err := repo.GetUser(ctx, in.Actor.ID)
		if err != nil {
			if store.IsNotFound(err) {
				return notFound("user", err)
			}
			return fmt.Errorf("load actor: %w", err)
		}

		change, err = mutate(ctx, repo, actor)
		if err != nil {
			return err
		}
		change.Recipients = uniqueIDs(change.Recipients)

		ev, err = repo.AppendEvent(ctx, &models.DomainEvent{
			AggregateType: change.Kind.Aggregate(),
			AggregateID:   change.AggregateID,
			Kind:          change.Kind,
			ThreadID:      change.ThreadID,
			Payload:       change.Payload,
			Recipients:    change.Recipients,
			CreatedAt:     p.deps.Now(),
		})
		if err != nil {
			return fmt.Errorf("append %s event: %w", change.Kind, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.RecordEventPersisted(string(ev.Kind))
	return ev, change, nil
}

// Publish is the second transaction: one delivery row per recipient, then
// published=true. fresh is false when rows already existed, in which case
// only the flag is set and the caller must not fan out again.
func (p *Pipeline) Publish(ctx context.Context, ev *models.DomainEvent, recipients []int64) (fresh bool, err error) {
	now := p.deps.Now()
	var created int
	err = p.deps.Store.InTx(ctx, func(repo store.Repository) error {
		rows, err := repo.InitDeliveries(ctx, ev.ID, ev.ThreadID, recipients, now)
		if err != nil {
			return fmt.Errorf("init deliveries for event %d: %w", ev.ID, err)
		}
		created = len(rows)
		if err := repo.MarkEventPublished(ctx, ev.ID, now); err != nil {
			return fmt.Errorf("mark event %d published: %w", ev.ID, err)
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrDuplicateDelivery):
		// The unique violation rolled the transaction back; set the flag alone.
		if err := p.deps.Store.MarkEventPublished(ctx, ev.ID, now); err != nil {
			return false, fmt.Errorf("mark event %d published: %w", ev.ID, err)
		}
		return false, nil
	case err != nil:
		return false, err
	}
	metrics.RecordDeliveriesInitialized(created)
	return true, nil
}

// FanOut emits ev along routes and records one attempt per recipient.
// Nothing here fails the intent: rows left pending are repaired by the
// retry path.
func (p *Pipeline) FanOut(ctx context.Context, ev *models.DomainEvent, recipients []int64, routes []Route, signals []Signal) {
	log := logging.Ctx(ctx)

	data, err := Render(ev)
	if err != nil {
		log.Error().Err(err).Int64("event_id", ev.ID).Msg("Cannot render event, deliveries stay pending")
		p.recordAttempts(ctx, ev.ID, nil, recipients)
		return
	}
	if routes == nil {
		routes = PersonalRoutes(ev, recipients)
	}

	var (
		mu        sync.Mutex
		delivered = make(map[int64]bool, len(recipients))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for _, r := range routes {
		g.Go(func() error {
			if err := p.deps.Emitter.Emit(gctx, r.Room, r.Event, data); err != nil {
				log.Warn().Err(err).Str("room", r.Room).Str("event", r.Event).Msg("Emit failed, delivery stays pending")
				return nil
			}
			mu.Lock()
			for _, u := range r.Users {
				delivered[u] = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range signals {
		if err := p.deps.Emitter.Emit(ctx, s.Room, s.Event, s.Data); err != nil {
			log.Warn().Err(err).Str("room", s.Room).Str("event", s.Event).Msg("Signal emit failed")
		}
	}

	var ok, pending []int64
	for _, u := range recipients {
		if delivered[u] {
			ok = append(ok, u)
		} else {
			pending = append(pending, u)
		}
	}
	p.recordAttempts(ctx, ev.ID, ok, pending)
}

func (p *Pipeline) recordAttempts(ctx context.Context, eventID int64, delivered, pending []int64) {
	now := p.deps.Now()
	for _, batch := range []struct {
		users     []int64
		delivered bool
	}{{delivered, true}, {pending, false}} {
		if len(batch.users) == 0 {
			continue
		}
		if err := p.deps.Store.RecordAttempts(ctx, eventID, batch.users, now, batch.delivered); err != nil {
			logging.Ctx(ctx).Error().Err(err).Int64("event_id", eventID).Msg("Failed to record delivery attempts")
			continue
		}
		for range batch.users {
			metrics.RecordDeliveryAttempt("live", batch.delivered)
		}
	}
}

// Reject sends be to the actor's personal room.
func (p *Pipeline) Reject(ctx context.Context, in *broker.Intent, be *BusinessError) {
	metrics.RecordClientRejection(string(be.Code))
	logging.Ctx(ctx).Info().
		Err(be).
		Int64("user_id", in.Actor.ID).
		Str("routing_key", in.RoutingKey).
		Msg("Intent rejected")

	msg := models.ErrorEvent{Code: be.Code, Message: be.Message}
	if err := p.deps.Emitter.Emit(ctx, models.UserRoom(in.Actor.ID), models.ClientError, msg); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Failed to report rejection")
	}
}

// PersonalRoutes sends ev to every recipient's personal room.
func PersonalRoutes(ev *models.DomainEvent, recipients []int64) []Route {
	routes := make([]Route, 0, len(recipients))
	for _, u := range recipients {
		routes = append(routes, Route{Room: models.UserRoom(u), Event: EventNameFor(ev, u), Users: []int64{u}})
	}
	return routes
}

// participantIDs returns the user ids of ps.
func participantIDs(ps []models.Participant) []int64 {
	ids := make([]int64, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.UserID)
	}
	return ids
}

// uniqueIDs returns ids sorted without duplicates.
func uniqueIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// threadParticipants returns the user ids currently in threadID.
func threadParticipants(ctx context.Context, repo store.Repository, threadID int64) ([]int64, error) {
	ps, err := repo.ListParticipants(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list participants of thread %d: %w", threadID, err)
	}
	return participantIDs(ps), nil
}

// without returns ids minus drop.
func without(ids []int64, drop ...int64) []int64 {
	skip := make(map[int64]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}
