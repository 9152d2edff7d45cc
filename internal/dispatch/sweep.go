// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/config"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
	"github.com/tomtom215/threadline/internal/models"
)

// Sweep job names. They double as the distributed lock keys.
const (
	SweepUnpublished = "sweep-unpublished"
	SweepStale       = "sweep-stale"
)

// maxRetryBatch matches the RetryIntent delivery id limit.
const maxRetryBatch = 1000

// Sweeper runs the two repair jobs: completing events stranded with
// published=false, and handing stale deliveries to the retry worker. With a
// locker only one instance in the cluster runs each job at a time.
type Sweeper struct {
	p      *Pipeline
	cfg    config.SweepConfig
	locker gocron.Locker
}

// NewSweeper creates a sweeper. locker may be nil for a single instance.
func NewSweeper(p *Pipeline, cfg config.SweepConfig, locker gocron.Locker) (*Sweeper, error) {
	if p.deps.Publisher == nil {
		return nil, errors.New("dispatch: sweeper needs a publisher")
	}
	if cfg.UnpublishedInterval <= 0 || cfg.StaleInterval <= 0 {
		return nil, errors.New("dispatch: sweep intervals must be positive")
	}
	return &Sweeper{p: p, cfg: cfg, locker: locker}, nil
}

// Serve schedules both sweeps and blocks until ctx is done.
func (s *Sweeper) Serve(ctx context.Context) error {
	var opts []gocron.SchedulerOption
	if s.locker != nil {
		opts = append(opts, gocron.WithDistributedLocker(s.locker))
	}
	scheduler, err := gocron.NewScheduler(opts...)
	if err != nil {
		return fmt.Errorf("create sweep scheduler: %w", err)
	}

	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context) (int, error)
	}{
		{SweepUnpublished, s.cfg.UnpublishedInterval, s.RunUnpublished},
		{SweepStale, s.cfg.StaleInterval, s.RunStale},
	}
	for _, j := range jobs {
		_, err := scheduler.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() {
				n, err := j.run(ctx)
				metrics.RecordSweep(j.name, n, err)
				if err != nil {
					logging.Error().Err(err).Str("sweep", j.name).Msg("Sweep failed")
					return
				}
				if n > 0 {
					logging.Info().Str("sweep", j.name).Int("repaired", n).Msg("Sweep repaired deliveries")
				}
			}),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = scheduler.Shutdown()
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}

	scheduler.Start()
	logging.Info().
		Dur("unpublished_interval", s.cfg.UnpublishedInterval).
		Dur("stale_interval", s.cfg.StaleInterval).
		Bool("distributed", s.locker != nil).
		Msg("Sweeps scheduled")

	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown sweep scheduler: %w", err)
	}
	return nil
}

func (s *Sweeper) String() string {
	return "sweeper"
}

// RunUnpublished completes publish and fan-out for events older than the
// grace period that never reached published=true. Recipients are re-derived
// from current state. It returns the number of events repaired.
func (s *Sweeper) RunUnpublished(ctx context.Context) (int, error) {
	st := s.p.deps.Store
	cutoff := s.p.deps.Now().Add(-s.cfg.GracePeriod)
	events, err := st.ListUnpublishedEvents(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unpublished events: %w", err)
	}

	var (
		repaired int
		errs     []error
	)
	for i := range events {
		ev := &events[i]
		recipients, err := s.recipients(ctx, ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", ev.ID, err))
			continue
		}
		fresh, err := s.p.Publish(ctx, ev, recipients)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if fresh {
			s.p.FanOut(ctx, ev, recipients, nil, repairSignals(ev, recipients))
		}
		repaired++
	}
	return repaired, errors.Join(errs...)
}

// recipients returns the audience recorded on the event. Events stored
// without one get it re-derived from current membership.
func (s *Sweeper) recipients(ctx context.Context, ev *models.DomainEvent) ([]int64, error) {
	if ev.Recipients != nil {
		return ev.Recipients, nil
	}
	st := s.p.deps.Store
	switch ev.Kind {
	case models.KindConversationDeleted:
		p, ok := ev.Payload.(models.ConversationPayload)
		if !ok {
			return nil, models.ErrPayloadMismatch
		}
		return participantIDs(p.Participants), nil
	case models.KindParticipantRemoved:
		p, ok := ev.Payload.(models.ParticipantsPayload)
		if !ok {
			return nil, models.ErrPayloadMismatch
		}
		remaining, err := threadParticipants(ctx, st, ev.ThreadID)
		if err != nil {
			return nil, err
		}
		return uniqueIDs(append(remaining, participantIDs(p.Participants)...)), nil
	case models.KindMarkThreadRead:
		return []int64{ev.ActorID()}, nil
	case models.KindUserProfileUpdated:
		return profileAudience(ctx, st, ev.ActorID())
	}
	return threadParticipants(ctx, st, ev.ThreadID)
}

// repairSignals rebuilds the room membership signals of a conversation event.
func repairSignals(ev *models.DomainEvent, recipients []int64) []Signal {
	switch p := ev.Payload.(type) {
	case models.ConversationPayload:
		switch ev.Kind {
		case models.KindDMConversationCreated, models.KindGroupConversationCreated:
			return threadSignals(models.ClientJoinThread, p.Conversation, recipients)
		case models.KindConversationDeleted:
			return threadSignals(models.ClientLeaveThread, p.Conversation, recipients)
		}
	case models.ParticipantsPayload:
		switch ev.Kind {
		case models.KindParticipantAdded, models.KindMultipleParticipantAdded:
			return threadSignals(models.ClientJoinThread, p.Conversation, participantIDs(p.Participants))
		case models.KindParticipantRemoved:
			return threadSignals(models.ClientLeaveThread, p.Conversation, participantIDs(p.Participants))
		}
	}
	return nil
}

// RunStale publishes retry intents for unacknowledged deliveries whose
// backoff has elapsed, one intent per user. Rows at the attempt cap are left
// alone. It returns the number of delivery rows handed to the retry worker.
func (s *Sweeper) RunStale(ctx context.Context) (int, error) {
	retry := s.p.deps.Retry
	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	now := s.p.deps.Now()

	rows, err := s.p.deps.Store.ListStaleDeliveriesBefore(ctx, now.Add(-retry.BaseBackoff), maxAttempts, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale deliveries: %w", err)
	}

	byUser := make(map[int64][]int64)
	for _, d := range rows {
		if d.LastActivity().Add(Backoff(retry, d.DeliveryAttempts)).After(now) {
			continue
		}
		byUser[d.UserID] = append(byUser[d.UserID], d.ID)
	}
	users := make([]int64, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	var (
		handed int
		errs   []error
	)
	for _, u := range users {
		ids := byUser[u]
		for len(ids) > 0 {
			chunk := ids[:min(len(ids), maxRetryBatch)]
			ids = ids[len(chunk):]

			in, err := broker.NewIntent(ctx, broker.Actor{ID: u}, &broker.RetryIntent{
				UserID:      u,
				DeliveryIDs: chunk,
				Source:      broker.RetrySourceSweep,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("build retry intent for user %d: %w", u, err))
				continue
			}
			if err := s.p.deps.Publisher.Publish(ctx, models.KeyRetryMessage, in); err != nil {
				errs = append(errs, fmt.Errorf("publish retry intent for user %d: %w", u, err))
				continue
			}
			handed += len(chunk)
		}
	}
	return handed, errors.Join(errs...)
}
