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
	"time"

	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/config"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
	"github.com/tomtom215/threadline/internal/websocket"
)

// RetryWorker redelivers stale delivery rows of one user to that user's
// personal room only. It never touches ack_at.
type RetryWorker struct {
	store   store.Store
	emitter websocket.Emitter
	retry   config.RetryConfig
	now     func() time.Time
}

// NewRetryWorker shares the pipeline's collaborators.
func NewRetryWorker(p *Pipeline) *RetryWorker {
	return &RetryWorker{
		store:   p.deps.Store,
		emitter: p.deps.Emitter,
		retry:   p.deps.Retry,
		now:     p.deps.Now,
	}
}

// Handle implements broker.IntentHandler.
func (w *RetryWorker) Handle(ctx context.Context, in *broker.Intent) error {
	log := logging.Ctx(ctx)
	if in.RoutingKey != models.KeyRetryMessage {
		log.Warn().Str("routing_key", in.RoutingKey).Msg("No retry handler for routing key, dropping intent")
		return nil
	}
	var req broker.RetryIntent
	if err := in.Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Malformed retry intent, dropping")
		return nil
	}
	if req.UserID != in.Actor.ID {
		log.Warn().Int64("user_id", req.UserID).Int64("actor_id", in.Actor.ID).Msg("Retry for another user, dropping")
		return nil
	}

	start := time.Now()
	n, err := w.Redeliver(ctx, &req)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	metrics.RecordDispatch(in.RoutingKey, outcome, time.Since(start))
	log.Debug().Int64("user_id", req.UserID).Int("redelivered", n).Msg("Retry intent handled")
	return err
}

// Redeliver re-sends the listed rows that belong to req.UserID, are not
// acknowledged and, when req.ThreadID is set, are in that thread. Rows are
// sent in event order. It returns the number of rows attempted.
func (w *RetryWorker) Redeliver(ctx context.Context, req *broker.RetryIntent) (int, error) {
	rows, err := w.store.GetDeliveries(ctx, req.DeliveryIDs)
	if err != nil {
		return 0, fmt.Errorf("load deliveries: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DomainEventID < rows[j].DomainEventID })

	var (
		attempted int
		errs      []error
	)
	for i := range rows {
		d := &rows[i]
		switch {
		case d.UserID != req.UserID, d.AckAt != nil:
			continue
		case req.ThreadID != 0 && d.ThreadID != req.ThreadID:
			continue
		case req.Source == broker.RetrySourceSweep && w.retry.MaxAttempts > 0 && d.DeliveryAttempts >= w.retry.MaxAttempts:
			metrics.DeliveriesAbandoned.Inc()
			continue
		}
		ok, err := w.redeliver(ctx, d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			attempted++
		}
	}
	return attempted, errors.Join(errs...)
}

// redeliver sends one row and records the attempt. ok is false when the
// event no longer exists.
func (w *RetryWorker) redeliver(ctx context.Context, d *models.DeliveryStatus) (ok bool, err error) {
	log := logging.Ctx(ctx)

	ev, err := w.store.GetEvent(ctx, d.DomainEventID)
	if err != nil {
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("load event %d: %w", d.DomainEventID, err)
	}

	delivered := false
	if data, err := Render(ev); err != nil {
		log.Error().Err(err).Int64("event_id", ev.ID).Msg("Cannot render event for redelivery")
	} else if err := w.emitter.Emit(ctx, models.UserRoom(d.UserID), EventNameFor(ev, d.UserID), data); err != nil {
		log.Warn().Err(err).Int64("event_id", ev.ID).Int64("user_id", d.UserID).Msg("Redelivery emit failed")
	} else {
		delivered = true
	}

	if err := w.store.RecordAttempt(ctx, d.ID, w.now(), delivered); err != nil {
		return true, fmt.Errorf("record attempt on delivery %d: %w", d.ID, err)
	}
	metrics.RecordDeliveryAttempt("retry", delivered)
	return true, nil
}

// Backoff is the wait after a row's last activity before the sweep retries
// it: base * 2^(attempts-1), capped at the maximum.
func Backoff(cfg config.RetryConfig, attempts int) time.Duration {
	d := cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		if cfg.MaxBackoff > 0 && d >= cfg.MaxBackoff {
			break
		}
		d *= 2
	}
	if cfg.MaxBackoff > 0 && d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	return d
}
