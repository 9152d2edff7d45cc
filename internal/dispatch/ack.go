// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

// AckDispatcher consumes the acknowledgment subjects. An acknowledgment is a
// private signal: it stamps ack_at on the actor's delivery row and nothing
// is emitted. Anything that does not match a pending row is logged and
// dropped.
type AckDispatcher struct {
	store store.Store
	now   func() time.Time
}

// NewAckDispatcher creates an acknowledgment dispatcher. now defaults to time.Now.
func NewAckDispatcher(st store.Store, now func() time.Time) *AckDispatcher {
	if now == nil {
		now = time.Now
	}
	return &AckDispatcher{store: st, now: now}
}

// Handle implements broker.IntentHandler.
func (d *AckDispatcher) Handle(ctx context.Context, in *broker.Intent) error {
	start := time.Now()
	result, err := d.acknowledge(ctx, in)
	metrics.RecordAcknowledgment(result)

	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	metrics.RecordDispatch(in.RoutingKey, outcome, time.Since(start))
	return err
}

func (d *AckDispatcher) acknowledge(ctx context.Context, in *broker.Intent) (string, error) {
	log := logging.CtxWith(ctx).
		Str("routing_key", in.RoutingKey).
		Int64("user_id", in.Actor.ID).
		Logger()

	kinds := models.KindsForAckRoutingKey(in.RoutingKey)
	if len(kinds) == 0 {
		log.Warn().Msg("Not an acknowledgment subject, dropping intent")
		return "invalid", nil
	}
	var req broker.AckIntent
	if err := in.Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Malformed acknowledgment, dropping intent")
		return "invalid", nil
	}
	log = log.With().Int64("event_id", req.EventID).Logger()

	ev, err := d.store.GetEvent(ctx, req.EventID)
	switch {
	case store.IsNotFound(err):
		log.Debug().Msg("Acknowledged event does not exist")
		return "unknown", nil
	case err != nil:
		return "failed", fmt.Errorf("load event %d: %w", req.EventID, err)
	}
	if !slices.Contains(kinds, ev.Kind) {
		log.Warn().Str("event_type", string(ev.Kind)).Msg("Acknowledgment subject does not match event kind")
		return "invalid", nil
	}

	acked, err := d.store.AcknowledgeDelivery(ctx, ev.ID, in.Actor.ID, d.now())
	switch {
	case store.IsNotFound(err):
		log.Debug().Msg("No delivery row for acknowledgment")
		return "unknown", nil
	case err != nil:
		return "failed", fmt.Errorf("acknowledge event %d for user %d: %w", ev.ID, in.Actor.ID, err)
	case !acked:
		log.Debug().Msg("Delivery already acknowledged")
		return "duplicate", nil
	}
	log.Debug().Msg("Delivery acknowledged")
	return "acknowledged", nil
}
