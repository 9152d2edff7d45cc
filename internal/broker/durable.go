// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/wal"
)

// DurablePublisher writes every intent to the WAL before publishing it.
//
//  1. WAL Write (durable)
//  2. Publish to JetStream
//  3. On success: WAL Confirm
//  4. On failure: the entry stays for the WAL RetryLoop
//
// A publish failure after a successful WAL write is not reported to the
// caller: the intent is accepted and will reach the broker later.
type DurablePublisher struct {
	inner *Publisher
	wal   *wal.BadgerWAL
}

// NewDurablePublisher wraps inner with w.
func NewDurablePublisher(inner *Publisher, w *wal.BadgerWAL) (*DurablePublisher, error) {
	if inner == nil {
		return nil, errors.New("inner publisher required")
	}
	if w == nil {
		return nil, errors.New("WAL required")
	}
	return &DurablePublisher{inner: inner, wal: w}, nil
}

// Publish implements IntentPublisher.
func (p *DurablePublisher) Publish(ctx context.Context, routingKey string, in *Intent) error {
	if in == nil {
		return fmt.Errorf("%w: nil intent", ErrInvalidIntent)
	}
	in.RoutingKey = routingKey

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}

	if err := p.wal.Write(ctx, in.ID, routingKey, payload); err != nil {
		logging.Ctx(ctx).Error().
			Err(err).
			Str("intent_id", in.ID).
			Msg("WAL write failed, publishing without durability")
		return p.inner.Publish(ctx, routingKey, in)
	}

	if err := p.inner.Publish(ctx, routingKey, in); err != nil {
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("intent_id", in.ID).
			Str("routing_key", routingKey).
			Msg("Publish failed, intent will be retried from the WAL")
		return nil
	}

	if err := p.wal.Confirm(ctx, in.ID); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("intent_id", in.ID).Msg("WAL confirm failed")
	}
	return nil
}

// WALPublisher republishes WAL entries through the inner publisher. Used by
// RecoverPending and the RetryLoop.
func (p *DurablePublisher) WALPublisher() wal.Publisher {
	return wal.PublisherFunc(func(ctx context.Context, entry *wal.Entry) error {
		in, err := DecodeIntent(entry.Payload, entry.Subject)
		if err != nil {
			return err
		}
		return p.inner.Publish(in.Context(ctx), in.RoutingKey, in)
	})
}

// WAL returns the underlying WAL.
func (p *DurablePublisher) WAL() *wal.BadgerWAL {
	return p.wal
}
