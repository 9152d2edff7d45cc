// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package wal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
)

// Publisher republishes a WAL entry to the broker.
type Publisher interface {
	PublishEntry(ctx context.Context, entry *Entry) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, entry *Entry) error

// PublishEntry implements Publisher.
func (f PublisherFunc) PublishEntry(ctx context.Context, entry *Entry) error {
	return f(ctx, entry)
}

// RecoveryResult summarizes one RecoverPending run.
type RecoveryResult struct {
	TotalPending int
	Recovered    int
	Failed       int
	Expired      int
	Dropped      int
	Skipped      int
	Errors       []error
	Duration     time.Duration
}

// RecoverPending republishes every pending entry. It runs once at startup,
// before the gateway accepts connections, and is safe to call repeatedly.
func (w *BadgerWAL) RecoverPending(ctx context.Context, publisher Publisher) (*RecoveryResult, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}

	start := time.Now()
	result := &RecoveryResult{}

	entries, err := w.GetPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("get pending entries: %w", err)
	}

	result.TotalPending = len(entries)
	metrics.WALPending.Set(float64(result.TotalPending))
	if result.TotalPending == 0 {
		logging.Info().Msg("WAL recovery: no pending intents")
		result.Duration = time.Since(start)
		return result, nil
	}

	logging.Info().Int("pending_entries", result.TotalPending).Msg("WAL recovery found pending intents")

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err)
			result.Duration = time.Since(start)
			return result, err
		}

		if !w.TryClaimEntry(entry.ID) {
			result.Skipped++
			continue
		}
		w.recoverEntry(ctx, entry, publisher, result)
		w.ReleaseEntry(entry.ID)
	}

	result.Duration = time.Since(start)

	logging.Info().
		Int("recovered", result.Recovered).
		Int("failed", result.Failed).
		Int("expired", result.Expired).
		Int("dropped", result.Dropped).
		Int("skipped", result.Skipped).
		Dur("duration", result.Duration).
		Msg("WAL recovery complete")

	return result, nil
}

func (w *BadgerWAL) recoverEntry(ctx context.Context, entry *Entry, publisher Publisher, result *RecoveryResult) {
	log := logging.Info().Str("entry_id", entry.ID).Str("subject", entry.Subject)

	switch {
	case time.Since(entry.CreatedAt) > w.config.EntryTTL:
		log.Dur("age", time.Since(entry.CreatedAt)).Msg("WAL recovery: intent expired, removing")
		if err := w.DeleteEntry(ctx, entry.ID); err != nil && !errors.Is(err, ErrEntryNotFound) {
			result.Errors = append(result.Errors, fmt.Errorf("delete expired entry %s: %w", entry.ID, err))
		}
		result.Expired++
		metrics.RecordWALOp("expired")
		return

	case entry.Attempts >= w.config.MaxRetries:
		log.Int("attempts", entry.Attempts).Msg("WAL recovery: intent exceeded max retries, removing")
		if err := w.DeleteEntry(ctx, entry.ID); err != nil && !errors.Is(err, ErrEntryNotFound) {
			result.Errors = append(result.Errors, fmt.Errorf("delete max-retried entry %s: %w", entry.ID, err))
		}
		result.Dropped++
		metrics.RecordWALOp("dropped")
		return
	}

	if err := publisher.PublishEntry(ctx, entry); err != nil {
		logging.Error().Err(err).Str("entry_id", entry.ID).Msg("WAL recovery: failed to publish intent")
		if updateErr := w.UpdateAttempt(ctx, entry.ID, err.Error()); updateErr != nil && !errors.Is(updateErr, ErrEntryNotFound) {
			result.Errors = append(result.Errors, fmt.Errorf("update attempt for %s: %w", entry.ID, updateErr))
		}
		result.Failed++
		return
	}

	if err := w.Confirm(ctx, entry.ID); err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			logging.Debug().Str("entry_id", entry.ID).Msg("WAL recovery: intent already confirmed")
			result.Recovered++
			return
		}
		result.Errors = append(result.Errors, fmt.Errorf("confirm entry %s: %w", entry.ID, err))
		result.Failed++
		return
	}
	result.Recovered++
}
