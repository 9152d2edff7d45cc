// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package wal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
)

// RetryLoop periodically republishes pending intents.
type RetryLoop struct {
	wal       *BadgerWAL
	publisher Publisher
	config    Config

	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	stopping bool
	stopDone chan struct{}
}

// NewRetryLoop creates a retry loop over w.
func NewRetryLoop(w *BadgerWAL, publisher Publisher) *RetryLoop {
	return &RetryLoop{
		wal:       w,
		publisher: publisher,
		config:    w.Config(),
	}
}

// Start launches the loop. It returns immediately; calling it on a running
// loop is a no-op.
func (r *RetryLoop) Start(ctx context.Context) error {
	r.mu.Lock()

	// Wait for any in-progress Stop.
	for r.stopping {
		stopDone := r.stopDone
		r.mu.Unlock()
		<-stopDone
		r.mu.Lock()
	}

	if r.running {
		r.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.stopDone = make(chan struct{})
	done := r.stopDone
	r.mu.Unlock()

	go r.run(loopCtx, done)

	logging.Info().
		Dur("interval", r.config.RetryInterval).
		Int("max_retries", r.config.MaxRetries).
		Msg("WAL retry loop started")
	return nil
}

// Stop cancels the loop and waits for the current pass to finish.
func (r *RetryLoop) Stop() {
	r.mu.Lock()
	if !r.running || r.stopping {
		r.mu.Unlock()
		return
	}

	r.cancel()
	r.running = false
	r.stopping = true
	stopDone := r.stopDone
	r.mu.Unlock()

	<-stopDone

	r.mu.Lock()
	r.stopping = false
	r.mu.Unlock()

	logging.Info().Msg("WAL retry loop stopped")
}

// IsRunning reports whether the loop is active.
func (r *RetryLoop) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *RetryLoop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.retryPending(ctx)
		}
	}
}

type retryResult int

const (
	retryResultSuccess retryResult = iota
	retryResultFailed
	retryResultExpired
	retryResultDropped
	retryResultSkipped
)

// retryPending makes one pass over the pending set.
func (r *RetryLoop) retryPending(ctx context.Context) {
	entries, err := r.wal.GetPending(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("WAL retry: failed to get pending intents")
		}
		return
	}
	if len(entries) == 0 {
		return
	}

	counts := make(map[retryResult]int)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		counts[r.processEntry(ctx, entry)]++
	}

	if counts[retryResultSuccess]+counts[retryResultFailed]+counts[retryResultExpired]+counts[retryResultDropped] > 0 {
		logging.Info().
			Int("succeeded", counts[retryResultSuccess]).
			Int("failed", counts[retryResultFailed]).
			Int("expired", counts[retryResultExpired]).
			Int("dropped", counts[retryResultDropped]).
			Msg("WAL retry pass complete")
	}
}

func (r *RetryLoop) processEntry(ctx context.Context, entry *Entry) retryResult {
	if !r.wal.TryClaimEntry(entry.ID) {
		return retryResultSkipped
	}
	defer r.wal.ReleaseEntry(entry.ID)

	if time.Since(entry.CreatedAt) > r.config.EntryTTL {
		logging.Info().Str("entry_id", entry.ID).Msg("WAL retry: intent expired, removing")
		r.drop(ctx, entry)
		metrics.RecordWALOp("expired")
		return retryResultExpired
	}

	if entry.Attempts >= r.config.MaxRetries {
		logging.Warn().
			Str("entry_id", entry.ID).
			Str("subject", entry.Subject).
			Int("attempts", entry.Attempts).
			Msg("WAL retry: intent exceeded max retries, removing")
		r.drop(ctx, entry)
		metrics.RecordWALOp("dropped")
		return retryResultDropped
	}

	if !r.isReadyForRetry(entry) {
		return retryResultSkipped
	}

	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := r.publisher.PublishEntry(pubCtx, entry)
	cancel()

	if err != nil {
		logging.Error().
			Err(err).
			Str("entry_id", entry.ID).
			Int("attempt", entry.Attempts+1).
			Msg("WAL retry: failed to publish intent")
		if updateErr := r.wal.UpdateAttempt(ctx, entry.ID, err.Error()); updateErr != nil && !errors.Is(updateErr, ErrEntryNotFound) {
			logging.Error().Err(updateErr).Str("entry_id", entry.ID).Msg("WAL retry: failed to update attempt")
		}
		return retryResultFailed
	}

	if err := r.wal.Confirm(ctx, entry.ID); err != nil && !errors.Is(err, ErrEntryNotFound) {
		logging.Error().Err(err).Str("entry_id", entry.ID).Msg("WAL retry: failed to confirm intent")
		return retryResultFailed
	}
	return retryResultSuccess
}

func (r *RetryLoop) drop(ctx context.Context, entry *Entry) {
	if err := r.wal.DeleteEntry(ctx, entry.ID); err != nil && !errors.Is(err, ErrEntryNotFound) {
		logging.Error().Err(err).Str("entry_id", entry.ID).Msg("WAL retry: failed to delete intent")
	}
}

func (r *RetryLoop) isReadyForRetry(entry *Entry) bool {
	if entry.LastAttemptAt.IsZero() {
		return true
	}
	return time.Since(entry.LastAttemptAt) >= r.calculateBackoff(entry.Attempts)
}

// calculateBackoff returns RetryBackoff * 2^attempts, capped at MaxRetryBackoff.
func (r *RetryLoop) calculateBackoff(attempts int) time.Duration {
	base := r.config.RetryBackoff
	maxBackoff := r.config.MaxRetryBackoff

	backoff := base
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff <= 0 || backoff >= maxBackoff {
			return maxBackoff
		}
	}
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

// RetryStats describes the pending set as the retry loop sees it.
type RetryStats struct {
	PendingCount  int
	TotalAttempts int
	MaxAttempts   int
	OldestEntry   time.Time
}

// GetStats scans the pending set.
func (r *RetryLoop) GetStats(ctx context.Context) RetryStats {
	entries, err := r.wal.GetPending(ctx)
	if err != nil {
		return RetryStats{}
	}

	stats := RetryStats{PendingCount: len(entries)}
	for _, entry := range entries {
		stats.TotalAttempts += entry.Attempts
		if entry.Attempts > stats.MaxAttempts {
			stats.MaxAttempts = entry.Attempts
		}
		if stats.OldestEntry.IsZero() || entry.CreatedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.CreatedAt
		}
	}
	return stats
}
