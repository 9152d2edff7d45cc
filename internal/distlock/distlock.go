// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

// Package distlock provides the cross-instance locks that keep scheduled
// sweeps from running on every instance at once.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock held by another instance")

// DistLock is a single lock. An instance is not safe for concurrent use;
// each holder takes its own.
type DistLock interface {
	// Acquire tries to take the lock without waiting. It reports false when
	// another holder owns it.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock creates a lock on the best available backend: Redis when a client
// is given, otherwise a postgres advisory lock.
func NewLock(client redis.UniversalClient, db *sql.DB, key string, ttl time.Duration) DistLock {
	if client != nil {
		return NewRedisLock(client, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}
