// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package distlock

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
)

// Locker adapts DistLock to gocron's distributed locker. Each job run takes
// a fresh lock named after the job; a run that cannot take it is skipped.
type Locker struct {
	newLock func(key string) DistLock
}

var _ gocron.Locker = (*Locker)(nil)

// NewLocker picks Redis when client is set and postgres advisory locks
// otherwise. ttl bounds how long a crashed holder blocks the job in Redis.
func NewLocker(client redis.UniversalClient, db *sql.DB, ttl time.Duration) *Locker {
	return &Locker{newLock: func(key string) DistLock {
		return NewLock(client, db, key, ttl)
	}}
}

// Lock implements gocron.Locker.
func (l *Locker) Lock(ctx context.Context, key string) (gocron.Lock, error) {
	lock := l.newLock(key)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return heldLock{lock: lock}, nil
}

type heldLock struct {
	lock DistLock
}

func (h heldLock) Unlock(ctx context.Context) error {
	return h.lock.Release(ctx)
}
