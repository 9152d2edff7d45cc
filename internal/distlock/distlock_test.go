// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_Exclusive(t *testing.T) {
	t.Parallel()
	_, client := setupRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "sweep", time.Minute)
	second := NewRedisLock(client, "sweep", time.Minute)

	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first Acquire() = %v, %v", ok, err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil || ok {
		t.Fatalf("second Acquire() = %v, %v, want false", ok, err)
	}

	// A non-owner release must not free the lock.
	if err := second.Release(ctx); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if ok, _ := second.Acquire(ctx); ok {
		t.Fatal("non-owner release freed the lock")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if ok, _ := second.Acquire(ctx); !ok {
		t.Fatal("lock not free after owner release")
	}
}

func TestRedisLock_ExpiresAndExtend(t *testing.T) {
	t.Parallel()
	mr, client := setupRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "stale", 10*time.Second)
	if ok, err := lock.Acquire(ctx); err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}
	if err := lock.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if ttl := mr.TTL(lock.Key()); ttl != time.Minute {
		t.Errorf("TTL after extend = %v, want 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if err := lock.Extend(ctx, time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("Extend() after expiry error = %v, want ErrNotAcquired", err)
	}

	other := NewRedisLock(client, "stale", time.Minute)
	if ok, _ := other.Acquire(ctx); !ok {
		t.Error("expired lock not reacquirable")
	}
}

func TestRedisLock_Unreachable(t *testing.T) {
	t.Parallel()
	mr, client := setupRedis(t)
	mr.Close()

	if _, err := NewRedisLock(client, "x", time.Minute).Acquire(context.Background()); err == nil {
		t.Error("Acquire() succeeded against a closed server")
	}
}

func TestPGAdvisoryLock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		acquired bool
	}{
		{"acquired", true},
		{"held elsewhere", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock.New() error = %v", err)
			}
			defer db.Close()

			lock := NewPGAdvisoryLock(db, "sweep:stale")
			mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
				WithArgs(lock.lockID).
				WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(tt.acquired))
			if tt.acquired {
				mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
					WithArgs(lock.lockID).
					WillReturnResult(sqlmock.NewResult(0, 1))
			}

			ok, err := lock.Acquire(context.Background())
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			if ok != tt.acquired {
				t.Fatalf("Acquire() = %v, want %v", ok, tt.acquired)
			}
			if err := lock.Release(context.Background()); err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPGAdvisoryLock_StableID(t *testing.T) {
	t.Parallel()

	a := NewPGAdvisoryLock(nil, "sweep:unpublished")
	b := NewPGAdvisoryLock(nil, "sweep:unpublished")
	c := NewPGAdvisoryLock(nil, "sweep:stale")
	if a.lockID != b.lockID {
		t.Error("same key produced different lock ids")
	}
	if a.lockID == c.lockID {
		t.Error("different keys produced the same lock id")
	}
}

func TestLocker(t *testing.T) {
	t.Parallel()
	_, client := setupRedis(t)
	ctx := context.Background()

	a := NewLocker(client, nil, time.Minute)
	b := NewLocker(client, nil, time.Minute)

	held, err := a.Lock(ctx, "sweep-stale")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if _, err := b.Lock(ctx, "sweep-stale"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second Lock() error = %v, want ErrNotAcquired", err)
	}
	if _, err := b.Lock(ctx, "sweep-unpublished"); err != nil {
		t.Fatalf("Lock() on another job error = %v", err)
	}
	if err := held.Unlock(ctx); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if _, err := b.Lock(ctx, "sweep-stale"); err != nil {
		t.Errorf("Lock() after unlock error = %v", err)
	}
}
