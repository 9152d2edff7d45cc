// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package wal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
)

// Entry is one intent waiting for (or past) broker acknowledgment.
type Entry struct {
	// ID is the intent id; it doubles as the JetStream Nats-Msg-Id.
	ID string `json:"id"`

	// Subject is the routing key the intent is published under.
	Subject string `json:"subject"`

	// Payload is the encoded intent envelope.
	Payload json.RawMessage `json:"payload"`

	CreatedAt     time.Time  `json:"created_at"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt time.Time  `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Confirmed     bool       `json:"confirmed"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}

// UnmarshalPayload decodes the payload into v.
func (e *Entry) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Stats is a point-in-time view for health and metrics.
type Stats struct {
	PendingCount   int64
	ConfirmedCount int64
	TotalWrites    int64
	TotalConfirms  int64
	TotalRetries   int64
	LastCompaction time.Time
	DBSizeBytes    int64
}

// BadgerWAL is the BadgerDB-backed intent log.
//
// processing tracks entries claimed by RecoverPending or the RetryLoop so
// the two never publish the same entry concurrently.
type BadgerWAL struct {
	db     *badger.DB
	config Config

	totalWrites   atomic.Int64
	totalConfirms atomic.Int64
	totalRetries  atomic.Int64

	mu             sync.RWMutex
	closed         bool
	lastCompaction time.Time

	processing sync.Map
}

const (
	prefixPending   = "pending:"
	prefixConfirmed = "confirmed:"
)

var (
	ErrWALClosed      = errors.New("WAL is closed")
	ErrEmptyEntryID   = errors.New("entry ID cannot be empty")
	ErrEmptyPayload   = errors.New("entry payload cannot be empty")
	ErrEntryNotFound  = errors.New("entry not found")
	ErrDuplicateEntry = errors.New("entry already pending")
)

// Open opens (or creates) the WAL at cfg.Path.
func Open(cfg *Config) (*BadgerWAL, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid WAL config: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumCompactors = cfg.NumCompactors
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("WAL opened")

	return &BadgerWAL{
		db:             db,
		config:         *cfg,
		lastCompaction: time.Now(),
	}, nil
}

func (w *BadgerWAL) checkOpen() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWALClosed
	}
	return nil
}

// Write persists an intent before it is published. Writing an id that is
// still pending fails with ErrDuplicateEntry.
func (w *BadgerWAL) Write(ctx context.Context, id, subject string, payload []byte) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if id == "" {
		return ErrEmptyEntryID
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	data, err := json.Marshal(&Entry{
		ID:        id,
		Subject:   subject,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	key := []byte(prefixPending + id)
	err = w.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrDuplicateEntry
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check pending entry: %w", err)
		}
		e := badger.NewEntry(key, data)
		if w.config.EntryTTL > 0 {
			e = e.WithTTL(w.config.EntryTTL)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return err
	}

	w.totalWrites.Add(1)
	metrics.RecordWALOp("write")
	metrics.WALPending.Inc()
	return nil
}

// Confirm moves a pending entry to the confirmed set; the Compactor removes
// confirmed entries later.
func (w *BadgerWAL) Confirm(ctx context.Context, id string) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if id == "" {
		return ErrEmptyEntryID
	}

	pendingKey := []byte(prefixPending + id)
	confirmedKey := []byte(prefixConfirmed + id)

	err := w.db.Update(func(txn *badger.Txn) error {
		entry, err := readEntry(txn, pendingKey)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		entry.Confirmed = true
		entry.ConfirmedAt = &now

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal confirmed entry: %w", err)
		}
		if err := txn.SetEntry(badger.NewEntry(confirmedKey, data).WithTTL(w.config.EntryTTL)); err != nil {
			return fmt.Errorf("set confirmed entry: %w", err)
		}
		return txn.Delete(pendingKey)
	})
	if err != nil {
		return err
	}

	w.totalConfirms.Add(1)
	metrics.RecordWALOp("confirm")
	metrics.WALPending.Dec()
	return nil
}

// GetPending returns unconfirmed entries, oldest first.
func (w *BadgerWAL) GetPending(ctx context.Context) ([]*Entry, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}

	var entries []*Entry
	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var entry Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("WAL failed to unmarshal entry")
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate pending entries: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// GetEntry returns a pending or confirmed entry.
func (w *BadgerWAL) GetEntry(ctx context.Context, id string) (*Entry, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	var entry *Entry
	err := w.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = readEntry(txn, []byte(prefixPending+id))
		if errors.Is(err, ErrEntryNotFound) {
			entry, err = readEntry(txn, []byte(prefixConfirmed+id))
		}
		return err
	})
	return entry, err
}

// UpdateAttempt records a failed publish attempt.
func (w *BadgerWAL) UpdateAttempt(ctx context.Context, id, lastError string) error {
	if err := w.checkOpen(); err != nil {
		return err
	}

	key := []byte(prefixPending + id)
	err := w.db.Update(func(txn *badger.Txn) error {
		entry, err := readEntry(txn, key)
		if err != nil {
			return err
		}

		entry.Attempts++
		entry.LastAttemptAt = time.Now().UTC()
		entry.LastError = lastError

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		// Keep the original expiry: the TTL counts from the first write.
		e := badger.NewEntry(key, data)
		if remaining := time.Until(entry.CreatedAt.Add(w.config.EntryTTL)); remaining > 0 {
			e = e.WithTTL(remaining)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return err
	}

	w.totalRetries.Add(1)
	metrics.RecordWALOp("retry")
	return nil
}

// DeleteEntry removes an entry in either state.
func (w *BadgerWAL) DeleteEntry(ctx context.Context, id string) error {
	if err := w.checkOpen(); err != nil {
		return err
	}

	pendingKey := []byte(prefixPending + id)
	confirmedKey := []byte(prefixConfirmed + id)

	return w.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(pendingKey); err == nil {
			metrics.WALPending.Dec()
			return txn.Delete(pendingKey)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get pending entry: %w", err)
		}
		if _, err := txn.Get(confirmedKey); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		} else if err != nil {
			return fmt.Errorf("get confirmed entry: %w", err)
		}
		return txn.Delete(confirmedKey)
	})
}

// Stats counts entries by state.
func (w *BadgerWAL) Stats() Stats {
	w.mu.RLock()
	closed := w.closed
	lastCompaction := w.lastCompaction
	w.mu.RUnlock()
	if closed {
		return Stats{}
	}

	pending := w.countPrefix(prefixPending)
	confirmed := w.countPrefix(prefixConfirmed)
	lsm, vlog := w.db.Size()

	metrics.WALPending.Set(float64(pending))

	return Stats{
		PendingCount:   pending,
		ConfirmedCount: confirmed,
		TotalWrites:    w.totalWrites.Load(),
		TotalConfirms:  w.totalConfirms.Load(),
		TotalRetries:   w.totalRetries.Load(),
		LastCompaction: lastCompaction,
		DBSizeBytes:    lsm + vlog,
	}
}

func (w *BadgerWAL) countPrefix(prefix string) int64 {
	var n int64
	if err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	}); err != nil {
		logging.Warn().Err(err).Str("prefix", prefix).Msg("WAL failed to count entries")
	}
	return n
}

// TryClaimEntry reserves id for one publisher goroutine.
func (w *BadgerWAL) TryClaimEntry(id string) bool {
	_, loaded := w.processing.LoadOrStore(id, time.Now())
	return !loaded
}

// ReleaseEntry drops a claim taken with TryClaimEntry.
func (w *BadgerWAL) ReleaseEntry(id string) {
	w.processing.Delete(id)
}

// Config returns the WAL configuration.
func (w *BadgerWAL) Config() Config {
	return w.config
}

// RunGC reclaims value log space until Badger reports nothing to rewrite.
func (w *BadgerWAL) RunGC() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	for {
		err := w.db.RunValueLogGC(w.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close closes the database, giving up after CloseTimeout.
func (w *BadgerWAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	timeout := w.config.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	w.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- w.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("WAL closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}

func readEntry(txn *badger.Txn, key []byte) (*Entry, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	var entry Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &entry, nil
}
