// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package wal

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
)

// Compactor removes confirmed and expired entries and runs value log GC.
type Compactor struct {
	wal    *BadgerWAL
	config Config

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	running          bool
	lastRun          time.Time
	lastEntriesCount int64
}

// NewCompactor creates a compactor over w.
func NewCompactor(w *BadgerWAL) *Compactor {
	return &Compactor{
		wal:    w,
		config: w.Config(),
	}
}

// Start launches the compaction loop.
func (c *Compactor) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(loopCtx)

	logging.Info().Dur("interval", c.config.CompactInterval).Msg("WAL compactor started")
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	logging.Info().Msg("WAL compactor stopped")
}

// IsRunning reports whether the compactor is active.
func (c *Compactor) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Compactor) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CompactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunNow()
		}
	}
}

// RunNow performs one compaction pass synchronously.
func (c *Compactor) RunNow() {
	start := time.Now()

	confirmed, err := c.deleteConfirmedEntries()
	if err != nil {
		logging.Error().Err(err).Msg("WAL compaction failed to delete confirmed entries")
	}

	expired, err := c.deleteExpiredEntries()
	if err != nil {
		logging.Error().Err(err).Msg("WAL compaction failed to delete expired entries")
	}

	if err := c.wal.RunGC(); err != nil {
		logging.Error().Err(err).Msg("WAL compaction GC error")
	}

	total := confirmed + expired
	now := time.Now()

	c.mu.Lock()
	c.lastRun = now
	c.lastEntriesCount = total
	c.mu.Unlock()

	c.wal.mu.Lock()
	c.wal.lastCompaction = now
	c.wal.mu.Unlock()

	metrics.WALWrites.WithLabelValues("compacted").Add(float64(total))

	if total > 0 {
		logging.Info().
			Int64("confirmed", confirmed).
			Int64("expired", expired).
			Dur("duration", time.Since(start)).
			Msg("WAL compaction removed entries")
	}
}

func (c *Compactor) deleteConfirmedEntries() (int64, error) {
	keys, err := c.collectKeys(prefixConfirmed, nil)
	if err != nil {
		return 0, err
	}
	return c.deleteKeys(keys)
}

func (c *Compactor) deleteExpiredEntries() (int64, error) {
	cutoff := time.Now().Add(-c.config.EntryTTL)
	keys, err := c.collectKeys(prefixPending, func(e *Entry) bool {
		return e.CreatedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}
	n, err := c.deleteKeys(keys)
	if n > 0 {
		metrics.WALPending.Sub(float64(n))
	}
	return n, err
}

// collectKeys returns keys under prefix; a nil match selects every key.
func (c *Compactor) collectKeys(prefix string, match func(*Entry) bool) ([][]byte, error) {
	var keys [][]byte
	err := c.wal.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = match != nil
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			if match != nil {
				var entry Entry
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &entry)
				}); err != nil || !match(&entry) {
					continue
				}
			}
			keys = append(keys, item.KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (c *Compactor) deleteKeys(keys [][]byte) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	wb := c.wal.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// CompactorStats describes the last compaction pass.
type CompactorStats struct {
	LastRun          time.Time
	LastEntriesCount int64
}

// GetStats returns stats of the last pass.
func (c *Compactor) GetStats() CompactorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CompactorStats{
		LastRun:          c.lastRun,
		LastEntriesCount: c.lastEntriesCount,
	}
}
