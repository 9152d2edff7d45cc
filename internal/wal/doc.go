// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

// Package wal provides a durable Write-Ahead Log for broker intents using BadgerDB.
//
// The gateway writes each intent to the WAL before publishing it to
// JetStream, so a request that passed validation survives a broker outage
// or a process crash:
//
//	Intent → WAL Write (fsync) → JetStream Publish → WAL Confirm
//	                                      ↓ (on failure)
//	                              Entry kept for the RetryLoop
//
// Entries are keyed by intent id. JetStream deduplicates on the same id
// (Nats-Msg-Id), so a retry after an ambiguous publish failure does not
// create a second intent inside the stream's duplicate window.
//
// # Components
//
//   - BadgerWAL: Write, Confirm, GetPending, UpdateAttempt, DeleteEntry
//   - RecoverPending: republishes everything left over from a previous run
//   - RetryLoop: periodic republish with exponential backoff, TTL and max attempts
//   - Compactor: removes confirmed entries and runs value log GC
//
// # Usage
//
//	w, err := wal.Open(&cfg)
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//
//	if err := w.Write(ctx, in.ID, routingKey, payload); err != nil {
//	    return err
//	}
//	if err := publish(); err == nil {
//	    _ = w.Confirm(ctx, in.ID)
//	}
package wal
