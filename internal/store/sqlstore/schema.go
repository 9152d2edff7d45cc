// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/threadline/internal/logging"
)

// Migration is one versioned, append-only schema change.
type Migration struct {
	Version   int
	Name      string
	SQL       []string
	AppliedAt time.Time
}

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at {{ts}} NOT NULL
)`

var sequences = []string{
	"users", "conversations", "participants", "messages", "reactions", "attachments",
	"thread_offsets", "domain_events", "delivery_status", "websocket_sessions",
}

// Tables carry no foreign keys; cascades are done by the repository so both
// engines behave alike.
var initialSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT PRIMARY KEY DEFAULT nextval('users_id_seq'),
		username TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGINT PRIMARY KEY DEFAULT nextval('conversations_id_seq'),
		type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		created_by BIGINT NOT NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		id BIGINT PRIMARY KEY DEFAULT nextval('participants_id_seq'),
		conversation_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		role TEXT NOT NULL,
		joined_at {{ts}} NOT NULL,
		UNIQUE (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGINT PRIMARY KEY DEFAULT nextval('messages_id_seq'),
		conversation_id BIGINT NOT NULL,
		sender_id BIGINT NOT NULL,
		content TEXT NOT NULL,
		reply_to_id BIGINT,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		id BIGINT PRIMARY KEY DEFAULT nextval('reactions_id_seq'),
		message_id BIGINT NOT NULL,
		conversation_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		emoji_hex TEXT NOT NULL,
		created_at {{ts}} NOT NULL,
		UNIQUE (message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id BIGINT PRIMARY KEY DEFAULT nextval('attachments_id_seq'),
		message_id BIGINT NOT NULL,
		uploader_id BIGINT NOT NULL,
		file_type TEXT NOT NULL,
		url TEXT NOT NULL,
		thumbnail_url TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments (message_id)`,
	`CREATE TABLE IF NOT EXISTS thread_offsets (
		id BIGINT PRIMARY KEY DEFAULT nextval('thread_offsets_id_seq'),
		conversation_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		last_message_id BIGINT,
		last_offset_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS domain_events (
		id BIGINT PRIMARY KEY DEFAULT nextval('domain_events_id_seq'),
		aggregate_type TEXT NOT NULL,
		aggregate_id BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		thread_id BIGINT NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		published_at {{ts}},
		created_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_domain_events_unpublished ON domain_events (published, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_domain_events_aggregate ON domain_events (aggregate_type, aggregate_id)`,
	`CREATE TABLE IF NOT EXISTS delivery_status (
		id BIGINT PRIMARY KEY DEFAULT nextval('delivery_status_id_seq'),
		domain_event_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		thread_id BIGINT NOT NULL DEFAULT 0,
		delivery_attempts INTEGER NOT NULL DEFAULT 0,
		delivered_at {{ts}},
		ack_at {{ts}},
		last_attempted_at {{ts}},
		created_at {{ts}} NOT NULL,
		UNIQUE (user_id, domain_event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_status_pending ON delivery_status (user_id, ack_at)`,
	`CREATE TABLE IF NOT EXISTS websocket_sessions (
		id BIGINT PRIMARY KEY DEFAULT nextval('websocket_sessions_id_seq'),
		socket_id TEXT NOT NULL,
		user_id BIGINT NOT NULL,
		instance_id TEXT NOT NULL,
		connected_at {{ts}} NOT NULL,
		disconnected_at {{ts}}
	)`,
}

// Migrations returns every migration in version order. Never edit or remove
// an entry once released.
func Migrations() []Migration {
	seqs := make([]string, len(sequences))
	for i, name := range sequences {
		seqs[i] = fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s_id_seq START 1", name)
	}
	return []Migration{
		{Version: 1, Name: "initial_schema", SQL: append(seqs, initialSchema...)},
		{Version: 2, Name: "event_recipients", SQL: []string{
			`ALTER TABLE domain_events ADD COLUMN recipients TEXT`,
		}},
	}
}

func (s *Store) render(stmt string) string {
	ts := "TIMESTAMP"
	if s.dialect == Postgres {
		ts = "TIMESTAMPTZ"
	}
	return strings.ReplaceAll(stmt, "{{ts}}", ts)
}

// Migrate applies every migration not yet recorded in schema_migrations.
// Each migration runs in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.render(schemaMigrationsTable)); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		err := s.atomic(ctx, func(r *repo) error {
			for _, stmt := range m.SQL {
				if _, err := r.q.ExecContext(ctx, s.render(stmt)); err != nil {
					return err
				}
			}
			_, err := r.q.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)`,
				m.Version, m.Name, r.now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration v%d (%s): %w", m.Version, m.Name, err)
		}
		count++
	}

	if count > 0 {
		logging.Info().Int("applied", count).Msg("Database migrations applied")
	}
	return nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
