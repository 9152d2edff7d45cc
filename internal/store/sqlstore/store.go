// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

// Package sqlstore implements store.Store on database/sql for PostgreSQL
// (lib/pq) and DuckDB. Both dialects share one set of queries: positional
// $n placeholders, RETURNING and ON CONFLICT are supported by both engines.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/lib/pq"

	"github.com/tomtom215/threadline/internal/config"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/store"
)

// Dialect selects the SQL engine.
type Dialect string

const (
	Postgres Dialect = "postgres"
	DuckDB   Dialect = "duckdb"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQL-backed store.Store.
type Store struct {
	*repo

	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*Store)(nil)

// Open connects using the database section of the configuration and applies
// the schema when AutoMigrate is set.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	dialect := Dialect(cfg.Driver)
	var dsn string
	switch dialect {
	case Postgres:
		dsn = cfg.DSN
	case DuckDB:
		if dir := filepath.Dir(cfg.DSN); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
		dsn = cfg.DSN + "?access_mode=read_write&autoinstall_known_extensions=false&autoload_known_extensions=false"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		closeQuietly(db)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db, dialect)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			closeQuietly(db)
			return nil, err
		}
	}
	logging.Info().Str("driver", cfg.Driver).Msg("Database connected")
	return s, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, dialect Dialect) *Store {
	s := &Store{db: db, dialect: dialect}
	s.repo = &repo{q: db, db: db, now: time.Now}
	return s
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// InTx runs fn inside a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(store.Repository) error) error {
	return s.repo.atomic(ctx, func(r *repo) error { return fn(r) })
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// repo implements store.Repository over a querier. db is nil inside a
// transaction.
type repo struct {
	q   querier
	db  *sql.DB
	now func() time.Time
}

// atomic runs fn in a transaction, or directly when r already is one.
func (r *repo) atomic(ctx context.Context, fn func(*repo) error) (err error) {
	if r.db == nil {
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logging.Warn().Err(rbErr).Msg("Transaction rollback failed")
			}
		}
	}()

	if err = fn(&repo{q: tx, now: r.now}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *repo) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return r.now().UTC()
	}
	return t.UTC()
}

// args accumulates positional parameters and hands out their placeholders.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

// in renders a parenthesized placeholder list for ids.
func (a *args) in(ids []int64) string {
	ph := make([]string, len(ids))
	for i, id := range ids {
		ph[i] = a.add(id)
	}
	return "(" + strings.Join(ph, ", ") + ")"
}

func limitClause(a *args, limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + a.add(limit)
}

type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func optInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
