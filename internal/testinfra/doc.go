// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

// Package testinfra starts throwaway PostgreSQL containers for integration
// tests with testcontainers-go. Everything here is behind the integration
// build tag:
//
//	go test -tags integration ./internal/store/sqlstore/...
//
// Typical use:
//
//	func TestSomething(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//	    ctx := context.Background()
//	    pg, err := testinfra.NewPostgresContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, pg.Container)
//
//	    db, err := sql.Open("postgres", pg.DSN)
//	    ...
//	}
package testinfra
