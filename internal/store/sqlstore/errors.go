// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/tomtom215/threadline/internal/store"
)

const pqUniqueViolation = "23505"

// isUniqueViolation recognizes unique constraint failures from lib/pq and
// from DuckDB, which reports them only as text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	msg := err.Error()
	return strings.Contains(msg, "Constraint Error") || strings.Contains(msg, "Duplicate key")
}

// wrap maps driver errors onto the store sentinels. dup is returned for
// unique violations; sql.ErrNoRows becomes store.ErrNotFound.
func wrap(err error, dup error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, a...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	case dup != nil && isUniqueViolation(err):
		return fmt.Errorf("%s: %w", what, dup)
	}
	return fmt.Errorf("%s: %w", what, err)
}
