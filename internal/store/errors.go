// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package store

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateDelivery    = errors.New("delivery already initialized for user and event")
	ErrDuplicateReaction    = errors.New("user already reacted to message")
	ErrDuplicateParticipant = errors.New("user is already a participant")
	ErrConflict             = errors.New("conflicting write")
)

// IsNotFound is shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
